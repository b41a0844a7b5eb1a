package silo

import gometrics "github.com/rcrowley/go-metrics"

// smallSetThreshold is the working-set size beyond which a per-context
// set counts as a "large instance" for space-class profiling: sets this
// small would fit a small-map-with-overflow container's inline storage.
const smallSetThreshold = 8

// engineMetrics is the engine's observability surface: one registry per
// engine, holding the event counters the commit protocol and local-search
// path bump, plus per-commit histograms of working-set sizes.
type engineMetrics struct {
	registry gometrics.Registry

	writeSearchFailed gometrics.Counter
	writeInsertFailed gometrics.Counter
	latestReplacement gometrics.Counter

	localSearchLookups       gometrics.Counter
	localSearchWriteSetHits  gometrics.Counter
	localSearchAbsentSetHits gometrics.Counter

	readSetSize     gometrics.Histogram
	absentSetSize   gometrics.Histogram
	writeSetSize    gometrics.Histogram
	nodeScanSize    gometrics.Histogram
	absentRangeSize gometrics.Histogram

	readSetLargeInstances   gometrics.Counter
	absentSetLargeInstances gometrics.Counter
	writeSetLargeInstances  gometrics.Counter
	nodeScanLargeInstances  gometrics.Counter
}

func newHistogram(name string, r gometrics.Registry) gometrics.Histogram {
	return gometrics.NewRegisteredHistogram(name, r, gometrics.NewUniformSample(1028))
}

func newEngineMetrics() *engineMetrics {
	r := gometrics.NewRegistry()
	return &engineMetrics{
		registry: r,

		writeSearchFailed: gometrics.NewRegisteredCounter("dbtuple_write_search_failed", r),
		writeInsertFailed: gometrics.NewRegisteredCounter("dbtuple_write_insert_failed", r),
		latestReplacement: gometrics.NewRegisteredCounter("dbtuple_latest_replacement", r),

		localSearchLookups:       gometrics.NewRegisteredCounter("local_search_lookups", r),
		localSearchWriteSetHits:  gometrics.NewRegisteredCounter("local_search_write_set_hits", r),
		localSearchAbsentSetHits: gometrics.NewRegisteredCounter("local_search_absent_set_hits", r),

		readSetSize:     newHistogram("read_set_size", r),
		absentSetSize:   newHistogram("absent_set_size", r),
		writeSetSize:    newHistogram("write_set_size", r),
		nodeScanSize:    newHistogram("node_scan_size", r),
		absentRangeSize: newHistogram("absent_range_set_size", r),

		readSetLargeInstances:   gometrics.NewRegisteredCounter("n_read_set_large_instances", r),
		absentSetLargeInstances: gometrics.NewRegisteredCounter("n_absent_set_large_instances", r),
		writeSetLargeInstances:  gometrics.NewRegisteredCounter("n_write_set_large_instances", r),
		nodeScanLargeInstances:  gometrics.NewRegisteredCounter("n_node_scan_large_instances", r),
	}
}

// observeContext samples one resolved transaction context's working-set
// sizes for space-class profiling.
func (m *engineMetrics) observeContext(c *TxnContext) {
	observe := func(h gometrics.Histogram, large gometrics.Counter, n int) {
		h.Update(int64(n))
		if large != nil && n > smallSetThreshold {
			large.Inc(1)
		}
	}
	observe(m.readSetSize, m.readSetLargeInstances, len(c.readSet))
	observe(m.absentSetSize, m.absentSetLargeInstances, len(c.absent))
	observe(m.writeSetSize, m.writeSetLargeInstances, len(c.writeSet))
	observe(m.nodeScanSize, m.nodeScanLargeInstances, len(c.nodeScans))
	observe(m.absentRangeSize, nil, len(c.absentRanges))
}
