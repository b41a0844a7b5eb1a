package bench

import (
	"fmt"
	"math/rand"
	"sync/atomic"

	"github.com/githubxxcc/silo/internal/silo"
)

// YCSBConfig parameterizes the built-in YCSB-shaped workload: a single
// table of fixed-length values under a mix of reads, updates, inserts,
// scans, and read-modify-writes, chosen uniformly over the loaded key
// space.
type YCSBConfig struct {
	TableName   string
	RecordCount int
	FieldLength int

	// Proportions of the transaction mix; they should sum to 1. The
	// read-modify-write proportion is whatever remains.
	ReadProportion   float64
	UpdateProportion float64
	InsertProportion float64
	ScanProportion   float64

	// ScanLength bounds the number of keys visited per scan.
	ScanLength int
}

// DefaultYCSBConfig mirrors workload A's update-heavy shape with a small
// insert and scan component.
func DefaultYCSBConfig() YCSBConfig {
	return YCSBConfig{
		TableName:        "usertable",
		RecordCount:      10000,
		FieldLength:      100,
		ReadProportion:   0.60,
		UpdateProportion: 0.25,
		InsertProportion: 0.05,
		ScanProportion:   0.05,
		ScanLength:       20,
	}
}

// ycsb shares the mutable key-space high-water mark between all workers
// of one benchmark run.
type ycsb struct {
	cfg      YCSBConfig
	table    *silo.Table
	keyLimit atomic.Int64
}

// NewYCSB opens (or reuses) the configured table on engine and returns
// the loaders and per-worker workload mixes for a run.
func NewYCSB(engine *silo.Engine, cfg YCSBConfig, numWorkers int, seed int64) ([]Loader, []*Worker) {
	y := &ycsb{
		cfg:   cfg,
		table: engine.OpenTable(cfg.TableName, 0),
	}
	y.keyLimit.Store(int64(cfg.RecordCount))

	loader := LoaderFunc(func() error {
		rng := rand.New(rand.NewSource(seed))
		for i := 0; i < cfg.RecordCount; i++ {
			key := y.key(i)
			value := randomValue(rng, cfg.FieldLength)
			if err := engine.WithinTransaction(0, func(txn *silo.Transaction) (bool, error) {
				return true, txn.Insert(y.table, key, value)
			}); err != nil {
				return fmt.Errorf("loading record %d: %w", i, err)
			}
		}
		return nil
	})

	workers := make([]*Worker, numWorkers)
	for i := range workers {
		workers[i] = NewWorker(seed+int64(i)+1, engine, y.workloads())
	}
	return []Loader{loader}, workers
}

func (y *ycsb) key(i int) silo.Key {
	return silo.Key(fmt.Sprintf("user%08d", i))
}

func randomValue(rng *rand.Rand, n int) silo.Value {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	v := make(silo.Value, n)
	for i := range v {
		v[i] = letters[rng.Intn(len(letters))]
	}
	return v
}

func (y *ycsb) randomKey(rng *rand.Rand) silo.Key {
	return y.key(rng.Intn(int(y.keyLimit.Load())))
}

func (y *ycsb) workloads() []WorkloadDesc {
	cfg := y.cfg
	return []WorkloadDesc{
		{Name: "read", Frequency: cfg.ReadProportion, Fn: y.txnRead},
		{Name: "update", Frequency: cfg.UpdateProportion, Fn: y.txnUpdate},
		{Name: "insert", Frequency: cfg.InsertProportion, Fn: y.txnInsert},
		{Name: "scan", Frequency: cfg.ScanProportion, Fn: y.txnScan},
		{Name: "rmw", Frequency: 0, Fn: y.txnReadModifyWrite},
	}
}

func (y *ycsb) txnRead(w *Worker) (int, error) {
	key := y.randomKey(w.Rand())
	err := w.Engine().WithinTransaction(0, func(txn *silo.Transaction) (bool, error) {
		_, _, err := txn.Get(y.table, key)
		return true, err
	})
	return 0, err
}

func (y *ycsb) txnUpdate(w *Worker) (int, error) {
	key := y.randomKey(w.Rand())
	value := randomValue(w.Rand(), y.cfg.FieldLength)
	err := w.Engine().WithinTransaction(0, func(txn *silo.Transaction) (bool, error) {
		return true, txn.Upsert(y.table, key, value)
	})
	if err != nil {
		return 0, err
	}
	return 0, nil
}

func (y *ycsb) txnInsert(w *Worker) (int, error) {
	id := y.keyLimit.Add(1) - 1
	key := y.key(int(id))
	value := randomValue(w.Rand(), y.cfg.FieldLength)
	err := w.Engine().WithinTransaction(0, func(txn *silo.Transaction) (bool, error) {
		return true, txn.Upsert(y.table, key, value)
	})
	if err != nil {
		return 0, err
	}
	return len(value), nil
}

func (y *ycsb) txnScan(w *Worker) (int, error) {
	lo := y.randomKey(w.Rand())
	limit := y.cfg.ScanLength
	if limit <= 0 {
		limit = 20
	}
	err := w.Engine().WithinTransaction(0, func(txn *silo.Transaction) (bool, error) {
		n := 0
		err := txn.Scan(y.table, lo, nil, false, func(silo.Key, silo.Value) bool {
			n++
			return n < limit
		})
		return true, err
	})
	return 0, err
}

func (y *ycsb) txnReadModifyWrite(w *Worker) (int, error) {
	key := y.randomKey(w.Rand())
	value := randomValue(w.Rand(), y.cfg.FieldLength)
	err := w.Engine().WithinTransaction(0, func(txn *silo.Transaction) (bool, error) {
		if _, _, err := txn.Get(y.table, key); err != nil {
			return false, err
		}
		return true, txn.Upsert(y.table, key, value)
	})
	return 0, err
}
