// Package reclaim provides epoch-based deferred reclamation for objects
// shared between transactions.
//
// A transaction opens a Region for its whole lifetime; any object it
// observes through the index is guaranteed not to be logically recycled
// until the region ends. Code that retires an object (for example, a
// tuple superseded by a replacement) queues a cleanup with Defer; the
// cleanup runs only once every region that was open at queue time has
// ended. Go's garbage collector handles the memory itself, so the epoch
// bookkeeping here exists to delay logical reuse, not to free bytes.
package reclaim

import "sync"

// Region is an open reclamation scope held by one goroutine. It must be
// closed with End exactly once.
type Region struct {
	epoch uint64
	ended bool
}

type epochRecord struct {
	active   int
	deferred []func()
}

var (
	mu      sync.Mutex
	current uint64
	oldest  uint64
	epochs  = map[uint64]*epochRecord{0: {}}
)

func record(e uint64) *epochRecord {
	r, ok := epochs[e]
	if !ok {
		r = &epochRecord{}
		epochs[e] = r
	}
	return r
}

// Begin opens a region pinned to the current epoch.
func Begin() *Region {
	mu.Lock()
	record(current).active++
	r := &Region{epoch: current}
	mu.Unlock()
	return r
}

// End closes the region. Calling End twice on the same region panics.
func (r *Region) End() {
	mu.Lock()
	if r.ended {
		mu.Unlock()
		panic("reclaim: region ended twice")
	}
	r.ended = true
	record(r.epoch).active--
	ready := collectReady()
	mu.Unlock()
	run(ready)
}

// Defer queues fn to run once every region currently open has ended. It
// also closes the current epoch, so regions opened after this call do not
// delay fn.
func Defer(fn func()) {
	mu.Lock()
	record(current).deferred = append(record(current).deferred, fn)
	current++
	record(current)
	ready := collectReady()
	mu.Unlock()
	run(ready)
}

// collectReady drains the deferred lists of every epoch that no open
// region can still observe. Caller holds mu.
func collectReady() []func() {
	var out []func()
	for oldest < current && epochs[oldest].active == 0 {
		out = append(out, epochs[oldest].deferred...)
		delete(epochs, oldest)
		oldest++
	}
	return out
}

func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
