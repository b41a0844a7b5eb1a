// Package bench drives the transaction engine with concurrent, weighted
// workload mixes and reports committed/aborted counts and latency
// percentiles per workload.
package bench

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"

	"github.com/githubxxcc/silo/internal/silo"
)

// TxnFunc executes one transaction against the engine, returning how
// many logical bytes of values it added (negative for deletions). An
// aborted transaction surfaces as an error satisfying
// errors.Is(err, silo.ErrTransactionAbort).
type TxnFunc func(w *Worker) (sizeDelta int, err error)

// WorkloadDesc is one entry of a worker's transaction mix. Frequencies
// across a mix should sum to 1; the last entry acts as the fallback for
// any residual probability mass.
type WorkloadDesc struct {
	Name      string
	Frequency float64
	Fn        TxnFunc
}

// Loader populates tables before the measured run. Each loader runs on
// its own goroutine, but loaders are not raced against workers: Runner
// waits for every loader before releasing the worker barrier.
type Loader interface {
	Load() error
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func() error

func (f LoaderFunc) Load() error { return f() }

type workloadStats struct {
	commits uint64
	aborts  uint64
	latency *hdrhistogram.Histogram
}

// Worker runs one goroutine's share of the benchmark: per iteration it
// draws a uniform random number and walks the frequency-weighted mix,
// executing the first workload whose cumulative frequency covers the
// draw (the last entry catches the remainder).
type Worker struct {
	rng       *rand.Rand
	engine    *silo.Engine
	workloads []WorkloadDesc
	stats     []workloadStats
	sizeDelta int64
}

// NewWorker creates a worker with its own seeded random source.
func NewWorker(seed int64, engine *silo.Engine, workloads []WorkloadDesc) *Worker {
	stats := make([]workloadStats, len(workloads))
	for i := range stats {
		stats[i].latency = hdrhistogram.New(1, int64(time.Minute/time.Microsecond), 3)
	}
	return &Worker{
		rng:       rand.New(rand.NewSource(seed)),
		engine:    engine,
		workloads: workloads,
		stats:     stats,
	}
}

// Rand returns the worker's private random source, for use inside
// TxnFuncs.
func (w *Worker) Rand() *rand.Rand { return w.rng }

// Engine returns the engine under test.
func (w *Worker) Engine() *silo.Engine { return w.engine }

func (w *Worker) run(running *atomic.Bool, barrierA *sync.WaitGroup, barrierB <-chan struct{}) {
	barrierA.Done()
	<-barrierB
	for running.Load() {
		d := w.rng.Float64()
		for i := range w.workloads {
			if i+1 == len(w.workloads) || d < w.workloads[i].Frequency {
				start := time.Now()
				delta, err := w.workloads[i].Fn(w)
				us := time.Since(start).Microseconds()
				if us < 1 {
					us = 1
				}
				_ = w.stats[i].latency.RecordValue(us)
				if err != nil {
					if !errors.Is(err, silo.ErrTransactionAbort) {
						panic(fmt.Sprintf("bench: workload %q failed: %v", w.workloads[i].Name, err))
					}
					w.stats[i].aborts++
				} else {
					w.stats[i].commits++
					w.sizeDelta += int64(delta)
				}
				break
			}
			d -= w.workloads[i].Frequency
		}
	}
}

// WorkloadResult aggregates one named workload's outcome across all
// workers.
type WorkloadResult struct {
	Name    string
	Commits uint64
	Aborts  uint64
	Latency *hdrhistogram.Histogram
}

// Result is the outcome of one Runner.Run.
type Result struct {
	Elapsed   time.Duration
	SizeDelta int64
	Workloads []WorkloadResult
}

// TotalCommits sums committed transactions across workloads.
func (r Result) TotalCommits() uint64 {
	var n uint64
	for _, w := range r.Workloads {
		n += w.Commits
	}
	return n
}

// TotalAborts sums aborted transactions across workloads.
func (r Result) TotalAborts() uint64 {
	var n uint64
	for _, w := range r.Workloads {
		n += w.Aborts
	}
	return n
}

// Runner coordinates loaders and workers around a two-barrier
// rendezvous: workers count down on the first barrier once ready, then
// block on the second until the runner releases them all at once, so
// every worker starts the measured window together.
type Runner struct {
	Logger   *zap.Logger
	Loaders  []Loader
	Workers  []*Worker
	Duration time.Duration
}

// Run loads the tables, releases the workers for the configured
// duration, and merges their statistics.
func (r *Runner) Run() (Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var loadErr error
	var loadOnce sync.Once
	var loaders sync.WaitGroup
	start := time.Now()
	for _, l := range r.Loaders {
		loaders.Add(1)
		go func(l Loader) {
			defer loaders.Done()
			if err := l.Load(); err != nil {
				loadOnce.Do(func() { loadErr = err })
			}
		}(l)
	}
	loaders.Wait()
	if loadErr != nil {
		return Result{}, loadErr
	}
	logger.Info("load complete", zap.Duration("elapsed", time.Since(start)))

	var running atomic.Bool
	running.Store(true)
	var barrierA sync.WaitGroup
	barrierB := make(chan struct{})
	var workers sync.WaitGroup
	barrierA.Add(len(r.Workers))
	for _, w := range r.Workers {
		workers.Add(1)
		go func(w *Worker) {
			defer workers.Done()
			w.run(&running, &barrierA, barrierB)
		}(w)
	}
	barrierA.Wait()

	measureStart := time.Now()
	close(barrierB)
	time.Sleep(r.Duration)
	running.Store(false)
	workers.Wait()
	elapsed := time.Since(measureStart)

	result := Result{Elapsed: elapsed}
	merged := make(map[string]*WorkloadResult)
	var order []string
	for _, w := range r.Workers {
		result.SizeDelta += w.sizeDelta
		for i, desc := range w.workloads {
			m, ok := merged[desc.Name]
			if !ok {
				m = &WorkloadResult{
					Name:    desc.Name,
					Latency: hdrhistogram.New(1, int64(time.Minute/time.Microsecond), 3),
				}
				merged[desc.Name] = m
				order = append(order, desc.Name)
			}
			m.Commits += w.stats[i].commits
			m.Aborts += w.stats[i].aborts
			m.Latency.Merge(w.stats[i].latency)
		}
	}
	sort.Strings(order)
	for _, name := range order {
		m := merged[name]
		result.Workloads = append(result.Workloads, *m)
		logger.Info("workload result",
			zap.String("workload", m.Name),
			zap.Uint64("commits", m.Commits),
			zap.Uint64("aborts", m.Aborts),
			zap.Float64("throughput_per_sec", float64(m.Commits)/elapsed.Seconds()),
			zap.Int64("p50_us", m.Latency.ValueAtQuantile(50)),
			zap.Int64("p99_us", m.Latency.ValueAtQuantile(99)),
		)
	}
	return result, nil
}
