package bench

import (
	"testing"
	"time"

	"github.com/githubxxcc/silo/internal/silo"
)

func TestYCSBRunnerSmoke(t *testing.T) {
	engine := silo.Open()
	cfg := DefaultYCSBConfig()
	cfg.RecordCount = 200
	cfg.FieldLength = 16
	loaders, workers := NewYCSB(engine, cfg, 4, 1)
	runner := &Runner{
		Loaders:  loaders,
		Workers:  workers,
		Duration: 100 * time.Millisecond,
	}
	result, err := runner.Run()
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalCommits() == 0 {
		t.Error("the measured window should have committed at least one transaction")
	}
	if len(result.Workloads) == 0 {
		t.Fatal("results should cover the configured workloads")
	}
	seen := map[string]bool{}
	for _, w := range result.Workloads {
		seen[w.Name] = true
		if w.Latency.TotalCount() != int64(w.Commits+w.Aborts) {
			t.Errorf("workload %q: latency samples %d != commits+aborts %d",
				w.Name, w.Latency.TotalCount(), w.Commits+w.Aborts)
		}
	}
	for _, name := range []string{"read", "update", "insert", "scan", "rmw"} {
		if !seen[name] {
			t.Errorf("missing result for workload %q", name)
		}
	}
}

func TestWorkerFrequencyWalkFallsBack(t *testing.T) {
	engine := silo.Open()
	ran := map[string]int{}
	mk := func(name string) TxnFunc {
		return func(*Worker) (int, error) {
			ran[name]++
			return 0, nil
		}
	}
	w := NewWorker(1, engine, []WorkloadDesc{
		{Name: "never", Frequency: 0, Fn: mk("never")},
		{Name: "always", Frequency: 0, Fn: mk("always")},
	})
	// Drive the selection loop directly for a handful of draws.
	for i := 0; i < 50; i++ {
		d := w.rng.Float64()
		for j := range w.workloads {
			if j+1 == len(w.workloads) || d < w.workloads[j].Frequency {
				w.workloads[j].Fn(w)
				break
			}
			d -= w.workloads[j].Frequency
		}
	}
	if ran["never"] != 0 {
		t.Errorf("zero-frequency workload ran %d times", ran["never"])
	}
	if ran["always"] != 50 {
		t.Errorf("fallback workload: want 50 runs, got %d", ran["always"])
	}
}
