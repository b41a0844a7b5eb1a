package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/githubxxcc/silo/internal/bench"
	"github.com/githubxxcc/silo/internal/silo"
)

var (
	benchWorkers     int
	benchDuration    time.Duration
	benchSeed        int64
	benchRecords     int
	benchFieldLength int
	benchReadProp    float64
	benchUpdateProp  float64
	benchInsertProp  float64
	benchScanProp    float64
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "run the built-in YCSB-shaped benchmark",
	Run: func(cmd *cobra.Command, args []string) {
		runBench()
	},
}

func init() {
	defaults := bench.DefaultYCSBConfig()
	flags := benchCmd.Flags()
	flags.IntVar(&benchWorkers, "workers", 4,
		`Number of concurrent worker goroutines`)
	flags.DurationVar(&benchDuration, "duration", 10*time.Second,
		`Length of the measured window`)
	flags.Int64Var(&benchSeed, "seed", 1,
		`Seed for the workload's random sources`)
	flags.IntVar(&benchRecords, "records", defaults.RecordCount,
		`Number of records to load before the run`)
	flags.IntVar(&benchFieldLength, "field-length", defaults.FieldLength,
		`Length in bytes of each record value`)
	flags.Float64Var(&benchReadProp, "read-proportion", defaults.ReadProportion,
		`Fraction of transactions that are point reads`)
	flags.Float64Var(&benchUpdateProp, "update-proportion", defaults.UpdateProportion,
		`Fraction of transactions that are updates`)
	flags.Float64Var(&benchInsertProp, "insert-proportion", defaults.InsertProportion,
		`Fraction of transactions that are inserts`)
	flags.Float64Var(&benchScanProp, "scan-proportion", defaults.ScanProportion,
		`Fraction of transactions that are short scans; the remainder are
read-modify-writes`)
}

func runBench() {
	logger, err := zap.NewProduction()
	if err != nil {
		fatalf(1, "Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg := bench.DefaultYCSBConfig()
	cfg.RecordCount = benchRecords
	cfg.FieldLength = benchFieldLength
	cfg.ReadProportion = benchReadProp
	cfg.UpdateProportion = benchUpdateProp
	cfg.InsertProportion = benchInsertProp
	cfg.ScanProportion = benchScanProp

	engine := silo.Open(silo.WithLogger(logger))
	loaders, workers := bench.NewYCSB(engine, cfg, benchWorkers, benchSeed)
	runner := &bench.Runner{
		Logger:   logger,
		Loaders:  loaders,
		Workers:  workers,
		Duration: benchDuration,
	}
	result, err := runner.Run()
	if err != nil {
		fatalf(1, "Benchmark failed: %v", err)
	}
	logger.Info("benchmark complete",
		zap.Duration("elapsed", result.Elapsed),
		zap.Uint64("commits", result.TotalCommits()),
		zap.Uint64("aborts", result.TotalAborts()),
		zap.Float64("throughput_per_sec", float64(result.TotalCommits())/result.Elapsed.Seconds()),
	)
}
