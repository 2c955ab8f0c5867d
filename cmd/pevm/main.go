// Command pevm generates synthetic transaction blocks, executes them
// serially or in parallel, and benchmarks the parallel scheduler against a
// serial baseline.
//
// Usage:
//
//	pevm generate --n-tx N --key-space K --conflict-ratio R --cold-ratio C --seed S --output PATH
//	pevm execute --input PATH --mode {serial|parallel}
//	pevm benchmark [--preset {small|medium|large}] [--input PATH] --output PATH
//	pevm serve-metrics [--addr ADDR]
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/parallax-labs/pevm/blockio"
	"github.com/parallax-labs/pevm/conflict"
	"github.com/parallax-labs/pevm/executor"
	"github.com/parallax-labs/pevm/generator"
	"github.com/parallax-labs/pevm/interp"
	"github.com/parallax-labs/pevm/log"
	"github.com/parallax-labs/pevm/metricagg"
	"github.com/parallax-labs/pevm"
	"github.com/parallax-labs/pevm/metrics"
	"github.com/parallax-labs/pevm/oracle"
	"github.com/parallax-labs/pevm/schedule"
	"github.com/parallax-labs/pevm/store"
)

var logger = log.Module("cmd")

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: pevm <generate|execute|benchmark> [flags]")
		return 1
	}

	switch args[0] {
	case "generate":
		return runGenerate(args[1:])
	case "execute":
		return runExecute(args[1:])
	case "benchmark":
		return runBenchmark(args[1:])
	case "serve-metrics":
		return runServeMetrics(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown verb %q\n", args[0])
		return 1
	}
}

func runGenerate(args []string) int {
	fs := newFlagSet("generate")
	nTx := fs.Int("n-tx", 1000, "number of transactions to generate")
	keySpace := fs.Int("key-space", 200, "size of the shared key pool")
	conflictRatio := fs.Float64("conflict-ratio", 0.1, "probability a key is drawn from the shared pool")
	coldRatio := fs.Float64("cold-ratio", 0.5, "probability a would-be pool key is forced fresh (cold)")
	var seed uint64
	fs.Uint64Var(&seed, "seed", 1, "PRNG seed for deterministic generation")
	output := fs.String("output", "", "output block file path (required)")

	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: --output is required")
		return 1
	}

	block := generator.Generate(generator.Params{
		NTx:           *nTx,
		KeySpace:      *keySpace,
		ConflictRatio: *conflictRatio,
		ColdRatio:     *coldRatio,
		Seed:          int64(seed),
	})

	if err := blockio.WriteFile(*output, block); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logger.Info("wrote block", "path", *output, "transactions", len(block.Transactions))
	return 0
}

func runExecute(args []string) int {
	fs := newFlagSet("execute")
	input := fs.String("input", "", "input block file path (required)")
	mode := fs.String("mode", "parallel", "execution mode: serial or parallel")

	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *input == "" {
		fmt.Fprintln(os.Stderr, "Error: --input is required")
		return 1
	}

	block, err := blockio.ReadFile(*input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	s := store.New()
	start := time.Now()
	var results []pevm.ExecutionResult

	switch *mode {
	case "serial":
		results = runSerial(block, s)
	case "parallel":
		results = runParallel(block, s).Results
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown mode %q\n", *mode)
		return 1
	}

	elapsed := time.Since(start)
	failures := 0
	var totalGas uint64
	for _, r := range results {
		if !r.Success {
			failures++
		}
		totalGas += r.GasUsed
	}
	logger.Info("execution complete",
		"mode", *mode, "transactions", len(results), "failures", failures,
		"total_gas", totalGas, "elapsed_ms", elapsed.Seconds()*1000, "store_entries", s.Len())
	return 0
}

func runBenchmark(args []string) int {
	fs := newFlagSet("benchmark")
	preset := fs.String("preset", "small", "generation preset: small, medium, or large")
	input := fs.String("input", "", "input block file path (overrides --preset)")
	output := fs.String("output", "", "metrics output JSON path (required)")

	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: --output is required")
		return 1
	}

	block, err := loadOrGenerateBlock(*input, *preset)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	serialStore := store.New()
	serialStart := time.Now()
	runSerial(block, serialStore)
	serialElapsed := time.Since(serialStart)

	parallelStore := store.New()
	pr, sysSnapshot, cpuUsage, parallelElapsed := runParallelInstrumented(block, parallelStore, filepath.Dir(*output))
	results := pr.Results

	if !store.Equal(serialStore, parallelStore) {
		fmt.Fprintln(os.Stderr, "FATAL: serial-vs-parallel state mismatch, this is a core bug")
		return 2
	}

	runID := uuid.New().String()
	report := metricagg.Collect(
		runID, *preset, pr.Sched, pr.Graph, pr.Estimates, results, pr.Executor.Metrics(),
		serialElapsed.Seconds()*1000, parallelElapsed.Seconds()*1000,
	)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := os.WriteFile(*output, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	collector := metrics.NewMetricsCollector(metrics.CollectorConfig{EnableHistograms: true})
	tags := map[string]string{"scenario": *preset, "run_id": runID}
	for _, r := range results {
		collector.RecordHistogram("benchmark.tx_gas", float64(r.GasUsed))
	}
	collector.Record("benchmark.speedup", report.Speedup, tags)
	collector.Record("benchmark.conflict_rate", report.ConflictRate, tags)
	gasP50 := collector.HistogramPercentile("benchmark.tx_gas", 50)
	gasP99 := collector.HistogramPercentile("benchmark.tx_gas", 99)

	throughput := metrics.NewMeter()
	throughput.Mark(int64(len(results)))

	logger.Info("benchmark complete", "report", report.String(),
		"tx_gas_p50", gasP50, "tx_gas_p99", gasP99,
		"throughput_mean_tx_s", throughput.RateMean(),
		"cpu_usage_pct", cpuUsage,
		"active_workers_final", sysSnapshot.ActiveWorkers,
		"wave_progress_final", sysSnapshot.WaveProgress,
		"disk_used_bytes", sysSnapshot.DiskUsed)
	return 0
}

// runServeMetrics starts a Prometheus text-exposition HTTP server over the
// package-level metrics registry that generate/execute/benchmark runs (in
// this or other processes sharing the registry) publish into, and starts a
// metrics.MetricsReporter that periodically pushes the same registry's
// values to a log-backed ReportBackend — a second, independent export path
// for deployments that pull metrics via log shipping rather than Prometheus
// scraping. It blocks until the server exits.
func runServeMetrics(args []string) int {
	fs := newFlagSet("serve-metrics")
	addr := fs.String("addr", ":9090", "listen address for the Prometheus /metrics endpoint")
	var reportSeconds uint64
	fs.Uint64Var(&reportSeconds, "report-interval-seconds", 15, "interval between MetricsReporter log pushes")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	reportInterval := time.Duration(reportSeconds) * time.Second
	reporter := metrics.NewMetricsReporter(reportInterval)
	reporter.RegisterBackend("log", logReportBackend{})
	reporter.Start()
	defer reporter.Stop()

	stopBridge := make(chan struct{})
	go bridgeRegistryToReporter(reporter, reportInterval, stopBridge)
	defer close(stopBridge)

	exporter := metrics.NewPrometheusExporter(metrics.DefaultRegistry, metrics.DefaultPrometheusConfig())
	logger.Info("serving metrics", "addr", *addr, "path", "/metrics", "report_interval_s", reportSeconds)
	if err := http.ListenAndServe(*addr, exporter.Handler()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// logReportBackend implements metrics.ReportBackend by writing each push to
// the module logger, giving MetricsReporter a real consumer without
// depending on an external push-gateway.
type logReportBackend struct{}

func (logReportBackend) Report(values map[string]float64) error {
	logger.Info("metrics report", "values", values)
	return nil
}

// bridgeRegistryToReporter copies metrics.DefaultRegistry's live values into
// reporter every interval, since MetricsReporter only reports values pushed
// into it via RecordMetric rather than pulling from a registry itself.
// Histogram entries are flattened to a "<name>.mean" gauge, matching the
// summary statistic Prometheus users would otherwise read off the exported
// histogram's _sum/_count pair.
func bridgeRegistryToReporter(reporter *metrics.MetricsReporter, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for name, v := range metrics.DefaultRegistry.Snapshot() {
				switch val := v.(type) {
				case int64:
					reporter.RecordMetric(name, float64(val))
				case map[string]interface{}:
					if mean, ok := val["mean"].(float64); ok {
						reporter.RecordMetric(name+".mean", mean)
					}
				}
			}
		}
	}
}

// runSerial executes every transaction in ascending TxId order against a
// private clone of s per transaction, applying only the write buffer it
// returns: the reference definition of correctness every parallel run must
// match. Running each tx directly against s would let a failing (e.g.
// out-of-gas) transaction's partial writes leak into s, contradicting the
// failure-mode policy that a failed tx commits with an empty write buffer.
func runSerial(block *pevm.Block, s store.Store) []pevm.ExecutionResult {
	results := make([]pevm.ExecutionResult, len(block.Transactions))
	for i := range block.Transactions {
		res := interp.Run(&block.Transactions[i], s.Clone())
		for _, w := range res.WriteBuffer {
			s.Set(w.Key, w.Value)
		}
		results[i] = res
	}
	return results
}

// parallelRun bundles a parallel execution's results with the scheduling
// artifacts that produced them, so callers that need to report on the run
// (metricagg.Collect, benchmark's system-metrics snapshot) don't have to
// recompute estimates/graph/sched a second time.
type parallelRun struct {
	Results   []pevm.ExecutionResult
	Estimates map[pevm.TxId]pevm.AccessSets
	Graph     *conflict.Graph
	Sched     schedule.Schedule
	Executor  *executor.Executor
}

// runParallel schedules and executes block via the parallel executor.
func runParallel(block *pevm.Block, s store.Store) parallelRun {
	ids := block.TxIds()
	estimates := oracle.BuildEstimates(oracle.New(), block.Transactions)
	graph := conflict.Build(ids, estimates)
	sched := schedule.Build(ids, graph)

	ex := executor.New(interp.Run, runtime.GOMAXPROCS(0))
	results := ex.Run(block, sched, s)
	return parallelRun{Results: results, Estimates: estimates, Graph: graph, Sched: sched, Executor: ex}
}

// benchSnapshot is the final metrics.SystemMetrics reading taken once a
// runParallelInstrumented call finishes.
type benchSnapshot struct {
	ActiveWorkers int
	WaveProgress  float64
	DiskUsed      uint64
}

// runParallelInstrumented runs block through the parallel executor exactly
// like runParallel, but polls metrics.SystemMetrics and metrics.CPUTracker
// against the running Executor's live state (active worker count, wave
// drain progress, process CPU usage) while it drains, rather than only
// after the fact. diskUsagePath is sampled for the report's disk-usage
// figure — the directory holding benchmark output, matching
// metrics.DiskUsageFunc's stated purpose of watching where block/report
// files accumulate.
func runParallelInstrumented(block *pevm.Block, s store.Store, diskUsagePath string) (parallelRun, benchSnapshot, float64, time.Duration) {
	ids := block.TxIds()
	estimates := oracle.BuildEstimates(oracle.New(), block.Transactions)
	graph := conflict.Build(ids, estimates)
	sched := schedule.Build(ids, graph)
	ex := executor.New(interp.Run, runtime.GOMAXPROCS(0))

	sysMetrics := metrics.NewSystemMetrics()
	sysMetrics.SetActiveWorkersFunc(ex.ActiveWorkers)
	sysMetrics.SetBlockNumberFunc(ex.BlockNumber)
	sysMetrics.SetWaveProgressFunc(ex.WaveProgress)
	sysMetrics.SetDiskUsageFunc(diskUsage)
	cpuTracker := metrics.NewCPUTracker()

	resultsCh := make(chan []pevm.ExecutionResult, 1)
	start := time.Now()
	go func() {
		resultsCh <- ex.Run(block, sched, s)
	}()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	var results []pevm.ExecutionResult
poll:
	for {
		select {
		case results = <-resultsCh:
			break poll
		case <-ticker.C:
			sysMetrics.Collect()
			cpuTracker.RecordCPU()
		}
	}

	elapsed := time.Since(start)
	disk := sysMetrics.DiskUsage(diskUsagePath)
	snapshot := benchSnapshot{
		ActiveWorkers: sysMetrics.ActiveWorkers(),
		WaveProgress:  sysMetrics.WaveProgress(),
		DiskUsed:      disk.Used,
	}
	pr := parallelRun{Results: results, Estimates: estimates, Graph: graph, Sched: sched, Executor: ex}
	return pr, snapshot, cpuTracker.Usage(), elapsed
}

// diskUsage implements metrics.DiskUsageFunc by statfs'ing the filesystem
// backing path. Linux-specific like metrics.ReadCPUStats; on error (e.g.
// path missing, non-Linux syscall.Statfs unavailable) it returns a zero
// value rather than failing the caller.
func diskUsage(path string) metrics.DiskStats {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return metrics.DiskStats{}
	}
	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	return metrics.DiskStats{Total: total, Free: free, Used: total - free}
}

func loadOrGenerateBlock(input, preset string) (*pevm.Block, error) {
	if input != "" {
		return blockio.ReadFile(input)
	}

	params, ok := presets[preset]
	if !ok {
		return nil, fmt.Errorf("unknown preset %q", preset)
	}
	return generator.Generate(params), nil
}

var presets = map[string]generator.Params{
	"small":  {NTx: 100, KeySpace: 50, ConflictRatio: 0.1, ColdRatio: 0.5, Seed: 1},
	"medium": {NTx: 1000, KeySpace: 200, ConflictRatio: 0.15, ColdRatio: 0.5, Seed: 1},
	"large":  {NTx: 5000, KeySpace: 1000, ConflictRatio: 0.2, ColdRatio: 0.5, Seed: 1},
}
