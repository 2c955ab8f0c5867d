package metrics

// Pre-defined metrics for the parallel transaction scheduler and executor.
// All metrics live in DefaultRegistry so they are globally accessible
// without passing a registry around.

var (
	// ---- Oracle metrics ----

	// OracleEstimates counts transactions the AccessOracle has estimated.
	OracleEstimates = DefaultRegistry.Counter("oracle.estimates")
	// OraclePrecision tracks the running mean estimate precision.
	OraclePrecision = DefaultRegistry.Gauge("oracle.precision")
	// OracleRecall tracks the running mean estimate recall.
	OracleRecall = DefaultRegistry.Gauge("oracle.recall")

	// ---- Conflict graph metrics ----

	// ConflictGraphEdges tracks the edge count of the most recently built
	// conflict graph.
	ConflictGraphEdges = DefaultRegistry.Gauge("conflict.edges")
	// ConflictGraphBuildTime records conflict graph construction duration in
	// milliseconds.
	ConflictGraphBuildTime = DefaultRegistry.Histogram("conflict.build_ms")

	// ---- Scheduler metrics ----

	// WavesScheduled counts waves produced by the MIS scheduler.
	WavesScheduled = DefaultRegistry.Counter("schedule.waves")
	// WaveSize records the size of each scheduled wave.
	WaveSize = DefaultRegistry.Histogram("schedule.wave_size")

	// ---- Executor metrics ----

	// TxExecuted counts transactions committed successfully by the executor;
	// a requeued transaction is counted once, when it finally commits.
	TxExecuted = DefaultRegistry.Counter("executor.tx_executed")
	// TxFailed counts transactions that committed with a failure (e.g.
	// out-of-gas).
	TxFailed = DefaultRegistry.Counter("executor.tx_failed")
	// RuntimeConflicts counts results requeued by linearize_and_detect.
	RuntimeConflicts = DefaultRegistry.Counter("executor.runtime_conflicts")
	// WaveExecuteTime records one wave's parallel execution duration in
	// milliseconds.
	WaveExecuteTime = DefaultRegistry.Histogram("executor.wave_execute_ms")
	// GasUsed counts total gas consumed by executed transactions.
	GasUsed = DefaultRegistry.Counter("executor.gas_used")
)
