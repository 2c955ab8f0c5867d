// Package executor is the heart of the system: it drains a Schedule
// against a committed Store, executing each Wave either serially (size 1)
// or speculatively in parallel, detecting at commit time whether the
// AccessOracle's estimate held, and requeueing the stale tail of a wave
// when it did not. The observable result is always equivalent to running
// every transaction serially in ascending TxId order, regardless of how
// the oracle or the scheduler performed.
package executor

import (
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/parallax-labs/pevm"
	"github.com/parallax-labs/pevm/metrics"
	"github.com/parallax-labs/pevm/schedule"
	"github.com/parallax-labs/pevm/store"
)

// TxRunner executes tx's program against working, a store the caller owns
// exclusively for the call's duration, and returns the resulting
// ExecutionResult. It is the sole opaque collaborator this package depends
// on; package interp provides the reference implementation.
type TxRunner func(tx *pevm.Transaction, working store.Store) pevm.ExecutionResult

// Metrics accumulates counters produced while draining a Schedule.
type Metrics struct {
	// RuntimeConflicts counts every result moved to a requeue list by
	// linearize_and_detect, across the whole run.
	RuntimeConflicts uint64
	// WavesExecuted counts main-loop iterations, including requeued waves
	// (so it can exceed len(schedule)).
	WavesExecuted uint64
}

// Executor drains a Schedule against a Store using runner to execute
// individual transactions.
type Executor struct {
	runner  TxRunner
	pool    *wavePool
	byTxID  map[pevm.TxId]*pevm.Transaction
	metrics Metrics

	// currentBlock, totalWaves and wavesDrained let a metrics.SystemMetrics
	// poll run progress from a goroutine other than the one inside Run,
	// e.g. the CLI's benchmark verb sampling status while a large block
	// drains. They are meaningless before the first Run call.
	currentBlock atomic.Uint64
	totalWaves   atomic.Int64
	wavesDrained atomic.Int64
}

// New returns an Executor that runs transactions with runner, distributing
// wave work over numWorkers goroutines (0 selects GOMAXPROCS).
func New(runner TxRunner, numWorkers int) *Executor {
	return &Executor{
		runner: runner,
		pool:   newWavePool(numWorkers),
	}
}

// Metrics returns a snapshot of the counters accumulated across every Run
// call made on this Executor.
func (e *Executor) Metrics() Metrics {
	return e.metrics
}

// ActiveWorkers reports how many wave-pool workers are currently inside a
// task's run() call. Safe to call from a goroutine other than the one
// driving Run; suitable as a metrics.ActiveWorkersFunc.
func (e *Executor) ActiveWorkers() int {
	return e.pool.ActiveWorkers()
}

// BlockNumber returns the block number passed to the most recent Run call.
// Suitable as a metrics.BlockNumberFunc.
func (e *Executor) BlockNumber() uint64 {
	return e.currentBlock.Load()
}

// WaveProgress returns the fraction of the current Run's waves drained so
// far. It exceeds 1 once a requeued wave has been drained (a requeued
// wave adds to wavesDrained without adding to totalWaves);
// metrics.SystemMetrics.WaveProgress clamps the result. Suitable as a
// metrics.WaveProgressFunc.
func (e *Executor) WaveProgress() float64 {
	total := e.totalWaves.Load()
	if total == 0 {
		return 0
	}
	return float64(e.wavesDrained.Load()) / float64(total)
}

// Run drains sched against committed, mutating it in place, and returns the
// ExecutionResults in the order they were committed (grouped by wave,
// ascending TxId within each wave — property 4 in the core specification's
// testable-properties list). committed is exclusively owned by the caller
// for the duration of Run; nothing else may read or write it concurrently.
func (e *Executor) Run(block *pevm.Block, sched schedule.Schedule, committed store.Store) []pevm.ExecutionResult {
	e.byTxID = make(map[pevm.TxId]*pevm.Transaction, len(block.Transactions))
	for i := range block.Transactions {
		tx := &block.Transactions[i]
		e.byTxID[tx.Id] = tx
	}
	e.currentBlock.Store(block.Number)
	e.totalWaves.Store(int64(len(sched)))
	e.wavesDrained.Store(0)

	pending := newWaveQueue(sched)
	var out []pevm.ExecutionResult

	for !pending.empty() {
		wave := pending.popFront()
		e.metrics.WavesExecuted++

		if len(wave) == 1 {
			e.pool.markActive(1)
			r := e.executeSerially(wave[0], committed)
			e.pool.markActive(-1)
			recordResult(r)
			out = append(out, r)
			e.wavesDrained.Add(1)
			continue
		}

		waveStart := time.Now()
		results := e.executeWave(wave, committed)
		metrics.WaveExecuteTime.Observe(float64(time.Since(waveStart).Microseconds()) / 1000.0)
		commitPrefix, requeue := linearizeAndDetect(results)

		for _, r := range commitPrefix {
			applyWrites(committed, r.WriteBuffer)
			recordResult(r)
		}
		out = append(out, commitPrefix...)

		if len(requeue) > 0 {
			e.metrics.RuntimeConflicts += uint64(len(requeue))
			metrics.RuntimeConflicts.Add(int64(len(requeue)))
			ids := make(schedule.Wave, len(requeue))
			for i, r := range requeue {
				ids[i] = r.Id
			}
			pending.pushFront(ids)
		}
		e.wavesDrained.Add(1)
	}

	return out
}

// recordResult publishes a committed ExecutionResult's outcome to the
// package-level metrics registry: throughput and gas counters that survive
// across every Executor instance in the process, for the CLI's Prometheus
// exporter to scrape.
func recordResult(r pevm.ExecutionResult) {
	if r.Success {
		metrics.TxExecuted.Inc()
	} else {
		metrics.TxFailed.Inc()
	}
	metrics.GasUsed.Add(int64(r.GasUsed))
}

// executeSerially runs a lone-wave transaction against a private clone of
// committed, bypassing the wave-scheduling and linearize_and_detect
// machinery (there is nothing to conflict with in a wave of one), then
// applies its write buffer to committed. Running against committed
// directly would let a failing transaction's partial writes (e.g. an
// out-of-gas tx that stored a few keys before running out) leak into the
// committed state, contradicting the failure-mode policy that a failed tx
// commits with an empty write buffer.
func (e *Executor) executeSerially(id pevm.TxId, committed store.Store) pevm.ExecutionResult {
	tx := e.byTxID[id]
	res := e.runner(tx, committed.Clone())
	applyWrites(committed, res.WriteBuffer)
	return res
}

// executeWave clones committed once as a shared read-only snapshot, then
// runs every transaction in wave against its own private working copy in
// parallel, returning raw (unlinearized) results.
func (e *Executor) executeWave(wave schedule.Wave, committed store.Store) []pevm.ExecutionResult {
	snapshot := committed.Clone()

	tasks := make([]*waveTask, len(wave))
	for i, id := range wave {
		id := id
		tx := e.byTxID[id]
		tasks[i] = &waveTask{
			id:      id,
			gasCost: tx.GasLimit,
			run: func() pevm.ExecutionResult {
				working := snapshot.Clone()
				return e.runner(tx, working)
			},
		}
	}

	return e.pool.run(tasks)
}

// linearizeAndDetect walks results in ascending TxId order, committing a
// prefix whose actual reads and writes are disjoint from the writes of
// every already-committed result in this wave, and moving the first
// conflicting result plus every later result (in id order) to the requeue
// list. It never mutates a Store; the caller applies commitPrefix's write
// buffers itself.
func linearizeAndDetect(results []pevm.ExecutionResult) (commitPrefix, requeue []pevm.ExecutionResult) {
	sorted := make([]pevm.ExecutionResult, len(results))
	copy(sorted, results)
	sortResultsByID(sorted)

	committedWrites := mapset.NewThreadUnsafeSet[pevm.Key]()
	for i, r := range sorted {
		if conflicts(r, committedWrites) {
			requeue = append(requeue, sorted[i:]...)
			return commitPrefix, requeue
		}
		commitPrefix = append(commitPrefix, r)
		for k := range r.ActualWrites.Iter() {
			committedWrites.Add(k)
		}
	}
	return commitPrefix, nil
}

func conflicts(r pevm.ExecutionResult, committedWrites mapset.Set[pevm.Key]) bool {
	if r.ActualReads != nil && r.ActualReads.Intersect(committedWrites).Cardinality() > 0 {
		return true
	}
	if r.ActualWrites != nil && r.ActualWrites.Intersect(committedWrites).Cardinality() > 0 {
		return true
	}
	return false
}

func sortResultsByID(results []pevm.ExecutionResult) {
	// Small waves dominate in practice; insertion sort avoids pulling in
	// sort.Slice's reflection overhead on the hot path.
	for i := 1; i < len(results); i++ {
		j := i
		for j > 0 && results[j-1].Id > results[j].Id {
			results[j-1], results[j] = results[j], results[j-1]
			j--
		}
	}
}

func applyWrites(s store.Store, writes []pevm.WriteOp) {
	for _, w := range writes {
		s.Set(w.Key, w.Value)
	}
}
