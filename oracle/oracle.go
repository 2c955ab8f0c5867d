// Package oracle implements pre-execution access-set estimation: given a
// transaction, predict the storage keys it will read and write before it
// actually runs. The scheduler treats these estimates as ground truth when
// building the conflict graph; the executor's runtime detection recovers
// from any underestimate (see package executor).
package oracle

import (
	"github.com/parallax-labs/pevm"
	"github.com/parallax-labs/pevm/metrics"
)

// AccessOracle predicts a transaction's read and write sets without
// executing it. Implementations are total: given malformed input they
// return empty sets rather than failing, since the executor's runtime
// conflict detector recovers from an unsound estimate at the cost of
// throughput, never at the cost of correctness.
type AccessOracle interface {
	Estimate(tx *pevm.Transaction) pevm.AccessSets
}

// Heuristic is the reference AccessOracle. It unions three sources, in
// order: declared hints on the transaction record, the EIP-2930-style
// access list (every key is a read; keys tagged as writes are also
// writes), and a
// static scan of the transaction's micro-op program.
type Heuristic struct{}

// New returns a Heuristic oracle. It carries no state: estimation is a
// pure function of the transaction.
func New() *Heuristic {
	return &Heuristic{}
}

// Estimate implements AccessOracle.
func (h *Heuristic) Estimate(tx *pevm.Transaction) pevm.AccessSets {
	sets := pevm.NewAccessSets()
	if tx == nil {
		return sets
	}

	for _, k := range tx.DeclaredReads {
		sets.AddRead(k)
	}
	for _, k := range tx.DeclaredWrites {
		sets.AddWrite(k)
	}

	for _, entry := range tx.AccessList {
		sets.AddRead(entry.Key)
		if entry.IsWrite {
			sets.AddWrite(entry.Key)
		}
	}

	for _, op := range tx.Program {
		switch op.Kind {
		case pevm.OpLoad:
			sets.AddRead(op.Key)
		case pevm.OpStore:
			sets.AddWrite(op.Key)
		}
	}

	return sets
}

// Empty is an intentionally-unsound oracle that always predicts no accesses
// at all. It exists to exercise the runtime-conflict recovery path (see
// property 5 in the executor's test suite): even with a maximally unsound
// oracle, parallel execution must still reach the serially-equivalent
// final state, at the cost of many runtime conflicts and requeues.
type Empty struct{}

// Estimate implements AccessOracle by returning empty sets unconditionally.
func (Empty) Estimate(*pevm.Transaction) pevm.AccessSets {
	return pevm.NewAccessSets()
}

// BuildEstimates estimates access sets for every transaction in txs,
// returning a map keyed by TxId. Estimation is embarrassingly parallel
// across transactions but is run once, sequentially, per block: it is not
// the throughput bottleneck this system optimizes for.
func BuildEstimates(oracle AccessOracle, txs []pevm.Transaction) map[pevm.TxId]pevm.AccessSets {
	out := make(map[pevm.TxId]pevm.AccessSets, len(txs))
	for i := range txs {
		out[txs[i].Id] = oracle.Estimate(&txs[i])
	}
	metrics.OracleEstimates.Add(int64(len(txs)))
	return out
}

// Precision returns |estimated ∩ actual| / |estimated| for a single
// transaction's read or write set, aggregated by the caller across a block.
// Returns 1.0 when estimated is empty (vacuously precise).
func Precision(estimated, actual pevm.AccessSets) float64 {
	return ratio(estimated, actual, true)
}

// Recall returns |estimated ∩ actual| / |actual|, aggregated by the caller
// across a block. Returns 1.0 when actual is empty (vacuously complete).
func Recall(estimated, actual pevm.AccessSets) float64 {
	return ratio(estimated, actual, false)
}

func ratio(estimated, actual pevm.AccessSets, precision bool) float64 {
	readsInter := float64(estimated.Reads.Intersect(actual.Reads).Cardinality())
	writesInter := float64(estimated.Writes.Intersect(actual.Writes).Cardinality())
	inter := readsInter + writesInter

	var denom float64
	if precision {
		denom = float64(estimated.Reads.Cardinality() + estimated.Writes.Cardinality())
	} else {
		denom = float64(actual.Reads.Cardinality() + actual.Writes.Cardinality())
	}
	if denom == 0 {
		return 1.0
	}
	return inter / denom
}
