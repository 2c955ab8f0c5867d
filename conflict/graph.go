// Package conflict builds the undirected conflict graph over a block's
// transaction ids from their estimated access sets. An edge between two ids
// means their estimated sets conflict under the WW/WR/RW rule; read-read
// pairs never conflict. Construction is key-indexed, O(n*k) for the common
// case where no single key is touched by many transactions, rather than the
// naive O(n^2) pairwise scan.
package conflict

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/graph/simple"

	"github.com/parallax-labs/pevm"
	"github.com/parallax-labs/pevm/metrics"
)

// Graph is an undirected conflict graph over TxIds. It is built once per
// block from estimated access sets and never mutated afterwards.
type Graph struct {
	g *simple.UndirectedGraph
}

// HasEdge reports whether u and v conflict.
func (cg *Graph) HasEdge(u, v pevm.TxId) bool {
	return cg.g.HasEdgeBetween(int64(u), int64(v))
}

// Neighbors returns v's neighboring TxIds, in ascending order.
func (cg *Graph) Neighbors(v pevm.TxId) []pevm.TxId {
	it := cg.g.From(int64(v))
	out := make([]pevm.TxId, 0, it.Len())
	for it.Next() {
		out = append(out, pevm.TxId(it.Node().ID()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Degree returns the number of neighbors of v.
func (cg *Graph) Degree(v pevm.TxId) int {
	return cg.g.From(int64(v)).Len()
}

// HasNode reports whether v is a vertex of the graph.
func (cg *Graph) HasNode(v pevm.TxId) bool {
	return cg.g.Node(int64(v)) != nil
}

// Nodes returns every TxId in the graph, in ascending order.
func (cg *Graph) Nodes() []pevm.TxId {
	it := cg.g.Nodes()
	out := make([]pevm.TxId, 0, it.Len())
	for it.Next() {
		out = append(out, pevm.TxId(it.Node().ID()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Build constructs the conflict graph over the given TxIds from their
// estimated access sets. The vertex set is exactly ids; the edge set is a
// pure function of (ids, estimates), independent of any map or slice
// iteration order, satisfying the determinism requirement in the core
// specification.
func Build(ids []pevm.TxId, estimates map[pevm.TxId]pevm.AccessSets) *Graph {
	start := time.Now()
	g := simple.NewUndirectedGraph()
	for _, id := range ids {
		g.AddNode(simple.Node(int64(id)))
	}

	// Step 1: key_index[K] = ordered list of TxIds that read or write K.
	keyIndex := make(map[pevm.Key][]pevm.TxId)
	for _, id := range ids {
		sets, ok := estimates[id]
		if !ok {
			continue
		}
		touched := sets.Reads.Union(sets.Writes)
		for k := range touched.Iter() {
			keyIndex[k] = append(keyIndex[k], id)
		}
	}
	for k := range keyIndex {
		sort.Slice(keyIndex[k], func(i, j int) bool { return keyIndex[k][i] < keyIndex[k][j] })
	}

	// Step 2: for each key touched by >= 2 txs, enumerate ordered pairs
	// and add an edge iff at least one side writes the key.
	added := make(map[[2]pevm.TxId]bool)
	for k, list := range keyIndex {
		if len(list) < 2 {
			continue
		}
		for i := 0; i < len(list); i++ {
			for j := i + 1; j < len(list); j++ {
				u, v := list[i], list[j]
				pair := [2]pevm.TxId{u, v}
				if added[pair] {
					continue
				}
				if conflictsOnKey(estimates[u], estimates[v], k) {
					g.SetEdge(simple.Edge{F: simple.Node(int64(u)), T: simple.Node(int64(v))})
					added[pair] = true
				}
			}
		}
	}

	cg := &Graph{g: g}
	metrics.ConflictGraphEdges.Set(int64(cg.EdgeCount()))
	metrics.ConflictGraphBuildTime.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	return cg
}

// conflictsOnKey reports whether u and v conflict specifically on key k:
// WW (both write), WR (u writes, v reads), or RW (u reads, v writes).
func conflictsOnKey(u, v pevm.AccessSets, k pevm.Key) bool {
	uw, ur := u.Writes.Contains(k), u.Reads.Contains(k)
	vw, vr := v.Writes.Contains(k), v.Reads.Contains(k)
	if uw && vw {
		return true
	}
	if uw && vr {
		return true
	}
	if ur && vw {
		return true
	}
	return false
}

// EdgeCount returns the number of conflict edges, used for conflict-rate
// metrics.
func (cg *Graph) EdgeCount() int {
	return cg.g.Edges().Len()
}
