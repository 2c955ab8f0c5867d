// Package schedule partitions a block's transaction ids into an ordered
// sequence of waves using a greedy minimum-degree maximal-independent-set
// heuristic. Within a wave, estimated access sets are mutually
// conflict-free; the executor's runtime detection recovers from any
// misprediction the estimator made (see package executor).
package schedule

import (
	"sort"

	"github.com/parallax-labs/pevm"
	"github.com/parallax-labs/pevm/conflict"
	"github.com/parallax-labs/pevm/metrics"
)

// Wave is an ordered (ascending TxId) subsequence of ids that forms an
// independent set in the conflict graph. Ascending order within a wave is
// required by the executor's commit rule.
type Wave []pevm.TxId

// Schedule is an ordered sequence of Waves partitioning every TxId in the
// block exactly once.
type Schedule []Wave

// Build partitions ids into a Schedule using the greedy minimum-degree MIS
// heuristic:
//
//	remaining <- ids
//	while remaining is non-empty:
//	    wave <- []
//	    available <- remaining
//	    while available is non-empty:
//	        pick v in available minimizing (degree_in_available(v), v)
//	        append v to wave
//	        available <- available \ ({v} union neighbors(v))
//	    sort wave ascending
//	    append wave to schedule
//	    remaining <- remaining \ wave
//
// The result is a pure function of (ids, graph): ties are broken by
// ascending TxId, so two calls on the same inputs always produce the same
// Schedule. The only hard invariant is independence within a wave; greedy
// minimum degree is a heuristic for wave *quality* (fewer, larger waves),
// not a correctness requirement.
func Build(ids []pevm.TxId, g *conflict.Graph) Schedule {
	remaining := make(map[pevm.TxId]bool, len(ids))
	for _, id := range ids {
		remaining[id] = true
	}

	var schedule Schedule
	for len(remaining) > 0 {
		wave := buildWave(remaining, g)
		sort.Slice(wave, func(i, j int) bool { return wave[i] < wave[j] })
		schedule = append(schedule, wave)
		for _, id := range wave {
			delete(remaining, id)
		}
	}

	metrics.WavesScheduled.Add(int64(len(schedule)))
	for _, w := range schedule {
		metrics.WaveSize.Observe(float64(len(w)))
	}
	return schedule
}

// buildWave greedily grows one independent set from the remaining vertex
// pool, always picking the lowest-degree (ties broken by id) available
// vertex and removing it and its neighbors from the pool.
func buildWave(remaining map[pevm.TxId]bool, g *conflict.Graph) Wave {
	available := make(map[pevm.TxId]bool, len(remaining))
	for id := range remaining {
		available[id] = true
	}

	var wave Wave
	for len(available) > 0 {
		v := pickMinDegree(available, g)
		wave = append(wave, v)
		delete(available, v)
		for _, n := range g.Neighbors(v) {
			delete(available, n)
		}
	}
	return wave
}

// pickMinDegree returns the vertex in available with the smallest degree
// counted only over neighbors still in available, breaking ties by
// ascending TxId.
func pickMinDegree(available map[pevm.TxId]bool, g *conflict.Graph) pevm.TxId {
	var best pevm.TxId
	bestDegree := -1
	first := true

	// Deterministic iteration: sort candidates before scanning so that
	// map iteration order can never leak into the tie-break.
	candidates := make([]pevm.TxId, 0, len(available))
	for id := range available {
		candidates = append(candidates, id)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	for _, v := range candidates {
		degree := 0
		for _, n := range g.Neighbors(v) {
			if available[n] {
				degree++
			}
		}
		if first || degree < bestDegree || (degree == bestDegree && v < best) {
			best, bestDegree, first = v, degree, false
		}
	}
	return best
}

// Coverage reports whether every id in ids appears in exactly one wave of
// s. Used by tests to check the scheduler's coverage invariant.
func (s Schedule) Coverage(ids []pevm.TxId) bool {
	seen := make(map[pevm.TxId]int, len(ids))
	for _, w := range s {
		for _, id := range w {
			seen[id]++
		}
	}
	if len(seen) != len(ids) {
		return false
	}
	for _, id := range ids {
		if seen[id] != 1 {
			return false
		}
	}
	return true
}

// Independent reports whether every wave of s is an independent set in g.
// Used by tests to check the scheduler's independence invariant.
func (s Schedule) Independent(g *conflict.Graph) bool {
	for _, w := range s {
		for i := 0; i < len(w); i++ {
			for j := i + 1; j < len(w); j++ {
				if g.HasEdge(w[i], w[j]) {
					return false
				}
			}
		}
	}
	return true
}

// TotalTx returns the number of transactions covered across all waves.
func (s Schedule) TotalTx() int {
	n := 0
	for _, w := range s {
		n += len(w)
	}
	return n
}

// AvgWaveSize returns the mean wave size, or 0 for an empty schedule.
func (s Schedule) AvgWaveSize() float64 {
	if len(s) == 0 {
		return 0
	}
	return float64(s.TotalTx()) / float64(len(s))
}
