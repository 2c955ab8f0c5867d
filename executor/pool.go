package executor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/parallax-labs/pevm"
)

// waveTask is a single transaction execution within one wave, scheduled
// onto a worker's local deque and balanced by its estimated gas cost.
type waveTask struct {
	id      pevm.TxId
	gasCost uint64
	run     func() pevm.ExecutionResult
}

// waveDeque is a double-ended queue: Push/Pop from the back (owner),
// Steal from the front (thieves). Adapted from the teacher's work-stealing
// core, narrowed to the shape a single wave needs: submit once, drain once.
type waveDeque struct {
	mu    sync.Mutex
	items []*waveTask
}

func (d *waveDeque) push(t *waveTask) {
	d.mu.Lock()
	d.items = append(d.items, t)
	d.mu.Unlock()
}

func (d *waveDeque) pop() (*waveTask, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.items)
	if n == 0 {
		return nil, false
	}
	t := d.items[n-1]
	d.items = d.items[:n-1]
	return t, true
}

func (d *waveDeque) steal() (*waveTask, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return nil, false
	}
	t := d.items[0]
	d.items = d.items[1:]
	return t, true
}

// wavePool runs the transactions of a single wave to completion, in
// parallel, using a work-stealing deque per worker so a worker that
// finishes its own share early helps drain a peer's backlog instead of
// idling. Each run call drains one wave; the Executor reuses the same pool
// for every wave.
type wavePool struct {
	workers int
	deques  []*waveDeque
	active  atomic.Int32
}

// ActiveWorkers returns the number of workers currently inside a task's
// run() call, sampled without synchronizing with the run loop. Intended for
// a metrics.SystemMetrics.ActiveWorkersFunc polling it from another
// goroutine while a wave drains.
func (p *wavePool) ActiveWorkers() int {
	return int(p.active.Load())
}

// markActive adjusts the busy-worker count by delta. Exported to the
// executor package so the size-1 serial fast path (which bypasses run/
// workerLoop entirely) still reports as one busy worker.
func (p *wavePool) markActive(delta int32) {
	p.active.Add(delta)
}

// newWavePool sizes the pool to numWorkers, defaulting to GOMAXPROCS when
// numWorkers <= 0.
func newWavePool(numWorkers int) *wavePool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	deques := make([]*waveDeque, numWorkers)
	for i := range deques {
		deques[i] = &waveDeque{}
	}
	return &wavePool{workers: numWorkers, deques: deques}
}

// submit distributes tasks across worker deques by a greedy load balance on
// gasCost (heaviest first, each to the currently lightest deque), so a wave with a few heavy transactions and many light ones does
// not starve the light workers while one worker chews through a whale.
func (p *wavePool) submit(tasks []*waveTask) {
	ordered := make([]*waveTask, len(tasks))
	copy(ordered, tasks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].gasCost > ordered[j].gasCost })

	loads := make([]uint64, p.workers)
	for _, t := range ordered {
		minIdx := 0
		for j := 1; j < p.workers; j++ {
			if loads[j] < loads[minIdx] {
				minIdx = j
			}
		}
		p.deques[minIdx].push(t)
		loads[minIdx] += t.gasCost + 1 // +1 so zero-gas tasks still balance by count
	}
}

// run executes every submitted task exactly once and returns the results in
// submission order (order determinism is the caller's job via task id, not
// the pool's; run itself makes no ordering guarantee across workers).
func (p *wavePool) run(tasks []*waveTask) []pevm.ExecutionResult {
	if len(tasks) == 0 {
		return nil
	}
	if len(tasks) == 1 {
		p.active.Add(1)
		defer p.active.Add(-1)
		return []pevm.ExecutionResult{tasks[0].run()}
	}

	p.submit(tasks)

	results := make([]pevm.ExecutionResult, len(tasks))
	byId := make(map[pevm.TxId]int, len(tasks))
	for i, t := range tasks {
		byId[t.id] = i
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	workers := p.workers
	if workers > len(tasks) {
		workers = len(tasks)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.workerLoop(workerID, byId, results, &mu)
		}(w)
	}
	wg.Wait()
	return results
}

func (p *wavePool) workerLoop(workerID int, byId map[pevm.TxId]int, results []pevm.ExecutionResult, mu *sync.Mutex) {
	mine := p.deques[workerID]
	for {
		task, ok := mine.pop()
		if !ok {
			task, ok = p.stealFrom(workerID)
			if !ok {
				return
			}
		}
		p.active.Add(1)
		res := task.run()
		p.active.Add(-1)
		mu.Lock()
		results[byId[task.id]] = res
		mu.Unlock()
	}
}

func (p *wavePool) stealFrom(workerID int) (*waveTask, bool) {
	for i := 1; i < p.workers; i++ {
		victim := (workerID + i) % p.workers
		if t, ok := p.deques[victim].steal(); ok {
			return t, true
		}
	}
	return nil, false
}
