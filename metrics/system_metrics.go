// system_metrics.go provides collection and export of runtime system metrics
// including goroutine count, memory usage, GC statistics, disk usage, and
// configurable executor-level metrics (active workers, current block number,
// wave-drain progress).
package metrics

import (
	"encoding/json"
	"runtime"
	"sync"
	"time"
)

// MemStats holds key memory statistics from the Go runtime.
type MemStats struct {
	// HeapAlloc is the number of bytes of allocated heap objects.
	HeapAlloc uint64 `json:"heapAlloc"`

	// TotalAlloc is the cumulative bytes allocated for heap objects.
	TotalAlloc uint64 `json:"totalAlloc"`

	// Sys is the total bytes of memory obtained from the OS.
	Sys uint64 `json:"sys"`

	// NumGC is the number of completed GC cycles.
	NumGC uint64 `json:"numGC"`
}

// DiskStats holds disk usage information.
type DiskStats struct {
	// Total is the total capacity of the disk in bytes.
	Total uint64 `json:"total"`

	// Used is the number of bytes in use on the disk.
	Used uint64 `json:"used"`

	// Free is the number of bytes available on the disk.
	Free uint64 `json:"free"`
}

// ActiveWorkersFunc is a callback that returns the number of wave-pool
// worker goroutines currently executing a transaction.
type ActiveWorkersFunc func() int

// BlockNumberFunc is a callback that returns the block number currently
// being processed.
type BlockNumberFunc func() uint64

// WaveProgressFunc is a callback that returns the fraction of the current
// block's waves drained so far, as a float64 between 0.0 and 1.0.
type WaveProgressFunc func() float64

// DiskUsageFunc is a callback that returns disk usage for a given path,
// typically the directory holding generated block files.
type DiskUsageFunc func(path string) DiskStats

// SystemMetrics tracks host resource usage and executor progress for the
// benchmark CLI's status output.
type SystemMetrics struct {
	mu        sync.RWMutex
	startTime time.Time

	// Cached snapshot from the last Collect() call.
	memStats    MemStats
	goroutines  int
	lastCollect time.Time

	// Configurable callbacks for executor-level metrics.
	activeWorkersFn ActiveWorkersFunc
	blockNumberFn   BlockNumberFunc
	waveProgressFn  WaveProgressFunc
	diskUsageFn     DiskUsageFunc
}

// NewSystemMetrics creates a new SystemMetrics instance. Callbacks default
// to no-op functions returning zero values; use Set*Func methods to override.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		startTime:       time.Now(),
		activeWorkersFn: func() int { return 0 },
		blockNumberFn:   func() uint64 { return 0 },
		waveProgressFn:  func() float64 { return 0.0 },
		diskUsageFn:     func(path string) DiskStats { return DiskStats{} },
	}
}

// SetActiveWorkersFunc sets the callback for retrieving the current number
// of busy wave-pool workers.
func (sm *SystemMetrics) SetActiveWorkersFunc(fn ActiveWorkersFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if fn != nil {
		sm.activeWorkersFn = fn
	}
}

// SetBlockNumberFunc sets the callback for retrieving the block number
// currently being processed.
func (sm *SystemMetrics) SetBlockNumberFunc(fn BlockNumberFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if fn != nil {
		sm.blockNumberFn = fn
	}
}

// SetWaveProgressFunc sets the callback for retrieving wave-drain progress.
func (sm *SystemMetrics) SetWaveProgressFunc(fn WaveProgressFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if fn != nil {
		sm.waveProgressFn = fn
	}
}

// SetDiskUsageFunc sets the callback for retrieving disk usage.
func (sm *SystemMetrics) SetDiskUsageFunc(fn DiskUsageFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if fn != nil {
		sm.diskUsageFn = fn
	}
}

// Collect takes a snapshot of the current system metrics from the Go runtime.
// Call this periodically (e.g. every few seconds) to update cached values.
func (sm *SystemMetrics) Collect() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.memStats = MemStats{
		HeapAlloc:  ms.HeapAlloc,
		TotalAlloc: ms.TotalAlloc,
		Sys:        ms.Sys,
		NumGC:      uint64(ms.NumGC),
	}
	sm.goroutines = runtime.NumGoroutine()
	sm.lastCollect = time.Now()
}

// GoRoutineCount returns the number of goroutines at the last Collect() call.
// If Collect() has not been called, reads the current goroutine count directly.
func (sm *SystemMetrics) GoRoutineCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if sm.goroutines == 0 {
		return runtime.NumGoroutine()
	}
	return sm.goroutines
}

// MemoryUsage returns the memory statistics from the last Collect() call.
// If Collect() has not been called, performs a live read.
func (sm *SystemMetrics) MemoryUsage() MemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if sm.lastCollect.IsZero() {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return MemStats{
			HeapAlloc:  ms.HeapAlloc,
			TotalAlloc: ms.TotalAlloc,
			Sys:        ms.Sys,
			NumGC:      uint64(ms.NumGC),
		}
	}
	return sm.memStats
}

// DiskUsage returns disk usage statistics for the given path by invoking
// the configured disk usage callback.
func (sm *SystemMetrics) DiskUsage(path string) DiskStats {
	sm.mu.RLock()
	fn := sm.diskUsageFn
	sm.mu.RUnlock()
	return fn(path)
}

// UptimeSeconds returns the number of seconds since the SystemMetrics
// instance was created.
func (sm *SystemMetrics) UptimeSeconds() float64 {
	return time.Since(sm.startTime).Seconds()
}

// ActiveWorkers returns the current number of busy wave-pool workers by
// invoking the callback.
func (sm *SystemMetrics) ActiveWorkers() int {
	sm.mu.RLock()
	fn := sm.activeWorkersFn
	sm.mu.RUnlock()
	return fn()
}

// BlockNumber returns the block number currently being processed by
// invoking the callback.
func (sm *SystemMetrics) BlockNumber() uint64 {
	sm.mu.RLock()
	fn := sm.blockNumberFn
	sm.mu.RUnlock()
	return fn()
}

// WaveProgress returns the fraction of the current block's waves drained so
// far, clamped to [0.0, 1.0].
func (sm *SystemMetrics) WaveProgress() float64 {
	sm.mu.RLock()
	fn := sm.waveProgressFn
	sm.mu.RUnlock()

	p := fn()
	if p < 0.0 {
		return 0.0
	}
	if p > 1.0 {
		return 1.0
	}
	return p
}

// metricsSnapshot is the internal type used for JSON serialization of all
// system metrics.
type metricsSnapshot struct {
	Goroutines    int      `json:"goroutines"`
	Memory        MemStats `json:"memory"`
	UptimeSec     float64  `json:"uptimeSeconds"`
	ActiveWorkers int      `json:"activeWorkers"`
	BlockNumber   uint64   `json:"blockNumber"`
	WaveProgress  float64  `json:"waveProgress"`
	CollectedAt   string   `json:"collectedAt"`
}

// ExportJSON serializes all current metrics as a JSON object. It performs
// a fresh Collect() before exporting to ensure up-to-date values.
func (sm *SystemMetrics) ExportJSON() ([]byte, error) {
	sm.Collect()

	sm.mu.RLock()
	memSnap := sm.memStats
	goroutineSnap := sm.goroutines
	sm.mu.RUnlock()

	snapshot := metricsSnapshot{
		Goroutines:    goroutineSnap,
		Memory:        memSnap,
		UptimeSec:     sm.UptimeSeconds(),
		ActiveWorkers: sm.ActiveWorkers(),
		BlockNumber:   sm.BlockNumber(),
		WaveProgress:  sm.WaveProgress(),
		CollectedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	return json.Marshal(snapshot)
}

// LastCollectTime returns the time of the last Collect() call, or zero
// if Collect() has never been called.
func (sm *SystemMetrics) LastCollectTime() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastCollect
}

// GoVersion returns the Go runtime version string.
func GoVersion() string {
	return runtime.Version()
}

// NumCPU returns the number of logical CPUs available.
func NumCPU() int {
	return runtime.NumCPU()
}

// GOARCH returns the target architecture.
func GOARCH() string {
	return runtime.GOARCH
}

// GOOS returns the target operating system.
func GOOS() string {
	return runtime.GOOS
}
