package metrics

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewSystemMetrics(t *testing.T) {
	sm := NewSystemMetrics()
	if sm == nil {
		t.Fatal("NewSystemMetrics returned nil")
	}
	if sm.startTime.IsZero() {
		t.Error("startTime should be set")
	}
}

func TestCollect(t *testing.T) {
	sm := NewSystemMetrics()

	// Before Collect(), lastCollect should be zero.
	if !sm.LastCollectTime().IsZero() {
		t.Error("expected zero LastCollectTime before Collect()")
	}

	sm.Collect()

	if sm.LastCollectTime().IsZero() {
		t.Error("expected non-zero LastCollectTime after Collect()")
	}
}

func TestGoRoutineCount(t *testing.T) {
	sm := NewSystemMetrics()

	// Before Collect(), should read live goroutine count.
	count := sm.GoRoutineCount()
	if count <= 0 {
		t.Errorf("GoRoutineCount = %d, want > 0", count)
	}

	// After Collect(), should return cached value.
	sm.Collect()
	count2 := sm.GoRoutineCount()
	if count2 <= 0 {
		t.Errorf("GoRoutineCount after Collect = %d, want > 0", count2)
	}
}

func TestMemoryUsage_BeforeCollect(t *testing.T) {
	sm := NewSystemMetrics()

	// Should do a live read before Collect().
	mem := sm.MemoryUsage()
	if mem.HeapAlloc == 0 {
		t.Error("HeapAlloc should be > 0")
	}
	if mem.Sys == 0 {
		t.Error("Sys should be > 0")
	}
}

func TestMemoryUsage_AfterCollect(t *testing.T) {
	sm := NewSystemMetrics()
	sm.Collect()

	mem := sm.MemoryUsage()
	if mem.HeapAlloc == 0 {
		t.Error("HeapAlloc should be > 0 after Collect()")
	}
	if mem.TotalAlloc == 0 {
		t.Error("TotalAlloc should be > 0 after Collect()")
	}
	if mem.Sys == 0 {
		t.Error("Sys should be > 0 after Collect()")
	}
}

func TestDiskUsage_Default(t *testing.T) {
	sm := NewSystemMetrics()

	// Default callback returns zero values.
	ds := sm.DiskUsage("/")
	if ds.Total != 0 || ds.Used != 0 || ds.Free != 0 {
		t.Errorf("default DiskUsage = %+v, want zeros", ds)
	}
}

func TestDiskUsage_Custom(t *testing.T) {
	sm := NewSystemMetrics()
	sm.SetDiskUsageFunc(func(path string) DiskStats {
		return DiskStats{
			Total: 1000000,
			Used:  500000,
			Free:  500000,
		}
	})

	ds := sm.DiskUsage("/data")
	if ds.Total != 1000000 {
		t.Errorf("Total = %d, want 1000000", ds.Total)
	}
	if ds.Used != 500000 {
		t.Errorf("Used = %d, want 500000", ds.Used)
	}
	if ds.Free != 500000 {
		t.Errorf("Free = %d, want 500000", ds.Free)
	}
}

func TestUptimeSeconds(t *testing.T) {
	sm := NewSystemMetrics()
	time.Sleep(10 * time.Millisecond)

	uptime := sm.UptimeSeconds()
	if uptime < 0.005 {
		t.Errorf("UptimeSeconds = %f, want >= 0.005", uptime)
	}
}

func TestActiveWorkers_Default(t *testing.T) {
	sm := NewSystemMetrics()
	if sm.ActiveWorkers() != 0 {
		t.Errorf("default ActiveWorkers = %d, want 0", sm.ActiveWorkers())
	}
}

func TestActiveWorkers_Custom(t *testing.T) {
	sm := NewSystemMetrics()
	sm.SetActiveWorkersFunc(func() int { return 25 })

	if sm.ActiveWorkers() != 25 {
		t.Errorf("ActiveWorkers = %d, want 25", sm.ActiveWorkers())
	}
}

func TestBlockNumber_Default(t *testing.T) {
	sm := NewSystemMetrics()
	if sm.BlockNumber() != 0 {
		t.Errorf("default BlockNumber = %d, want 0", sm.BlockNumber())
	}
}

func TestBlockNumber_Custom(t *testing.T) {
	sm := NewSystemMetrics()
	sm.SetBlockNumberFunc(func() uint64 { return 12345 })

	if sm.BlockNumber() != 12345 {
		t.Errorf("BlockNumber = %d, want 12345", sm.BlockNumber())
	}
}

func TestWaveProgress_Default(t *testing.T) {
	sm := NewSystemMetrics()
	if sm.WaveProgress() != 0.0 {
		t.Errorf("default WaveProgress = %f, want 0.0", sm.WaveProgress())
	}
}

func TestWaveProgress_Custom(t *testing.T) {
	sm := NewSystemMetrics()
	sm.SetWaveProgressFunc(func() float64 { return 0.75 })

	if sm.WaveProgress() != 0.75 {
		t.Errorf("WaveProgress = %f, want 0.75", sm.WaveProgress())
	}
}

func TestWaveProgress_Clamped(t *testing.T) {
	sm := NewSystemMetrics()

	// Test clamping above 1.0.
	sm.SetWaveProgressFunc(func() float64 { return 1.5 })
	if sm.WaveProgress() != 1.0 {
		t.Errorf("WaveProgress (>1) = %f, want 1.0", sm.WaveProgress())
	}

	// Test clamping below 0.0.
	sm.SetWaveProgressFunc(func() float64 { return -0.5 })
	if sm.WaveProgress() != 0.0 {
		t.Errorf("WaveProgress (<0) = %f, want 0.0", sm.WaveProgress())
	}
}

func TestExportJSON(t *testing.T) {
	sm := NewSystemMetrics()
	sm.SetActiveWorkersFunc(func() int { return 10 })
	sm.SetBlockNumberFunc(func() uint64 { return 42 })
	sm.SetWaveProgressFunc(func() float64 { return 0.99 })

	data, err := sm.ExportJSON()
	if err != nil {
		t.Fatalf("ExportJSON error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("JSON unmarshal error: %v", err)
	}

	// Verify top-level fields exist.
	requiredFields := []string{
		"goroutines", "memory", "uptimeSeconds",
		"activeWorkers", "blockNumber", "waveProgress", "collectedAt",
	}
	for _, field := range requiredFields {
		if _, ok := result[field]; !ok {
			t.Errorf("missing field: %q", field)
		}
	}

	// Verify active workers.
	if aw, ok := result["activeWorkers"].(float64); !ok || int(aw) != 10 {
		t.Errorf("activeWorkers = %v, want 10", result["activeWorkers"])
	}

	// Verify block number.
	if bn, ok := result["blockNumber"].(float64); !ok || uint64(bn) != 42 {
		t.Errorf("blockNumber = %v, want 42", result["blockNumber"])
	}

	// Verify wave progress.
	if wp, ok := result["waveProgress"].(float64); !ok || wp != 0.99 {
		t.Errorf("waveProgress = %v, want 0.99", result["waveProgress"])
	}

	// Verify memory sub-fields.
	memMap, ok := result["memory"].(map[string]interface{})
	if !ok {
		t.Fatal("memory field is not a map")
	}
	memFields := []string{"heapAlloc", "totalAlloc", "sys", "numGC"}
	for _, field := range memFields {
		if _, ok := memMap[field]; !ok {
			t.Errorf("missing memory field: %q", field)
		}
	}
}

func TestSetNilFuncsIgnored(t *testing.T) {
	sm := NewSystemMetrics()
	sm.SetActiveWorkersFunc(func() int { return 5 })

	// Setting nil should not override the existing function.
	sm.SetActiveWorkersFunc(nil)
	if sm.ActiveWorkers() != 5 {
		t.Errorf("ActiveWorkers after nil set = %d, want 5", sm.ActiveWorkers())
	}

	sm.SetBlockNumberFunc(nil)
	sm.SetWaveProgressFunc(nil)
	sm.SetDiskUsageFunc(nil)
}

func TestGoVersion(t *testing.T) {
	v := GoVersion()
	if v == "" {
		t.Error("GoVersion returned empty string")
	}
}

func TestNumCPU(t *testing.T) {
	n := NumCPU()
	if n <= 0 {
		t.Errorf("NumCPU = %d, want > 0", n)
	}
}

func TestGOARCH(t *testing.T) {
	arch := GOARCH()
	if arch == "" {
		t.Error("GOARCH returned empty string")
	}
}

func TestGOOS(t *testing.T) {
	os := GOOS()
	if os == "" {
		t.Error("GOOS returned empty string")
	}
}
