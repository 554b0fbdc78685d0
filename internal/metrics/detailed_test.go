package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestNewDetailedEngineMetrics(t *testing.T) {
	dem := NewDetailedEngineMetrics()
	if dem.OperationMetrics == nil {
		t.Error("expected initialized OperationMetrics map")
	}
}

func TestRecordOperationBasic(t *testing.T) {
	dem := NewDetailedEngineMetrics()

	dem.RecordOperation(OpAddBlob, 10*time.Millisecond, 1024, nil)

	m := dem.GetOperationMetrics(OpAddBlob)
	if m == nil {
		t.Fatal("expected operation metrics for add_blob")
	}
	if m.Count != 1 {
		t.Errorf("Count = %d, want 1", m.Count)
	}
	if m.BytesProcessed != 1024 {
		t.Errorf("BytesProcessed = %d, want 1024", m.BytesProcessed)
	}
	if m.ErrorCount != 0 {
		t.Errorf("ErrorCount = %d, want 0", m.ErrorCount)
	}
}

func TestRecordOperationMultiple(t *testing.T) {
	dem := NewDetailedEngineMetrics()

	latencies := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 75 * time.Millisecond}
	for _, lat := range latencies {
		dem.RecordOperation(OpPull, lat, 4096, nil)
	}

	m := dem.GetOperationMetrics(OpPull)
	if m.Count != 3 {
		t.Errorf("Count = %d, want 3", m.Count)
	}
	if m.MinLatency != 50*time.Millisecond {
		t.Errorf("MinLatency = %v, want 50ms", m.MinLatency)
	}
	if m.MaxLatency != 100*time.Millisecond {
		t.Errorf("MaxLatency = %v, want 100ms", m.MaxLatency)
	}
	wantAvg := 75 * time.Millisecond
	if m.AverageLatency != wantAvg {
		t.Errorf("AverageLatency = %v, want %v", m.AverageLatency, wantAvg)
	}
}

func TestRecordOperationErrors(t *testing.T) {
	dem := NewDetailedEngineMetrics()

	dem.RecordOperation(OpGc, 1*time.Millisecond, 0, nil)
	dem.RecordOperation(OpGc, 1*time.Millisecond, 0, errors.New("boom"))

	m := dem.GetOperationMetrics(OpGc)
	if m.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", m.ErrorCount)
	}
	if dem.TotalErrors != 1 {
		t.Errorf("TotalErrors = %d, want 1", dem.TotalErrors)
	}
	if dem.OverallErrorRate != 0.5 {
		t.Errorf("OverallErrorRate = %f, want 0.5", dem.OverallErrorRate)
	}
}

func TestRecordCacheLookup(t *testing.T) {
	dem := NewDetailedEngineMetrics()

	dem.RecordCacheLookup(true)
	dem.RecordCacheLookup(true)
	dem.RecordCacheLookup(false)

	if dem.CacheHits != 2 {
		t.Errorf("CacheHits = %d, want 2", dem.CacheHits)
	}
	if dem.CacheMisses != 1 {
		t.Errorf("CacheMisses = %d, want 1", dem.CacheMisses)
	}
	want := 2.0 / 3.0
	if dem.OverallCacheHitRate < want-0.01 || dem.OverallCacheHitRate > want+0.01 {
		t.Errorf("OverallCacheHitRate = %f, want ~%f", dem.OverallCacheHitRate, want)
	}
}

func TestGetSummary(t *testing.T) {
	dem := NewDetailedEngineMetrics()

	for i := 0; i < 10; i++ {
		dem.RecordOperation(OpAddBlob, 5*time.Millisecond, 1024, nil)
	}
	dem.RecordOperation(OpAddBlob, 5*time.Millisecond, 1024, errors.New("fail"))

	summary := dem.GetSummary()
	if summary["total_operations"] != int64(11) {
		t.Errorf("total_operations = %v, want 11", summary["total_operations"])
	}
	if summary["total_errors"] != int64(1) {
		t.Errorf("total_errors = %v, want 1", summary["total_errors"])
	}
}

func TestDetailedReset(t *testing.T) {
	dem := NewDetailedEngineMetrics()

	dem.RecordOperation(OpAddBlob, 1*time.Millisecond, 1024, nil)
	dem.RecordCacheLookup(true)

	dem.Reset()

	if dem.TotalOperations != 0 {
		t.Errorf("TotalOperations after reset = %d, want 0", dem.TotalOperations)
	}
	if len(dem.OperationMetrics) != 0 {
		t.Errorf("OperationMetrics after reset = %v, want empty", dem.OperationMetrics)
	}
	if dem.CacheHits != 0 || dem.CacheMisses != 0 {
		t.Error("cache counters should be cleared by reset")
	}
}
