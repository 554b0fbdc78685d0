package metrics

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with valid config", func(t *testing.T) {
		config := &Config{Enabled: true, Port: 19090, Path: "/metrics", Namespace: "corevault", Subsystem: "test"}
		collector, err := NewCollector(config)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector.config != config {
			t.Error("collector.config does not match input config")
		}
		if collector.registry == nil {
			t.Error("collector.registry is nil")
		}
	})

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector.config.Port != 9419 {
			t.Errorf("default port = %d, want 9419", collector.config.Port)
		}
		if collector.config.Namespace != "corevault" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "corevault")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector.registry != nil {
			t.Error("disabled collector should not have a registry")
		}
	})
}

func TestRecordObjectAdded(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 19091, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordObjectAdded("blob", 1024)
	collector.RecordObjectAdded("blob", 2048)
	collector.RecordObjectAdded("tree", 256)

	metrics := collector.GetMetrics()
	counters := metrics["counters"].(map[string]int64)
	if counters["objects_added:blob"] != 2 {
		t.Errorf("objects_added:blob = %d, want 2", counters["objects_added:blob"])
	}
	if counters["objects_added:tree"] != 1 {
		t.Errorf("objects_added:tree = %d, want 1", counters["objects_added:tree"])
	}
	if counters["bytes_packed"] != 1024+2048+256 {
		t.Errorf("bytes_packed = %d, want %d", counters["bytes_packed"], 1024+2048+256)
	}
}

func TestRecordObjectAddedDisabledIsNoop(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	collector.RecordObjectAdded("blob", 1024)
	if len(collector.GetMetrics()["counters"].(map[string]int64)) != 0 {
		t.Error("disabled collector should not track counters")
	}
}

func TestRecordCacheHitAndRate(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 19092, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	if rate := collector.CacheHitRate(); rate != 0 {
		t.Fatalf("CacheHitRate() with no data = %f, want 0", rate)
	}

	collector.RecordCacheHit(true)
	collector.RecordCacheHit(true)
	collector.RecordCacheHit(false)

	if rate := collector.CacheHitRate(); rate < 0.66 || rate > 0.67 {
		t.Errorf("CacheHitRate() = %f, want ~0.667", rate)
	}
}

func TestRecordPull(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 19093, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordPull(150*time.Millisecond, 42)

	counters := collector.GetMetrics()["counters"].(map[string]int64)
	if counters["pulls"] != 1 {
		t.Errorf("pulls = %d, want 1", counters["pulls"])
	}
	if counters["pull_objects_copied"] != 42 {
		t.Errorf("pull_objects_copied = %d, want 42", counters["pull_objects_copied"])
	}
}

func TestRecordGc(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 19094, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordGc(4096)
	collector.RecordGc(1024)

	counters := collector.GetMetrics()["counters"].(map[string]int64)
	if counters["gc_runs"] != 2 {
		t.Errorf("gc_runs = %d, want 2", counters["gc_runs"])
	}
	if counters["gc_reclaimed_bytes"] != 4096+1024 {
		t.Errorf("gc_reclaimed_bytes = %d, want %d", counters["gc_reclaimed_bytes"], 4096+1024)
	}
}

func TestRecordError(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 19095, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	// Should not panic; the Prometheus side-effect isn't observable
	// without scraping the registry, so this just exercises the path.
	collector.RecordError("pull", errors.New("connection refused"))
	collector.RecordError("gc", nil)
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", errors.New("operation timeout"), "timeout"},
		{"connection", errors.New("connection refused"), "connection"},
		{"not found", errors.New("object not found"), "not_found"},
		{"permission", errors.New("permission denied"), "permission"},
		{"throttling", errors.New("request throttled"), "throttling"},
		{"other", errors.New("something else"), "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError(%q) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestResetMetrics(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 19096, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	collector.RecordObjectAdded("blob", 1024)
	oldReset := collector.lastReset

	time.Sleep(5 * time.Millisecond)
	collector.ResetMetrics()

	counters := collector.GetMetrics()["counters"].(map[string]int64)
	if len(counters) != 0 {
		t.Errorf("counters after reset = %v, want empty", counters)
	}
	if !collector.lastReset.After(oldReset) {
		t.Error("lastReset should advance after ResetMetrics")
	}
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 19097, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	if err := collector.Stop(context.Background()); err != nil {
		t.Errorf("Stop() without Start() error = %v, want nil", err)
	}
}

func TestHandlerDisabledReturnsNotFound(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	if collector.Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
}

func TestContainsAndIndexOfHelpers(t *testing.T) {
	t.Parallel()

	if !contains("hello world", "world") {
		t.Error(`contains("hello world", "world") = false, want true`)
	}
	if contains("hello", "foo") {
		t.Error(`contains("hello", "foo") = true, want false`)
	}
	if indexOf("hello world", "world") != 6 {
		t.Errorf("indexOf() = %d, want 6", indexOf("hello world", "world"))
	}
	if indexOf("hello", "foo") != -1 {
		t.Errorf("indexOf() = %d, want -1", indexOf("hello", "foo"))
	}
}
