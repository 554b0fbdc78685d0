// Package metrics implements Prometheus-based instrumentation for the
// repository engine: objects added, bytes packed, cache hit rate, pull
// duration, and GC reclaimed bytes (spec's domain-stack metrics line). It
// follows the teacher's Collector/Config shape — a Prometheus registry plus
// a small HTTP mux for /metrics, /health, and a human-readable /debug
// summary — generalized from ObjectFS's filesystem-operation metrics to
// corevault's content-addressable object store.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates the repository engine's Prometheus metrics and
// serves them (plus a couple of debug endpoints) over HTTP.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	objectsAddedCounter *prometheus.CounterVec
	bytesPackedCounter  prometheus.Counter
	cacheRequestCounter *prometheus.CounterVec
	pullDuration        prometheus.Histogram
	pullObjectsCopied   prometheus.Histogram
	gcReclaimedBytes    prometheus.Counter
	gcRunsCounter       prometheus.Counter
	errorCounter        *prometheus.CounterVec

	counters map[string]int64

	lastReset time.Time
	server    *http.Server
}

// Config controls a Collector's behavior.
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// NewDefaultConfig returns the Config a freshly initialized repository
// enables metrics with.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9419,
		Path:      "/metrics",
		Namespace: "corevault",
		Labels:    make(map[string]string),
	}
}

// NewCollector creates a Collector. A nil config falls back to
// NewDefaultConfig; a config with Enabled false yields a Collector whose
// Record* methods are all no-ops, so callers never need to nil-check before
// instrumenting a call site.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()
	c := &Collector{
		config:    config,
		registry:  registry,
		counters:  make(map[string]int64),
		lastReset: time.Now(),
	}
	c.initMetrics()
	if err := c.register(); err != nil {
		return nil, fmt.Errorf("metrics: register collectors: %w", err)
	}
	return c, nil
}

func (c *Collector) initMetrics() {
	c.objectsAddedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "objects_added_total",
			Help:      "Total number of objects added to the repository, by object type.",
		},
		[]string{"type"},
	)
	c.bytesPackedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "bytes_packed_total",
			Help:      "Total bytes of object payload written into packfiles.",
		},
	)
	c.cacheRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "packfile_cache_requests_total",
			Help:      "Packfile handle LRU cache lookups, partitioned by hit/miss.",
		},
		[]string{"result"},
	)
	c.pullDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "pull_duration_seconds",
			Help:      "Duration of Pull calls against a peer repository.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 18),
		},
	)
	c.pullObjectsCopied = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "pull_objects_copied",
			Help:      "Number of objects copied per Pull call.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 14),
		},
	)
	c.gcReclaimedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "gc_reclaimed_bytes_total",
			Help:      "Total packed bytes reclaimed by Gc from purged objects.",
		},
	)
	c.gcRunsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "gc_runs_total",
			Help:      "Total number of completed Gc runs.",
		},
	)
	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "errors_total",
			Help:      "Total errors recorded, by operation and classification.",
		},
		[]string{"operation", "type"},
	)
}

func (c *Collector) register() error {
	collectors := []prometheus.Collector{
		c.objectsAddedCounter,
		c.bytesPackedCounter,
		c.cacheRequestCounter,
		c.pullDuration,
		c.pullObjectsCopied,
		c.gcReclaimedBytes,
		c.gcRunsCounter,
		c.errorCounter,
	}
	for _, col := range collectors {
		if err := c.registry.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the http.Handler serving c's Prometheus exposition
// format, for embedding into a caller-owned mux instead of Start's own
// server.
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Start runs a dedicated metrics HTTP server on the configured port. It is
// a no-op when metrics are disabled.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/metrics", c.debugHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	_ = ctx
	return nil
}

// Stop shuts down the metrics HTTP server, if Start ever ran one.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordObjectAdded records one object of objType (a objtype.Type's
// String(), e.g. "blob"/"tree"/"largeblob"/"commit") newly stored, and the
// packed bytes it cost.
func (c *Collector) RecordObjectAdded(objType string, packedBytes int64) {
	if !c.config.Enabled {
		return
	}
	c.mu.Lock()
	c.counters["objects_added:"+objType]++
	c.counters["bytes_packed"] += packedBytes
	c.mu.Unlock()

	c.objectsAddedCounter.With(prometheus.Labels{"type": objType}).Inc()
	if packedBytes > 0 {
		c.bytesPackedCounter.Add(float64(packedBytes))
	}
}

// RecordCacheHit records one packfile handle LRU lookup, hit or miss.
func (c *Collector) RecordCacheHit(hit bool) {
	if !c.config.Enabled {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.mu.Lock()
	c.counters["cache:"+result]++
	c.mu.Unlock()
	c.cacheRequestCounter.With(prometheus.Labels{"result": result}).Inc()
}

// CacheHitRate returns the fraction of recorded cache lookups that were
// hits, or 0 if none have been recorded yet.
func (c *Collector) CacheHitRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cacheHitRateLocked()
}

// RecordPull records one completed Pull call's duration and the number of
// objects it copied.
func (c *Collector) RecordPull(duration time.Duration, objectsCopied int) {
	if !c.config.Enabled {
		return
	}
	c.mu.Lock()
	c.counters["pulls"]++
	c.counters["pull_objects_copied"] += int64(objectsCopied)
	c.mu.Unlock()
	c.pullDuration.Observe(duration.Seconds())
	c.pullObjectsCopied.Observe(float64(objectsCopied))
}

// RecordGc records one completed Gc run's reclaimed bytes.
func (c *Collector) RecordGc(reclaimedBytes int64) {
	if !c.config.Enabled {
		return
	}
	c.mu.Lock()
	c.counters["gc_runs"]++
	c.counters["gc_reclaimed_bytes"] += reclaimedBytes
	c.mu.Unlock()
	c.gcRunsCounter.Inc()
	if reclaimedBytes > 0 {
		c.gcReclaimedBytes.Add(float64(reclaimedBytes))
	}
}

// RecordError records an error for operation, classified by message content
// (timeout/connection/not_found/permission/throttling/other).
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"type":      classifyError(err),
	}).Inc()
}

// GetMetrics returns a snapshot of the collector's internal counters,
// independent of the Prometheus registry, for the /debug/metrics endpoint
// and tests.
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	counters := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		counters[k] = v
	}
	return map[string]interface{}{
		"counters":       counters,
		"cache_hit_rate": c.cacheHitRateLocked(),
		"last_reset":     c.lastReset,
		"uptime":         time.Since(c.lastReset),
	}
}

func (c *Collector) cacheHitRateLocked() float64 {
	hits := c.counters["cache:hit"]
	total := hits + c.counters["cache:miss"]
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// ResetMetrics clears the internal counter snapshot used by GetMetrics.
// Prometheus's own counters are cumulative and are never reset, matching
// Prometheus's counter semantics.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = make(map[string]int64)
	c.lastReset = time.Now()
}

func (c *Collector) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"corevault-metrics"}`))
}

func (c *Collector) debugHandler(w http.ResponseWriter, _ *http.Request) {
	m := c.GetMetrics()
	w.Header().Set("Content-Type", "application/json")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("{\n")
	writef("  \"uptime\": %q,\n", fmt.Sprint(m["uptime"]))
	writef("  \"cache_hit_rate\": %.4f,\n", m["cache_hit_rate"])
	writef("  \"counters\": {\n")
	counters, _ := m["counters"].(map[string]int64)
	first := true
	for name, v := range counters {
		if !first {
			writef(",\n")
		}
		writef("    %q: %d", name, v)
		first = false
	}
	writef("\n  }\n}\n")
}

func classifyError(err error) string {
	errStr := err.Error()
	switch {
	case contains(errStr, "timeout"):
		return "timeout"
	case contains(errStr, "connection"):
		return "connection"
	case contains(errStr, "not found"):
		return "not_found"
	case contains(errStr, "permission"):
		return "permission"
	case contains(errStr, "throttl"):
		return "throttling"
	default:
		return "other"
	}
}

func contains(s, substr string) bool {
	return indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	if len(substr) == 0 {
		return 0
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
