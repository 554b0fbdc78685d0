package metrics

import (
	"sync"
	"time"
)

// OperationType identifies a repository engine operation tracked by
// DetailedEngineMetrics, the corevault analogue of ObjectFS's FUSE-call
// OperationType enum.
type OperationType string

const (
	OpAddBlob      OperationType = "add_blob"
	OpAddTree      OperationType = "add_tree"
	OpAddLargeBlob OperationType = "add_largeblob"
	OpPull         OperationType = "pull"
	OpGc           OperationType = "gc"
	OpCacheGet     OperationType = "cache_get"
)

// DetailedOperationMetrics tracks latency, size, and error history for one
// OperationType, beyond what the Prometheus Collector exposes — a rolling
// min/max/average rather than Prometheus's fixed histogram buckets, useful
// for tests and callers that want exact numbers.
type DetailedOperationMetrics struct {
	Count             int64         `json:"count"`
	TotalLatency      time.Duration `json:"total_latency"`
	MinLatency        time.Duration `json:"min_latency"`
	MaxLatency        time.Duration `json:"max_latency"`
	AverageLatency    time.Duration `json:"average_latency"`
	ErrorCount        int64         `json:"error_count"`
	BytesProcessed    int64         `json:"bytes_processed"`
	AvgBytesPerOp     float64       `json:"avg_bytes_per_op"`
	LastOperationTime time.Time     `json:"last_operation_time"`
}

// DetailedEngineMetrics aggregates DetailedOperationMetrics across every
// tracked OperationType, plus the repository-wide totals and cache hit
// rate GetSummary reports for /debug/metrics.
type DetailedEngineMetrics struct {
	mu                  sync.RWMutex
	OperationMetrics    map[OperationType]*DetailedOperationMetrics `json:"operation_metrics"`
	StartTime           time.Time                                  `json:"start_time"`
	LastUpdateTime      time.Time                                  `json:"last_update_time"`
	TotalOperations     int64                                      `json:"total_operations"`
	TotalErrors         int64                                      `json:"total_errors"`
	TotalBytesProcessed int64                                      `json:"total_bytes_processed"`
	CacheHits           int64                                      `json:"cache_hits"`
	CacheMisses         int64                                      `json:"cache_misses"`
	OverallCacheHitRate float64                                    `json:"overall_cache_hit_rate"`
	OverallErrorRate    float64                                    `json:"overall_error_rate"`
}

// NewDetailedEngineMetrics creates an empty DetailedEngineMetrics.
func NewDetailedEngineMetrics() *DetailedEngineMetrics {
	return &DetailedEngineMetrics{
		OperationMetrics: make(map[OperationType]*DetailedOperationMetrics),
		StartTime:        time.Now(),
		LastUpdateTime:   time.Now(),
	}
}

// RecordOperation records one occurrence of opType taking latency, moving
// bytes bytes, and succeeding or not.
func (dem *DetailedEngineMetrics) RecordOperation(opType OperationType, latency time.Duration, bytes int64, err error) {
	dem.mu.Lock()
	defer dem.mu.Unlock()

	now := time.Now()
	dem.LastUpdateTime = now
	dem.TotalOperations++
	dem.TotalBytesProcessed += bytes

	om := dem.OperationMetrics[opType]
	if om == nil {
		om = &DetailedOperationMetrics{MinLatency: latency}
		dem.OperationMetrics[opType] = om
	}
	om.Count++
	om.TotalLatency += latency
	om.BytesProcessed += bytes
	om.LastOperationTime = now
	if latency < om.MinLatency || om.MinLatency == 0 {
		om.MinLatency = latency
	}
	if latency > om.MaxLatency {
		om.MaxLatency = latency
	}
	om.AverageLatency = time.Duration(int64(om.TotalLatency) / om.Count)
	if om.Count > 0 {
		om.AvgBytesPerOp = float64(om.BytesProcessed) / float64(om.Count)
	}
	if err != nil {
		om.ErrorCount++
		dem.TotalErrors++
	}

	if dem.TotalOperations > 0 {
		dem.OverallErrorRate = float64(dem.TotalErrors) / float64(dem.TotalOperations)
	}
}

// RecordCacheLookup records one packfile handle cache lookup.
func (dem *DetailedEngineMetrics) RecordCacheLookup(hit bool) {
	dem.mu.Lock()
	defer dem.mu.Unlock()
	if hit {
		dem.CacheHits++
	} else {
		dem.CacheMisses++
	}
	total := dem.CacheHits + dem.CacheMisses
	if total > 0 {
		dem.OverallCacheHitRate = float64(dem.CacheHits) / float64(total)
	}
}

// GetOperationMetrics returns a copy of opType's tracked metrics, or nil if
// opType has never been recorded.
func (dem *DetailedEngineMetrics) GetOperationMetrics(opType OperationType) *DetailedOperationMetrics {
	dem.mu.RLock()
	defer dem.mu.RUnlock()
	om, ok := dem.OperationMetrics[opType]
	if !ok {
		return nil
	}
	cp := *om
	return &cp
}

// GetSummary returns a flat map of the engine's headline numbers, for the
// same kind of human-readable debug surface the Collector's /debug/metrics
// endpoint serves.
func (dem *DetailedEngineMetrics) GetSummary() map[string]interface{} {
	dem.mu.RLock()
	defer dem.mu.RUnlock()

	uptime := time.Since(dem.StartTime)
	return map[string]interface{}{
		"uptime_seconds":         uptime.Seconds(),
		"total_operations":       dem.TotalOperations,
		"total_errors":           dem.TotalErrors,
		"total_bytes_processed":  dem.TotalBytesProcessed,
		"overall_cache_hit_rate": dem.OverallCacheHitRate,
		"overall_error_rate":     dem.OverallErrorRate,
		"last_update":            dem.LastUpdateTime.Format(time.RFC3339),
	}
}

// Reset clears every tracked metric.
func (dem *DetailedEngineMetrics) Reset() {
	dem.mu.Lock()
	defer dem.mu.Unlock()
	dem.OperationMetrics = make(map[OperationType]*DetailedOperationMetrics)
	dem.StartTime = time.Now()
	dem.LastUpdateTime = time.Now()
	dem.TotalOperations = 0
	dem.TotalErrors = 0
	dem.TotalBytesProcessed = 0
	dem.CacheHits = 0
	dem.CacheMisses = 0
	dem.OverallCacheHitRate = 0
	dem.OverallErrorRate = 0
}
