/*
Package metrics provides Prometheus-based metrics collection for the
corevault repository engine.

# Overview

The metrics package instruments the object store's hot paths named by the
domain-stack metrics requirement: objects added, bytes packed, packfile
cache hit rate, pull duration, and GC reclaimed bytes. It exposes both
live Prometheus metrics (for scraping) and an internal counter snapshot
(for debugging without a Prometheus server running).

# Core Components

Collector is the main aggregator. It owns a private prometheus.Registry
and an optional HTTP server exposing it:

	collector, err := metrics.NewCollector(metrics.NewDefaultConfig())
	if err != nil {
		log.Fatal(err)
	}
	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

DetailedEngineMetrics keeps a parallel, non-Prometheus rolling summary
(min/max/average latency, bytes, error counts per operation) for callers
that want exact numbers without scraping. The /debug/metrics endpoint
serves the Collector's own counter snapshot, not this summary.

# Recording

	collector.RecordObjectAdded("blob", int64(len(framed)))
	collector.RecordCacheHit(hit)
	collector.RecordPull(time.Since(start), copied)
	collector.RecordGc(reclaimedBytes)
	collector.RecordError("pull", err)

# HTTP Endpoints

/metrics serves the Prometheus exposition format. /health reports liveness.
/debug/metrics serves a small JSON summary of the internal counter
snapshot, useful when nothing is scraping yet.

# See Also

  - internal/repo: the AddBlob/AddTree/AddLargeBlob/Pull/Gc call sites a
    Collector is wired into.
  - internal/packfile: Manager's handle-cache hit/miss observer.
*/
package metrics
