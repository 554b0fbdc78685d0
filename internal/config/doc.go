/*
Package config provides the engine's own configuration: chunker bounds, packfile
soft limits, index/metadata-log rewrite thresholds, the packfile handle cache
size, compression thresholds, and the network timeouts used by remote
transports.

# Configuration sources

Precedence, highest to lowest:

	┌─────────────────────────────┐
	│      Environment Variables  │ ← Highest Priority
	│          (COREVAULT_*)      │
	└─────────────────────────────┘
	              │
	┌─────────────────────────────┐
	│       Configuration File    │
	│          (YAML format)      │
	└─────────────────────────────┘
	              │
	┌─────────────────────────────┐
	│         Default Values      │ ← Lowest Priority
	│     (Compiled-in defaults)  │
	└─────────────────────────────┘

# Usage

	cfg := config.NewDefault()

	if err := cfg.LoadFromFile("/etc/corevault/config.yaml"); err != nil {
		log.Fatal(err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

Configuration file format:

	global:
	  log_level: INFO
	  metrics_port: 9090
	  health_port: 9091

	chunker:
	  min_size: 262144
	  target_size: 1048576
	  max_size: 4194304
	  window_size: 32

	packfile:
	  max_objects_per_group: 2048
	  max_group_bytes: 67108864
	  handle_cache_size: 96

	repo:
	  large_blob_threshold: 1048576

This is the core engine's tuning surface. It is deliberately separate from
any CLI argv/dotfile parser layered on top of it.
*/
package config
