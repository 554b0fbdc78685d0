// Package config holds the engine's own tunables: chunker bounds, packfile
// soft limits, index/metadata-log rewrite thresholds, the packfile handle
// cache capacity, compression thresholds, and network timeouts for remote
// transports. It is distinct from any CLI flag/dotfile parser, which stays
// an external collaborator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete engine configuration.
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Chunker     ChunkerConfig     `yaml:"chunker"`
	Packfile    PackfileConfig    `yaml:"packfile"`
	Index       IndexConfig       `yaml:"index"`
	MetadataLog MetadataLogConfig `yaml:"metadata_log"`
	Codec       CodecConfig       `yaml:"codec"`
	Repo        RepoConfig        `yaml:"repo"`
	Network     NetworkConfig     `yaml:"network"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
}

// ChunkerConfig bounds the content-defined chunker (spec §4.2).
type ChunkerConfig struct {
	MinSize    int64 `yaml:"min_size"`
	TargetSize int64 `yaml:"target_size"`
	MaxSize    int64 `yaml:"max_size"`
	WindowSize int   `yaml:"window_size"`
	Base       int64 `yaml:"base"`
}

// PackfileConfig bounds group size and the open-handle cache (spec §4.3).
type PackfileConfig struct {
	MaxObjectsPerGroup int   `yaml:"max_objects_per_group"`
	MaxGroupBytes      int64 `yaml:"max_group_bytes"`
	HandleCacheSize    int   `yaml:"handle_cache_size"`
}

// IndexConfig bounds when the log-structured index compacts (spec §4.4).
type IndexConfig struct {
	RewriteGarbageRatio float64 `yaml:"rewrite_garbage_ratio"`
	RewriteMinEntries   int     `yaml:"rewrite_min_entries"`
}

// MetadataLogConfig bounds when the refcount/metadata log compacts (spec §4.5).
type MetadataLogConfig struct {
	RewriteGarbageRatio float64 `yaml:"rewrite_garbage_ratio"`
	RewriteMinRecords   int     `yaml:"rewrite_min_records"`
}

// CodecConfig tunes the compressibility probe (spec §2 object codec).
type CodecConfig struct {
	ProbeSize          int64   `yaml:"probe_size"`
	CompressRatioLimit float64 `yaml:"compress_ratio_limit"`
	FastAlgorithm      string  `yaml:"fast_algorithm"`
	HighRatioAlgorithm string  `yaml:"high_ratio_algorithm"`
}

// RepoConfig tunes engine-level thresholds not owned by a single subcomponent.
type RepoConfig struct {
	LargeBlobThreshold int64 `yaml:"large_blob_threshold"`
	PullWorkers        int   `yaml:"pull_workers"`
}

// NetworkConfig tunes remote transports (internal/wire, internal/remote/s3remote).
type NetworkConfig struct {
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Retry    RetryConfig   `yaml:"retry"`
}

// TimeoutConfig holds per-phase network timeouts.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
	Write   time.Duration `yaml:"write"`
}

// RetryConfig holds retry backoff parameters shared with pkg/retry.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// MonitoringConfig toggles metrics collection.
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig toggles the prometheus collectors in internal/metrics.
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// NewDefault returns a configuration with sensible defaults, matching the
// constants used throughout spec.md where it names concrete numbers (2048
// objects / 64MiB packfile soft limit, 1MiB large-blob threshold, W=32
// rolling window).
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			MetricsPort: 9090,
			HealthPort:  9091,
		},
		Chunker: ChunkerConfig{
			MinSize:    256 * 1024,
			TargetSize: 1024 * 1024,
			MaxSize:    4 * 1024 * 1024,
			WindowSize: 32,
			Base:       31,
		},
		Packfile: PackfileConfig{
			MaxObjectsPerGroup: 2048,
			MaxGroupBytes:      64 * 1024 * 1024,
			HandleCacheSize:    96,
		},
		Index: IndexConfig{
			RewriteGarbageRatio: 0.5,
			RewriteMinEntries:   1000,
		},
		MetadataLog: MetadataLogConfig{
			RewriteGarbageRatio: 0.5,
			RewriteMinRecords:   1000,
		},
		Codec: CodecConfig{
			ProbeSize:          1024,
			CompressRatioLimit: 0.95,
			FastAlgorithm:      "fastlz",
			HighRatioAlgorithm: "lzma",
		},
		Repo: RepoConfig{
			LargeBlobThreshold: 1024 * 1024,
			PullWorkers:        8,
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect: 10 * time.Second,
				Read:    30 * time.Second,
				Write:   300 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   1 * time.Second,
				MaxDelay:    30 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				CustomLabels: map[string]string{
					"service": "corevault",
				},
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv overlays environment variables onto an existing configuration.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("COREVAULT_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("COREVAULT_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("COREVAULT_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}

	if val := os.Getenv("COREVAULT_CHUNKER_TARGET_SIZE"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Chunker.TargetSize = size
		}
	}
	if val := os.Getenv("COREVAULT_PACKFILE_MAX_GROUP_BYTES"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Packfile.MaxGroupBytes = size
		}
	}
	if val := os.Getenv("COREVAULT_PACKFILE_HANDLE_CACHE_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			c.Packfile.HandleCacheSize = size
		}
	}
	if val := os.Getenv("COREVAULT_REPO_LARGE_BLOB_THRESHOLD"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Repo.LargeBlobThreshold = size
		}
	}
	if val := os.Getenv("COREVAULT_METRICS_ENABLED"); val != "" {
		c.Monitoring.Metrics.Enabled = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for internally-inconsistent values.
func (c *Configuration) Validate() error {
	if c.Chunker.MinSize <= 0 || c.Chunker.TargetSize <= c.Chunker.MinSize || c.Chunker.MaxSize <= c.Chunker.TargetSize {
		return fmt.Errorf("chunker sizes must satisfy 0 < min < target < max")
	}
	if c.Chunker.WindowSize <= 0 {
		return fmt.Errorf("chunker window_size must be greater than 0")
	}
	if c.Packfile.MaxObjectsPerGroup <= 0 {
		return fmt.Errorf("packfile max_objects_per_group must be greater than 0")
	}
	if c.Packfile.MaxGroupBytes <= 0 {
		return fmt.Errorf("packfile max_group_bytes must be greater than 0")
	}
	if c.Packfile.HandleCacheSize <= 0 {
		return fmt.Errorf("packfile handle_cache_size must be greater than 0")
	}
	if c.Codec.CompressRatioLimit <= 0 || c.Codec.CompressRatioLimit > 1 {
		return fmt.Errorf("codec compress_ratio_limit must be in (0, 1]")
	}
	if c.Repo.LargeBlobThreshold <= 0 {
		return fmt.Errorf("repo large_blob_threshold must be greater than 0")
	}
	if c.Global.MetricsPort != 0 && c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
