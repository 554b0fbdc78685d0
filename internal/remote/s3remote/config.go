package s3remote

import "time"

// Config configures an S3-backed Repo. It trims the teacher's storage/s3
// Config down to the knobs an object-transport actually needs: bucket
// addressing, client construction, and pool sizing. The cost/tiering/
// pricing knobs the teacher carries alongside these don't apply here —
// see DESIGN.md.
type Config struct {
	Bucket string `yaml:"bucket"`
	// Prefix namespaces every key this Repo writes, so several repos can
	// share one bucket.
	Prefix string `yaml:"prefix"`

	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	UseAccelerate  bool   `yaml:"use_accelerate"`
	UseDualStack   bool   `yaml:"use_dual_stack"`

	// AccessKeyID/SecretAccessKey/SessionToken, when AccessKeyID is set,
	// pin the client to a static credentials provider instead of the SDK's
	// default chain (env vars, shared config, instance role). Used for
	// pointing at a non-AWS S3-compatible endpoint (e.g. a test double)
	// that doesn't carry an IAM role.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`

	MaxRetries     int           `yaml:"max_retries"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PoolSize       int           `yaml:"pool_size"`
}

// NewDefaultConfig returns a Config with the same performance defaults the
// teacher's storage/s3 package ships.
func NewDefaultConfig(bucket string) *Config {
	return &Config{
		Bucket:         bucket,
		Prefix:         "corevault",
		MaxRetries:     3,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,
		PoolSize:       8,
	}
}
