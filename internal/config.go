package internal

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AdaptiveParallelismConfig tunes the Coordinator's concurrency feedback
// loop (§4.G).
type AdaptiveParallelismConfig struct {
	Enabled               bool    `mapstructure:"enabled"`
	TargetSpeedPerSegment float64 `mapstructure:"target_speed_per_segment"`
	BackpressureThreshold int     `mapstructure:"backpressure_threshold"`
}

// BreakerConfig tunes the Failure Breaker (§4.C).
type BreakerConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	FailureThreshold int  `mapstructure:"failure_threshold"`
	SuccessThreshold int  `mapstructure:"success_threshold"`
	ResetTimeoutMs   int  `mapstructure:"reset_timeout_ms"`
}

// MergeConfig tunes the Merge Worker (§4.H).
type MergeConfig struct {
	BufferBytes       int64 `mapstructure:"buffer_bytes"`
	BatchBytes        int64 `mapstructure:"batch_bytes"`
	YieldEveryNBatches int  `mapstructure:"yield_every_n_batches"`
}

// Config is the full configuration surface exposed to the enclosing
// host, per §6.
type Config struct {
	MaxConcurrentSegments int `mapstructure:"max_concurrent_segments"`
	MaxSegments           int `mapstructure:"max_segments"`
	MinSegmentBytes       int64 `mapstructure:"min_segment_bytes"`
	DefaultSegments       int `mapstructure:"default_segments"`
	SmallFileCutoff       int64 `mapstructure:"small_file_cutoff"`

	MinWriteBuffer     int `mapstructure:"min_write_buffer"`
	MaxWriteBuffer     int `mapstructure:"max_write_buffer"`
	DefaultWriteBuffer int `mapstructure:"default_write_buffer"`

	RetryMax              int `mapstructure:"retry_max"`
	ProgressMinIntervalMs int `mapstructure:"progress_min_interval_ms"`
	UpdateBatchFlushMs    int `mapstructure:"update_batch_flush_ms"`

	AdaptiveParallelism AdaptiveParallelismConfig `mapstructure:"adaptive_parallelism"`
	Breaker             BreakerConfig             `mapstructure:"breaker"`
	Merge               MergeConfig               `mapstructure:"merge"`

	Preallocate    bool `mapstructure:"preallocate"`
	UseWorkerThread bool `mapstructure:"use_worker_thread"`

	// Ambient / CLI-facing fields, not part of the engine's §6 surface
	// but carried the way the teacher's Config carries its own.
	RateLimit int64  `mapstructure:"rate_limit"`
	ProxyURL  string `mapstructure:"proxy_url"`
	LogLevel  string `mapstructure:"log_level"`
	LogFile   string `mapstructure:"log_file"`
	Quiet     bool   `mapstructure:"quiet"`
	StorePath string `mapstructure:"store_path"`
}

// DefaultConfig returns the engine defaults named throughout §4.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentSegments: 8,
		MaxSegments:           16,
		MinSegmentBytes:       5 * 1024 * 1024,
		DefaultSegments:       4,
		SmallFileCutoff:       5 * 1024 * 1024,

		MinWriteBuffer:     64 * 1024,
		MaxWriteBuffer:     1024 * 1024,
		DefaultWriteBuffer: 256 * 1024,

		RetryMax:              5,
		ProgressMinIntervalMs: 50,
		UpdateBatchFlushMs:    2000,

		AdaptiveParallelism: AdaptiveParallelismConfig{
			Enabled:               true,
			TargetSpeedPerSegment: 1024 * 1024,
			BackpressureThreshold: 3,
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 10,
			SuccessThreshold: 3,
			ResetTimeoutMs:   30_000,
		},
		Merge: MergeConfig{
			BufferBytes:        16 * 1024 * 1024,
			BatchBytes:         8 * 1024 * 1024,
			YieldEveryNBatches: 4,
		},

		Preallocate:     true,
		UseWorkerThread: true,

		LogLevel:  "info",
		LogFile:   "",
		Quiet:     false,
		StorePath: "segfetch.db",
	}
}

// LoadConfig reads a `.env` file (if present, via godotenv) ahead of
// environment binding, then layers viper over the process environment
// under the SEGFETCH_ prefix, falling back to DefaultConfig for
// anything unset.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	v.SetEnvPrefix("SEGFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultConfig()
	bindDefaults(v, def)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func bindDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("max_concurrent_segments", def.MaxConcurrentSegments)
	v.SetDefault("max_segments", def.MaxSegments)
	v.SetDefault("min_segment_bytes", def.MinSegmentBytes)
	v.SetDefault("default_segments", def.DefaultSegments)
	v.SetDefault("small_file_cutoff", def.SmallFileCutoff)
	v.SetDefault("min_write_buffer", def.MinWriteBuffer)
	v.SetDefault("max_write_buffer", def.MaxWriteBuffer)
	v.SetDefault("default_write_buffer", def.DefaultWriteBuffer)
	v.SetDefault("retry_max", def.RetryMax)
	v.SetDefault("progress_min_interval_ms", def.ProgressMinIntervalMs)
	v.SetDefault("update_batch_flush_ms", def.UpdateBatchFlushMs)
	v.SetDefault("adaptive_parallelism.enabled", def.AdaptiveParallelism.Enabled)
	v.SetDefault("adaptive_parallelism.target_speed_per_segment", def.AdaptiveParallelism.TargetSpeedPerSegment)
	v.SetDefault("adaptive_parallelism.backpressure_threshold", def.AdaptiveParallelism.BackpressureThreshold)
	v.SetDefault("breaker.enabled", def.Breaker.Enabled)
	v.SetDefault("breaker.failure_threshold", def.Breaker.FailureThreshold)
	v.SetDefault("breaker.success_threshold", def.Breaker.SuccessThreshold)
	v.SetDefault("breaker.reset_timeout_ms", def.Breaker.ResetTimeoutMs)
	v.SetDefault("merge.buffer_bytes", def.Merge.BufferBytes)
	v.SetDefault("merge.batch_bytes", def.Merge.BatchBytes)
	v.SetDefault("merge.yield_every_n_batches", def.Merge.YieldEveryNBatches)
	v.SetDefault("preallocate", def.Preallocate)
	v.SetDefault("use_worker_thread", def.UseWorkerThread)
	v.SetDefault("rate_limit", def.RateLimit)
	v.SetDefault("proxy_url", def.ProxyURL)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_file", def.LogFile)
	v.SetDefault("quiet", def.Quiet)
	v.SetDefault("store_path", def.StorePath)
}

// Validate rejects out-of-range configuration values.
func (c *Config) Validate() error {
	if c.MaxConcurrentSegments < 2 {
		return fmt.Errorf("max_concurrent_segments must be >= 2, got %d", c.MaxConcurrentSegments)
	}
	if c.MaxSegments < c.MaxConcurrentSegments {
		return fmt.Errorf("max_segments (%d) must be >= max_concurrent_segments (%d)", c.MaxSegments, c.MaxConcurrentSegments)
	}
	if c.MinSegmentBytes <= 0 {
		return fmt.Errorf("min_segment_bytes must be > 0, got %d", c.MinSegmentBytes)
	}
	if c.DefaultSegments < 1 {
		return fmt.Errorf("default_segments must be >= 1, got %d", c.DefaultSegments)
	}
	if c.SmallFileCutoff < 0 {
		return fmt.Errorf("small_file_cutoff must be >= 0, got %d", c.SmallFileCutoff)
	}
	if c.MinWriteBuffer <= 0 || c.MaxWriteBuffer < c.MinWriteBuffer {
		return fmt.Errorf("invalid write buffer bounds: min=%d max=%d", c.MinWriteBuffer, c.MaxWriteBuffer)
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("retry_max must be >= 0, got %d", c.RetryMax)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker.success_threshold must be >= 1, got %d", c.Breaker.SuccessThreshold)
	}
	if c.Merge.BatchBytes <= 0 || c.Merge.BufferBytes < c.Merge.BatchBytes {
		return fmt.Errorf("invalid merge buffer bounds: batch=%d buffer=%d", c.Merge.BatchBytes, c.Merge.BufferBytes)
	}
	return nil
}
