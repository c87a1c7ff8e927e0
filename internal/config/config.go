// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CaptureConfig configures the headless rendering subsystem.
type CaptureConfig struct {
	MaxParallel       int     `mapstructure:"max_parallel"`
	NavTimeoutSec     int     `mapstructure:"nav_timeout_seconds"`
	SettleDelayMs     int     `mapstructure:"settle_delay_ms"`
	ScreenshotQuality int     `mapstructure:"screenshot_quality"`
	UserAgent         string  `mapstructure:"user_agent"`
	DomainRPS         float64 `mapstructure:"domain_rps"`
	DomainBurst       int     `mapstructure:"domain_burst"`
}

// JobsConfig governs the job broker and schedule bounds.
type JobsConfig struct {
	// Enabled selects the real broker. When false no jobs execute in this
	// process and job operations report the broker as unavailable.
	Enabled          bool `mapstructure:"enabled"`
	Concurrency      int  `mapstructure:"concurrency"`
	QueueDepth       int  `mapstructure:"queue_depth"`
	MinIntervalHours int  `mapstructure:"min_interval_hours"`
	MaxIntervalHours int  `mapstructure:"max_interval_hours"`
}

// RateLimitConfig tunes the shared request limiter.
type RateLimitConfig struct {
	RemoteTimeoutMs int `mapstructure:"remote_timeout_ms"`
}

// StorageConfig selects where screenshot blobs land.
type StorageConfig struct {
	// Provider is one of "gcs", "local", or "" for inline storage.
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory stores.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for capture-completed event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COMPETITRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("capture.max_parallel", 2)
	v.SetDefault("capture.nav_timeout_seconds", 60)
	v.SetDefault("capture.settle_delay_ms", 500)
	v.SetDefault("capture.screenshot_quality", 90)
	v.SetDefault("capture.user_agent", "competitrack-bot/0.1")
	v.SetDefault("capture.domain_rps", 0.5)
	v.SetDefault("capture.domain_burst", 1)
	v.SetDefault("jobs.enabled", true)
	v.SetDefault("jobs.concurrency", 3)
	v.SetDefault("jobs.queue_depth", 256)
	v.SetDefault("jobs.min_interval_hours", 1)
	v.SetDefault("jobs.max_interval_hours", 168)
	v.SetDefault("rate_limit.remote_timeout_ms", 2000)
	v.SetDefault("pubsub.topic_name", "capture-completed")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Capture.MaxParallel <= 0 {
		return fmt.Errorf("capture.max_parallel must be > 0")
	}
	if c.Capture.NavTimeoutSec <= 0 {
		return fmt.Errorf("capture.nav_timeout_seconds must be > 0")
	}
	if c.Jobs.Concurrency <= 0 {
		return fmt.Errorf("jobs.concurrency must be > 0")
	}
	if c.Jobs.MinIntervalHours < 1 {
		return fmt.Errorf("jobs.min_interval_hours must be >= 1")
	}
	if c.Jobs.MaxIntervalHours < c.Jobs.MinIntervalHours {
		return fmt.Errorf("jobs.max_interval_hours must be >= jobs.min_interval_hours")
	}
	switch c.Storage.Provider {
	case "", "gcs", "local":
	default:
		return fmt.Errorf("storage.provider must be gcs, local, or empty")
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when storage.provider is gcs")
	}
	if c.Storage.Provider == "local" && c.Storage.LocalDir == "" {
		return fmt.Errorf("storage.local_dir must be set when storage.provider is local")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	return nil
}

// ValidInterval reports whether a capture cadence falls inside the configured
// bounds.
func (c Config) ValidInterval(hours int) bool {
	return hours >= c.Jobs.MinIntervalHours && hours <= c.Jobs.MaxIntervalHours
}

// ServerTimeout converts the request timeout config into a duration.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// NavTimeout converts the navigation timeout config into a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Capture.NavTimeoutSec) * time.Second
}

// SettleDelay converts the settle delay config into a duration.
func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.Capture.SettleDelayMs) * time.Millisecond
}

// RemoteTimeout converts the limiter store timeout into a duration.
func (c Config) RemoteTimeout() time.Duration {
	return time.Duration(c.RateLimit.RemoteTimeoutMs) * time.Millisecond
}
