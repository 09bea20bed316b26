// Package config defines the ingestd configuration surface and its viper
// loader. All options have safe defaults; absence of any option is not an
// error, but invalid values fail fast before any scheduling begins.
package config

import (
	"errors"
	"fmt"
)

// Config is the full ingestd configuration.
type Config struct {
	Tenants    []string `mapstructure:"tenants"`
	SourceType string   `mapstructure:"source_type"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	API       APIConfig       `mapstructure:"api"`
	Warehouse WarehouseConfig `mapstructure:"warehouse"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// RateLimitConfig configures the admission gate.
type RateLimitConfig struct {
	RequestsPerMinute  int  `mapstructure:"requests_per_minute"`
	RequestsPerDay     int  `mapstructure:"requests_per_day"`
	BurstSize          int  `mapstructure:"burst_size"`
	CooldownSeconds    int  `mapstructure:"cooldown_seconds"`
	MaxRetries         int  `mapstructure:"max_retries"`
	BaseBackoffSeconds int  `mapstructure:"base_backoff_seconds"`
	MaxBackoffSeconds  int  `mapstructure:"max_backoff_seconds"`
	JitterEnabled      bool `mapstructure:"jitter_enabled"`
}

// ExtractConfig configures the ingestion scheduler.
type ExtractConfig struct {
	PageSize              int `mapstructure:"page_size"`
	IncrementalWindowDays int `mapstructure:"incremental_window_days"`
	InitialBackfillDays   int `mapstructure:"initial_backfill_days"`
	TenantConcurrency     int `mapstructure:"tenant_concurrency"`
}

// APIConfig configures the upstream export API client.
type APIConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// WarehouseConfig configures the libsql warehouse connection.
type WarehouseConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// RedisConfig configures the optional gate snapshot mirror.
// An empty Addr disables the mirror.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// MetricsConfig configures the /metrics and /healthz HTTP listener.
// An empty Addr disables the listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		SourceType: "ads",
		RateLimit: RateLimitConfig{
			RequestsPerMinute:  60,
			RequestsPerDay:     10000,
			BurstSize:          10,
			CooldownSeconds:    0,
			MaxRetries:         5,
			BaseBackoffSeconds: 2,
			MaxBackoffSeconds:  300,
			JitterEnabled:      true,
		},
		Extract: ExtractConfig{
			PageSize:              1000,
			IncrementalWindowDays: 30,
			InitialBackfillDays:   90,
			TenantConcurrency:     4,
		},
		API: APIConfig{
			UserAgent:      "ingest-pacer/1.0",
			TimeoutSeconds: 30,
		},
		Warehouse: WarehouseConfig{
			Path: "data/warehouse.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// ErrInvalidConfig marks configuration validation failures so callers can
// distinguish them from runtime errors.
var ErrInvalidConfig = errors.New("invalid configuration")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks every numeric setting. It is called once at startup,
// before any scheduling begins.
func (c Config) Validate() error {
	rl := c.RateLimit
	if rl.RequestsPerMinute <= 0 {
		return invalidf("requests_per_minute must be > 0 (got %d)", rl.RequestsPerMinute)
	}
	if rl.RequestsPerDay <= 0 {
		return invalidf("requests_per_day must be > 0 (got %d)", rl.RequestsPerDay)
	}
	if rl.BurstSize <= 0 {
		return invalidf("burst_size must be > 0 (got %d)", rl.BurstSize)
	}
	if rl.CooldownSeconds < 0 {
		return invalidf("cooldown_seconds must be >= 0 (got %d)", rl.CooldownSeconds)
	}
	if rl.MaxRetries <= 0 {
		return invalidf("max_retries must be > 0 (got %d)", rl.MaxRetries)
	}
	if rl.BaseBackoffSeconds <= 0 {
		return invalidf("base_backoff_seconds must be > 0 (got %d)", rl.BaseBackoffSeconds)
	}
	if rl.MaxBackoffSeconds < rl.BaseBackoffSeconds {
		return invalidf("max_backoff_seconds must be >= base_backoff_seconds (got %d < %d)",
			rl.MaxBackoffSeconds, rl.BaseBackoffSeconds)
	}

	ex := c.Extract
	if ex.PageSize <= 0 {
		return invalidf("page_size must be > 0 (got %d)", ex.PageSize)
	}
	if ex.IncrementalWindowDays <= 0 {
		return invalidf("incremental_window_days must be > 0 (got %d)", ex.IncrementalWindowDays)
	}
	if ex.InitialBackfillDays <= 0 {
		return invalidf("initial_backfill_days must be > 0 (got %d)", ex.InitialBackfillDays)
	}
	if ex.TenantConcurrency <= 0 {
		return invalidf("tenant_concurrency must be > 0 (got %d)", ex.TenantConcurrency)
	}

	if c.Warehouse.Path == "" && c.Warehouse.URL == "" {
		return invalidf("warehouse path or url is required")
	}

	return nil
}
