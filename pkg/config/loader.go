package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional yaml file and INGESTD_*
// environment variables, layered over Default(). A missing file is only an
// error when a path was given explicitly.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ingestd")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ingestd")
	}

	v.SetEnvPrefix("INGESTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("tenants", d.Tenants)
	v.SetDefault("source_type", d.SourceType)

	v.SetDefault("rate_limit.requests_per_minute", d.RateLimit.RequestsPerMinute)
	v.SetDefault("rate_limit.requests_per_day", d.RateLimit.RequestsPerDay)
	v.SetDefault("rate_limit.burst_size", d.RateLimit.BurstSize)
	v.SetDefault("rate_limit.cooldown_seconds", d.RateLimit.CooldownSeconds)
	v.SetDefault("rate_limit.max_retries", d.RateLimit.MaxRetries)
	v.SetDefault("rate_limit.base_backoff_seconds", d.RateLimit.BaseBackoffSeconds)
	v.SetDefault("rate_limit.max_backoff_seconds", d.RateLimit.MaxBackoffSeconds)
	v.SetDefault("rate_limit.jitter_enabled", d.RateLimit.JitterEnabled)

	v.SetDefault("extract.page_size", d.Extract.PageSize)
	v.SetDefault("extract.incremental_window_days", d.Extract.IncrementalWindowDays)
	v.SetDefault("extract.initial_backfill_days", d.Extract.InitialBackfillDays)
	v.SetDefault("extract.tenant_concurrency", d.Extract.TenantConcurrency)

	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.user_agent", d.API.UserAgent)
	v.SetDefault("api.timeout_seconds", d.API.TimeoutSeconds)

	v.SetDefault("warehouse.path", d.Warehouse.Path)
	v.SetDefault("warehouse.url", d.Warehouse.URL)
	v.SetDefault("warehouse.auth_token", d.Warehouse.AuthToken)

	v.SetDefault("redis.addr", d.Redis.Addr)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.pretty", d.Logging.Pretty)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
}
