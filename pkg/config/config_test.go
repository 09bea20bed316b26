package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v, want nil", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero requests per minute", func(c *Config) { c.RateLimit.RequestsPerMinute = 0 }},
		{"negative requests per day", func(c *Config) { c.RateLimit.RequestsPerDay = -1 }},
		{"zero burst size", func(c *Config) { c.RateLimit.BurstSize = 0 }},
		{"negative cooldown", func(c *Config) { c.RateLimit.CooldownSeconds = -1 }},
		{"zero max retries", func(c *Config) { c.RateLimit.MaxRetries = 0 }},
		{"zero base backoff", func(c *Config) { c.RateLimit.BaseBackoffSeconds = 0 }},
		{"max backoff below base", func(c *Config) { c.RateLimit.MaxBackoffSeconds = 1 }},
		{"zero page size", func(c *Config) { c.Extract.PageSize = 0 }},
		{"zero incremental window", func(c *Config) { c.Extract.IncrementalWindowDays = 0 }},
		{"zero backfill days", func(c *Config) { c.Extract.InitialBackfillDays = 0 }},
		{"zero tenant concurrency", func(c *Config) { c.Extract.TenantConcurrency = 0 }},
		{"no warehouse target", func(c *Config) { c.Warehouse.Path = ""; c.Warehouse.URL = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() error = nil, want error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Default()
	if cfg.RateLimit.RequestsPerMinute != want.RateLimit.RequestsPerMinute {
		t.Errorf("requests_per_minute = %d, want %d",
			cfg.RateLimit.RequestsPerMinute, want.RateLimit.RequestsPerMinute)
	}
	if cfg.Extract.PageSize != want.Extract.PageSize {
		t.Errorf("page_size = %d, want %d", cfg.Extract.PageSize, want.Extract.PageSize)
	}
	if cfg.SourceType != "ads" {
		t.Errorf("source_type = %q, want ads", cfg.SourceType)
	}
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() with missing explicit file error = nil, want error")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingestd.yaml")
	content := []byte(`
tenants:
  - tenant-a
  - tenant-b
rate_limit:
  requests_per_minute: 120
  burst_size: 20
extract:
  page_size: 500
api:
  base_url: https://api.example.com
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Tenants) != 2 || cfg.Tenants[0] != "tenant-a" {
		t.Errorf("tenants = %v, want [tenant-a tenant-b]", cfg.Tenants)
	}
	if cfg.RateLimit.RequestsPerMinute != 120 {
		t.Errorf("requests_per_minute = %d, want 120", cfg.RateLimit.RequestsPerMinute)
	}
	if cfg.RateLimit.BurstSize != 20 {
		t.Errorf("burst_size = %d, want 20", cfg.RateLimit.BurstSize)
	}
	if cfg.Extract.PageSize != 500 {
		t.Errorf("page_size = %d, want 500", cfg.Extract.PageSize)
	}
	if cfg.API.BaseURL != "https://api.example.com" {
		t.Errorf("base_url = %q, want https://api.example.com", cfg.API.BaseURL)
	}

	// Untouched settings keep their defaults.
	if cfg.RateLimit.RequestsPerDay != Default().RateLimit.RequestsPerDay {
		t.Errorf("requests_per_day = %d, want default %d",
			cfg.RateLimit.RequestsPerDay, Default().RateLimit.RequestsPerDay)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingestd.yaml")
	if err := os.WriteFile(path, []byte("rate_limit:\n  requests_per_minute: 120\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("INGESTD_RATE_LIMIT_REQUESTS_PER_MINUTE", "240")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RateLimit.RequestsPerMinute != 240 {
		t.Errorf("requests_per_minute = %d, want env override 240", cfg.RateLimit.RequestsPerMinute)
	}
}
