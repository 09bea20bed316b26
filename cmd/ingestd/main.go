// Command ingestd runs the rate-governed, resumable extraction of tenant
// metrics from the upstream export API into the warehouse.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/skylens/ingest-pacer/pkg/config"
	"github.com/skylens/ingest-pacer/pkg/fetch"
	"github.com/skylens/ingest-pacer/pkg/logging"
	"github.com/skylens/ingest-pacer/pkg/ratelimit"
	"github.com/skylens/ingest-pacer/pkg/scheduler"
	"github.com/skylens/ingest-pacer/pkg/warehouse"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "ingestd",
	Short:         "Rate-governed, resumable metric ingestion",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./ingestd.yaml)")
	rootCmd.AddCommand(runCmd, migrateCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, zerolog.Logger{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, zerolog.Logger{}, err
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
		Output: os.Stderr,
	})
	return cfg, logger, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one extraction pass across all configured tenants",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		wh, err := warehouse.Open(ctx, warehouse.Config{
			Path:      cfg.Warehouse.Path,
			URL:       cfg.Warehouse.URL,
			AuthToken: cfg.Warehouse.AuthToken,
		}, logging.NewLogger("warehouse"))
		if err != nil {
			return err
		}
		defer wh.Close()

		if err := wh.Migrate(ctx); err != nil {
			return err
		}

		gate, err := ratelimit.NewGate(gateConfig(cfg), logging.NewLogger("gate"))
		if err != nil {
			return err
		}

		fetcher, err := fetch.NewClient(fetch.Config{
			BaseURL:   cfg.API.BaseURL,
			UserAgent: cfg.API.UserAgent,
			Timeout:   time.Duration(cfg.API.TimeoutSeconds) * time.Second,
		}, logging.NewLogger("fetcher"))
		if err != nil {
			return err
		}

		sched, err := scheduler.New(gate, fetcher, wh, scheduler.Config{
			TenantKeys:            cfg.Tenants,
			SourceType:            cfg.SourceType,
			PageSize:              cfg.Extract.PageSize,
			IncrementalWindowDays: cfg.Extract.IncrementalWindowDays,
			InitialBackfillDays:   cfg.Extract.InitialBackfillDays,
			TenantConcurrency:     cfg.Extract.TenantConcurrency,
		}, logging.NewLogger("scheduler"))
		if err != nil {
			return err
		}

		var mirror *ratelimit.Mirror
		if cfg.Redis.Addr != "" {
			redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("connect to redis: %w", err)
			}
			mirror = ratelimit.NewMirror(redisClient, logging.NewLogger("mirror"))
		}

		if cfg.Metrics.Addr != "" {
			go serveMetrics(cfg.Metrics.Addr, logger)
		}

		// Publish the gate snapshot periodically while the run executes.
		if mirror != nil {
			go publishLoop(ctx, mirror, gate, logger)
		}

		logger.Info().
			Int("tenants", len(cfg.Tenants)).
			Str("source", cfg.SourceType).
			Msg("Starting extraction pass")

		reports := sched.Run(ctx)

		if mirror != nil {
			if err := mirror.Publish(context.Background(), gate.Snapshot()); err != nil {
				logger.Warn().Err(err).Msg("Final snapshot publish failed")
			}
		}

		var failed int
		for _, r := range reports {
			event := logger.Info()
			if r.Err != nil {
				failed++
				event = logger.Error().Err(r.Err)
			}
			event.
				Str("tenant", r.TenantKey).
				Str("mode", string(r.Mode)).
				Int("days_processed", r.DaysProcessed).
				Int64("rows_written", r.RowsWritten).
				Msg("Tenant report")
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d tenant runs failed", failed, len(reports))
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the warehouse schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		wh, err := warehouse.Open(ctx, warehouse.Config{
			Path:      cfg.Warehouse.Path,
			URL:       cfg.Warehouse.URL,
			AuthToken: cfg.Warehouse.AuthToken,
		}, logging.NewLogger("warehouse"))
		if err != nil {
			return err
		}
		defer wh.Close()

		return wh.Migrate(ctx)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the last published gate snapshot from redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Redis.Addr == "" {
			return errors.New("redis.addr is not configured")
		}

		ctx := cmd.Context()
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}

		mirror := ratelimit.NewMirror(redisClient, logging.NewLogger("mirror"))
		snap, publishedAt, err := mirror.Read(ctx)
		if err != nil {
			return err
		}

		out := struct {
			*ratelimit.Snapshot
			PublishedAt time.Time `json:"published_at"`
		}{snap, publishedAt}

		encoded, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
		return nil
	},
}

func gateConfig(cfg config.Config) ratelimit.GateConfig {
	return ratelimit.GateConfig{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		RequestsPerDay:    cfg.RateLimit.RequestsPerDay,
		BurstSize:         cfg.RateLimit.BurstSize,
		Cooldown:          time.Duration(cfg.RateLimit.CooldownSeconds) * time.Second,
		Backoff: ratelimit.BackoffConfig{
			BaseBackoff: time.Duration(cfg.RateLimit.BaseBackoffSeconds) * time.Second,
			MaxBackoff:  time.Duration(cfg.RateLimit.MaxBackoffSeconds) * time.Second,
			MaxRetries:  cfg.RateLimit.MaxRetries,
			Jitter:      cfg.RateLimit.JitterEnabled,
		},
	}
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})

	logger.Info().Str("addr", addr).Msg("Metrics listener started")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("Metrics listener failed")
	}
}

func publishLoop(ctx context.Context, mirror *ratelimit.Mirror, gate *ratelimit.AdmissionGate, logger zerolog.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := mirror.Publish(ctx, gate.Snapshot()); err != nil {
				logger.Warn().Err(err).Msg("Snapshot publish failed")
			}
		}
	}
}
