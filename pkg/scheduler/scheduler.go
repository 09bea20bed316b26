package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/skylens/ingest-pacer/pkg/fetch"
	"github.com/skylens/ingest-pacer/pkg/ratelimit"
	"github.com/skylens/ingest-pacer/pkg/warehouse"
)

// Prometheus metrics for scheduler runs.
var (
	daysProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pacer_days_processed_total",
		Help: "Total extracted days by window mode",
	}, []string{"mode"})

	rowsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pacer_rows_written_total",
		Help: "Total rows upserted into the warehouse",
	})

	tenantRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pacer_tenant_runs_total",
		Help: "Total tenant runs by outcome",
	}, []string{"outcome"})

	tenantRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pacer_tenant_run_duration_seconds",
		Help:    "Duration of one tenant's run in seconds",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
	})
)

// Warehouse is the storage boundary the scheduler writes through. Writes
// must be idempotent on (tenant, date, dimension); see warehouse.Store.
type Warehouse interface {
	Upsert(ctx context.Context, rows []warehouse.Row) (int64, error)
	ExistsAnyRow(ctx context.Context, tenantKey string) (bool, error)
	GetWatermark(ctx context.Context, tenantKey, sourceType string) (*warehouse.Watermark, error)
	SetWatermark(ctx context.Context, wm warehouse.Watermark) error
}

// Config holds scheduler settings.
type Config struct {
	// TenantKeys are the tenants to extract, one worker per tenant up to
	// TenantConcurrency.
	TenantKeys []string

	// SourceType names the upstream data source in watermark rows.
	SourceType string

	// PageSize is the per-request row limit; a page with fewer rows ends
	// the day.
	PageSize int

	// IncrementalWindowDays caps one incremental run's range.
	IncrementalWindowDays int

	// InitialBackfillDays is the historical range used when a tenant has
	// no data yet.
	InitialBackfillDays int

	// TenantConcurrency is the number of parallel tenant workers. Days
	// within one tenant are always sequential.
	TenantConcurrency int

	// Now is the clock used for window computation. Defaults to time.Now.
	Now func() time.Time

	// Sleep suspends the caller for the gate's wait hints and backoff
	// delays, honoring context cancellation. Defaults to a timer-based
	// sleep; tests inject an instant one.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns safe scheduler defaults (tenants must still be set).
func DefaultConfig() Config {
	return Config{
		SourceType:            "ads",
		PageSize:              1000,
		IncrementalWindowDays: 30,
		InitialBackfillDays:   90,
		TenantConcurrency:     4,
	}
}

func (c Config) validate() error {
	if len(c.TenantKeys) == 0 {
		return fmt.Errorf("at least one tenant key is required")
	}
	if c.SourceType == "" {
		return fmt.Errorf("source type is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be > 0 (got %d)", c.PageSize)
	}
	if c.IncrementalWindowDays <= 0 {
		return fmt.Errorf("incremental_window_days must be > 0 (got %d)", c.IncrementalWindowDays)
	}
	if c.InitialBackfillDays <= 0 {
		return fmt.Errorf("initial_backfill_days must be > 0 (got %d)", c.InitialBackfillDays)
	}
	if c.TenantConcurrency <= 0 {
		return fmt.Errorf("tenant_concurrency must be > 0 (got %d)", c.TenantConcurrency)
	}
	return nil
}

// Report summarizes one tenant's run. A failed run still reports the partial
// range it completed before the error.
type Report struct {
	TenantKey     string
	Mode          Mode
	Window        Window
	DaysProcessed int
	RowsWritten   int64
	Err           error
}

// Scheduler runs one extraction pass across all configured tenants.
type Scheduler struct {
	gate    *ratelimit.AdmissionGate
	fetcher fetch.Fetcher
	wh      Warehouse
	cfg     Config
	logger  zerolog.Logger
}

// New creates a scheduler. The admission gate is shared with any other
// workers in the process; the scheduler never constructs its own.
func New(gate *ratelimit.AdmissionGate, fetcher fetch.Fetcher, wh Warehouse, cfg Config, logger zerolog.Logger) (*Scheduler, error) {
	if gate == nil {
		return nil, fmt.Errorf("admission gate is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if wh == nil {
		return nil, fmt.Errorf("warehouse is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}

	return &Scheduler{
		gate:    gate,
		fetcher: fetcher,
		wh:      wh,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes one extraction pass. Tenants run in parallel up to the
// configured concurrency; a failed tenant never stops the batch. Reports are
// returned in the order tenants were configured.
func (s *Scheduler) Run(ctx context.Context) []Report {
	reports := make([]Report, len(s.cfg.TenantKeys))

	tenantQueue := make(chan int, len(s.cfg.TenantKeys))
	for i := range s.cfg.TenantKeys {
		tenantQueue <- i
	}
	close(tenantQueue)

	var wg sync.WaitGroup
	for w := 0; w < s.cfg.TenantConcurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range tenantQueue {
				reports[idx] = s.runTenant(ctx, s.cfg.TenantKeys[idx])
			}
		}()
	}
	wg.Wait()

	return reports
}

// runState is the explicit per-tenant loop state threaded through
// advanceOneDay. Keeping it a value makes the write-then-advance ordering
// testable without a live fetcher or warehouse.
type runState struct {
	tenantKey string
	date      time.Time // next day to extract
	endDate   time.Time // inclusive

	daysProcessed int
	rowsWritten   int64

	// lastCommitted is the watermark written for the most recent
	// successful day, used to stamp a failure status without moving the
	// cursor.
	lastCommitted *warehouse.Watermark
}

func (st runState) done() bool {
	return st.date.After(st.endDate)
}

// runTenant extracts one tenant's window day by day.
func (s *Scheduler) runTenant(ctx context.Context, tenantKey string) Report {
	start := time.Now()
	defer func() {
		tenantRunDuration.Observe(time.Since(start).Seconds())
	}()

	logger := s.logger.With().Str("tenant", tenantKey).Logger()
	report := Report{TenantKey: tenantKey}

	hasData, err := s.wh.ExistsAnyRow(ctx, tenantKey)
	if err != nil {
		report.Err = fmt.Errorf("probe existing data: %w", err)
		tenantRunsTotal.WithLabelValues("failed").Inc()
		return report
	}

	var wm *warehouse.Watermark
	if hasData {
		wm, err = s.wh.GetWatermark(ctx, tenantKey, s.cfg.SourceType)
		if err != nil {
			report.Err = err
			tenantRunsTotal.WithLabelValues("failed").Inc()
			return report
		}
	}

	window, ok := computeWindow(hasData, wm, s.cfg.InitialBackfillDays, s.cfg.IncrementalWindowDays, s.cfg.Now())
	if !ok {
		logger.Info().Msg("Tenant already current, nothing to extract")
		tenantRunsTotal.WithLabelValues("current").Inc()
		return report
	}
	report.Mode = window.Mode
	report.Window = window

	logger.Info().
		Str("mode", string(window.Mode)).
		Str("start", warehouse.DateKey(window.Start)).
		Str("end", warehouse.DateKey(window.End)).
		Int("days", window.Days()).
		Msg("Starting tenant extraction")

	st := runState{
		tenantKey: tenantKey,
		date:      window.Start,
		endDate:   window.End,
	}

	for !st.done() {
		// Cancellation is only honored between days so an interrupted
		// day is simply re-fetched in full on the next run.
		if err := ctx.Err(); err != nil {
			report.Err = err
			break
		}

		st, err = s.advanceOneDay(ctx, st)
		if err != nil {
			report.Err = err
			break
		}
		daysProcessedTotal.WithLabelValues(string(window.Mode)).Inc()
	}

	report.DaysProcessed = st.daysProcessed
	report.RowsWritten = st.rowsWritten

	if report.Err != nil {
		logger.Error().
			Err(report.Err).
			Str("failed_date", warehouse.DateKey(st.date)).
			Int("days_processed", st.daysProcessed).
			Msg("Tenant extraction aborted")
		tenantRunsTotal.WithLabelValues("failed").Inc()
		s.markRunFailed(ctx, st)
		return report
	}

	logger.Info().
		Int("days_processed", st.daysProcessed).
		Int64("rows_written", st.rowsWritten).
		Msg("Tenant extraction complete")
	tenantRunsTotal.WithLabelValues("success").Inc()
	return report
}

// markRunFailed stamps a failure status on the existing watermark without
// moving the cursor. A tenant with no committed days keeps no watermark.
func (s *Scheduler) markRunFailed(ctx context.Context, st runState) {
	if st.lastCommitted == nil {
		return
	}
	failed := *st.lastCommitted
	failed.LastRunStatus = warehouse.StatusFailed
	failed.LastRunAt = s.cfg.Now()
	if err := s.wh.SetWatermark(ctx, failed); err != nil {
		s.logger.Warn().
			Err(err).
			Str("tenant", st.tenantKey).
			Msg("Failed to record run failure on watermark")
	}
}

// advanceOneDay fetches, writes, and commits exactly one day, then returns
// the state advanced to the next day. The ordering inside is the core
// invariant: rows are durably written before the watermark moves, so a crash
// between the two causes a harmless idempotent re-upsert, never a skipped
// day.
func (s *Scheduler) advanceOneDay(ctx context.Context, st runState) (runState, error) {
	rows, err := s.fetchDay(ctx, st.tenantKey, st.date)
	if err != nil {
		return st, err
	}

	var written int64
	if len(rows) > 0 {
		written, err = s.wh.Upsert(ctx, rows)
		if err != nil {
			return st, fmt.Errorf("upsert %s: %w", warehouse.DateKey(st.date), err)
		}
		rowsWrittenTotal.Add(float64(written))
	}

	// An empty day still advances the watermark so it is not re-fetched.
	wm := warehouse.Watermark{
		TenantKey:     st.tenantKey,
		SourceType:    s.cfg.SourceType,
		LastDate:      st.date,
		RowsProcessed: written,
		LastRunAt:     s.cfg.Now(),
		LastRunStatus: warehouse.StatusSuccess,
	}
	if err := s.wh.SetWatermark(ctx, wm); err != nil {
		return st, fmt.Errorf("advance watermark to %s: %w", warehouse.DateKey(st.date), err)
	}

	st.lastCommitted = &wm
	st.daysProcessed++
	st.rowsWritten += written
	st.date = st.date.AddDate(0, 0, 1)
	return st, nil
}

// fetchDay pulls every page of one day through the admission gate,
// retrying throttled and transient failures with the gate's backoff.
func (s *Scheduler) fetchDay(ctx context.Context, tenantKey string, day time.Time) ([]warehouse.Row, error) {
	var rows []warehouse.Row
	startRow := 0

	for {
		page, err := s.fetchPage(ctx, tenantKey, day, startRow)
		if err != nil {
			return nil, err
		}
		rows = append(rows, page.Rows...)
		if !page.HasMore {
			return rows, nil
		}
		startRow += len(page.Rows)
	}
}

// fetchPage acquires a gate slot, issues one page request, and handles the
// retry loop for retryable failures. Permanent and client errors abort
// immediately.
func (s *Scheduler) fetchPage(ctx context.Context, tenantKey string, day time.Time, startRow int) (*fetch.Page, error) {
	for {
		if err := s.acquireSlot(ctx, tenantKey); err != nil {
			return nil, err
		}

		page, err := s.fetcher.FetchDay(ctx, tenantKey, day, startRow, s.cfg.PageSize)
		if err == nil {
			s.gate.RecordSuccess()
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		class, ok := fetch.ClassOf(err)
		if !ok || !class.Retryable() {
			return nil, fmt.Errorf("fetch %s page at row %d: %w", warehouse.DateKey(day), startRow, err)
		}

		s.gate.RecordFailure(class == fetch.ClassThrottled)
		if !s.gate.ShouldRetry() {
			return nil, fmt.Errorf("retries exhausted fetching %s: %w", warehouse.DateKey(day), err)
		}

		delay := s.gate.BackoffDelay()
		s.logger.Warn().
			Str("tenant", tenantKey).
			Str("date", warehouse.DateKey(day)).
			Str("class", string(class)).
			Dur("backoff", delay).
			Msg("Retrying page after backoff")
		if err := s.cfg.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// acquireSlot loops on the gate until a slot is granted, sleeping the
// returned wait hint each time it is told to wait.
func (s *Scheduler) acquireSlot(ctx context.Context, tenantKey string) error {
	for {
		adm := s.gate.Acquire(tenantKey)
		if adm.State == ratelimit.Granted {
			return nil
		}
		if err := s.cfg.Sleep(ctx, adm.Wait); err != nil {
			return err
		}
	}
}
