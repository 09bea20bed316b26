package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run status values stored on a watermark.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Watermark is the persisted per-tenant-per-source ingestion cursor.
// LastDate only moves forward, one day at a time, and is only advanced after
// that day's rows are durably written.
type Watermark struct {
	TenantKey     string
	SourceType    string
	LastDate      time.Time // UTC calendar day
	RowsProcessed int64
	LastRunAt     time.Time
	LastRunStatus string
}

// GetWatermark returns the tenant's watermark, or nil if none exists yet.
func (s *Store) GetWatermark(ctx context.Context, tenantKey, sourceType string) (*Watermark, error) {
	var (
		lastDate  string
		rows      int64
		lastRunAt int64
		status    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT last_date, rows_processed, last_run_at, last_run_status
		FROM watermarks
		WHERE tenant_key = ? AND source_type = ?
	`, tenantKey, sourceType).Scan(&lastDate, &rows, &lastRunAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watermark (%s, %s): %w", tenantKey, sourceType, err)
	}

	date, err := ParseDateKey(lastDate)
	if err != nil {
		return nil, err
	}

	return &Watermark{
		TenantKey:     tenantKey,
		SourceType:    sourceType,
		LastDate:      date,
		RowsProcessed: rows,
		LastRunAt:     time.Unix(lastRunAt, 0).UTC(),
		LastRunStatus: status,
	}, nil
}

// SetWatermark upserts the tenant's cursor. The conditional update keeps the
// forward-only invariant in the database itself: an older date never
// overwrites a newer one, even across racing processes.
func (s *Store) SetWatermark(ctx context.Context, wm Watermark) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watermarks (tenant_key, source_type, last_date, rows_processed, last_run_at, last_run_status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_key, source_type) DO UPDATE SET
			last_date = excluded.last_date,
			rows_processed = excluded.rows_processed,
			last_run_at = excluded.last_run_at,
			last_run_status = excluded.last_run_status
		WHERE excluded.last_date >= watermarks.last_date
	`, wm.TenantKey, wm.SourceType, DateKey(wm.LastDate),
		wm.RowsProcessed, wm.LastRunAt.UTC().Unix(), wm.LastRunStatus)
	if err != nil {
		return fmt.Errorf("set watermark (%s, %s): %w", wm.TenantKey, wm.SourceType, err)
	}

	s.logger.Debug().
		Str("tenant", wm.TenantKey).
		Str("source", wm.SourceType).
		Str("last_date", DateKey(wm.LastDate)).
		Int64("rows_processed", wm.RowsProcessed).
		Str("status", wm.LastRunStatus).
		Msg("Watermark updated")

	return nil
}
