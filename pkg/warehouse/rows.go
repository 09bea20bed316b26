package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// dateLayout is the canonical day encoding used in warehouse keys.
const dateLayout = "2006-01-02"

// Row is one day's metrics for one dimension of one tenant. The natural key
// (tenant, date, dimension) makes writes idempotent: re-upserting the same
// day overwrites the metric columns, last write wins.
type Row struct {
	TenantKey   string
	EventDate   time.Time // UTC calendar day
	Dimension   string
	Impressions int64
	Clicks      int64
	CostMicros  int64
}

// DateKey formats a time as a warehouse day key.
func DateKey(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// ParseDateKey parses a warehouse day key into a UTC midnight time.
func ParseDateKey(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date key %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Upsert writes rows idempotently on the natural key and returns the number
// of rows written. All rows are written in one transaction so a crash never
// leaves a partial day followed by a watermark advance.
func (s *Store) Upsert(ctx context.Context, rows []Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metric_rows (tenant_key, event_date, dimension, impressions, clicks, cost_micros, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_key, event_date, dimension) DO UPDATE SET
			impressions = excluded.impressions,
			clicks = excluded.clicks,
			cost_micros = excluded.cost_micros,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Unix()
	var written int64
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			row.TenantKey, DateKey(row.EventDate), row.Dimension,
			row.Impressions, row.Clicks, row.CostMicros, now,
		); err != nil {
			return 0, fmt.Errorf("upsert row (%s, %s, %s): %w",
				row.TenantKey, DateKey(row.EventDate), row.Dimension, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}

	s.logger.Debug().
		Str("tenant", rows[0].TenantKey).
		Int64("rows", written).
		Msg("Upserted metric rows")

	return written, nil
}

// ExistsAnyRow reports whether any row exists for the tenant. The scheduler
// uses this probe to choose between backfill and incremental windows.
func (s *Store) ExistsAnyRow(ctx context.Context, tenantKey string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM metric_rows WHERE tenant_key = ? LIMIT 1`, tenantKey,
	).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("probe tenant rows: %w", err)
}
