package warehouse

import (
	"context"
	"errors"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS metric_rows (
		tenant_key TEXT NOT NULL,
		event_date TEXT NOT NULL,
		dimension TEXT NOT NULL,
		impressions INTEGER NOT NULL DEFAULT 0,
		clicks INTEGER NOT NULL DEFAULT 0,
		cost_micros INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_key, event_date, dimension)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_metric_rows_date ON metric_rows(event_date);`,
	`CREATE TABLE IF NOT EXISTS watermarks (
		tenant_key TEXT NOT NULL,
		source_type TEXT NOT NULL,
		last_date TEXT NOT NULL,
		rows_processed INTEGER NOT NULL DEFAULT 0,
		last_run_at INTEGER NOT NULL,
		last_run_status TEXT NOT NULL,
		PRIMARY KEY (tenant_key, source_type)
	);`,
}

// Migrate ensures the required warehouse tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("warehouse is not initialized")
	}

	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("warehouse migration failed: %w", err)
		}
	}

	s.logger.Debug().Msg("Warehouse schema ensured")
	return nil
}
