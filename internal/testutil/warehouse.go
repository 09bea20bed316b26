package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/skylens/ingest-pacer/pkg/warehouse"
)

// ErrInjected is returned by injected warehouse failures.
var ErrInjected = errors.New("injected warehouse failure")

// MemWarehouse is an in-memory warehouse with the same idempotence and
// forward-only watermark semantics as the libsql store, plus failure
// injection for crash simulations. Safe for concurrent use.
type MemWarehouse struct {
	mu         sync.Mutex
	rows       map[string]warehouse.Row       // tenant|date|dimension
	watermarks map[string]warehouse.Watermark // tenant|source
	upserts    map[string]int                 // upsert batches per tenant|date

	failSetWatermark int
	failUpsert       int
}

// NewMemWarehouse creates an empty warehouse.
func NewMemWarehouse() *MemWarehouse {
	return &MemWarehouse{
		rows:       make(map[string]warehouse.Row),
		watermarks: make(map[string]warehouse.Watermark),
		upserts:    make(map[string]int),
	}
}

func rowKey(r warehouse.Row) string {
	return r.TenantKey + "|" + warehouse.DateKey(r.EventDate) + "|" + r.Dimension
}

func wmKey(tenant, source string) string {
	return tenant + "|" + source
}

// FailNextSetWatermark makes the next n SetWatermark calls fail, simulating
// a crash after rows were written but before the cursor advanced.
func (w *MemWarehouse) FailNextSetWatermark(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failSetWatermark = n
}

// FailNextUpsert makes the next n Upsert calls fail.
func (w *MemWarehouse) FailNextUpsert(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failUpsert = n
}

// Upsert implements the scheduler's warehouse boundary.
func (w *MemWarehouse) Upsert(ctx context.Context, rows []warehouse.Row) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failUpsert > 0 {
		w.failUpsert--
		return 0, ErrInjected
	}
	if len(rows) == 0 {
		return 0, nil
	}

	for _, r := range rows {
		w.rows[rowKey(r)] = r
	}
	w.upserts[rows[0].TenantKey+"|"+warehouse.DateKey(rows[0].EventDate)]++
	return int64(len(rows)), nil
}

// ExistsAnyRow reports whether the tenant has any stored row.
func (w *MemWarehouse) ExistsAnyRow(ctx context.Context, tenantKey string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, r := range w.rows {
		if r.TenantKey == tenantKey {
			return true, nil
		}
	}
	return false, nil
}

// GetWatermark returns the tenant's watermark, or nil if none exists.
func (w *MemWarehouse) GetWatermark(ctx context.Context, tenantKey, sourceType string) (*warehouse.Watermark, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	wm, ok := w.watermarks[wmKey(tenantKey, sourceType)]
	if !ok {
		return nil, nil
	}
	copied := wm
	return &copied, nil
}

// SetWatermark upserts the cursor with the same forward-only guard as the
// real store: an older date never overwrites a newer one.
func (w *MemWarehouse) SetWatermark(ctx context.Context, wm warehouse.Watermark) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failSetWatermark > 0 {
		w.failSetWatermark--
		return ErrInjected
	}

	key := wmKey(wm.TenantKey, wm.SourceType)
	if existing, ok := w.watermarks[key]; ok && wm.LastDate.Before(existing.LastDate) {
		return nil
	}
	w.watermarks[key] = wm
	return nil
}

// RowCount returns the number of distinct stored rows.
func (w *MemWarehouse) RowCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows)
}

// Row returns a stored row by its natural key.
func (w *MemWarehouse) Row(tenant string, day time.Time, dimension string) (warehouse.Row, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rows[tenant+"|"+warehouse.DateKey(day)+"|"+dimension]
	return r, ok
}

// Watermark returns the stored cursor for a tenant and source.
func (w *MemWarehouse) Watermark(tenant, source string) (warehouse.Watermark, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wm, ok := w.watermarks[wmKey(tenant, source)]
	return wm, ok
}

// UpsertBatches returns how many upsert batches were written for one tenant
// day. Two batches means the day was re-fetched and re-upserted once.
func (w *MemWarehouse) UpsertBatches(tenant string, day time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.upserts[tenant+"|"+warehouse.DateKey(day)]
}

// SeedRow stores a row directly, bypassing Upsert accounting.
func (w *MemWarehouse) SeedRow(r warehouse.Row) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows[rowKey(r)] = r
}

// SeedWatermark stores a cursor directly.
func (w *MemWarehouse) SeedWatermark(wm warehouse.Watermark) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watermarks[wmKey(wm.TenantKey, wm.SourceType)] = wm
}
