// Package testutil provides test doubles for the scheduler: a scripted
// fetcher standing in for the upstream export API, and an in-memory
// warehouse with failure injection.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/skylens/ingest-pacer/pkg/fetch"
	"github.com/skylens/ingest-pacer/pkg/warehouse"
)

// ScriptedFetcher serves pre-seeded rows per (tenant, day), paginating the
// way the real API does, and can queue one-shot errors ahead of the data.
// Safe for concurrent use.
type ScriptedFetcher struct {
	mu    sync.Mutex
	days  map[string][]warehouse.Row
	errs  map[string][]error
	calls map[string]int
	total int
}

// NewScriptedFetcher creates an empty fetcher; unseeded days return zero rows.
func NewScriptedFetcher() *ScriptedFetcher {
	return &ScriptedFetcher{
		days:  make(map[string][]warehouse.Row),
		errs:  make(map[string][]error),
		calls: make(map[string]int),
	}
}

func dayKey(tenant string, day time.Time) string {
	return tenant + "|" + warehouse.DateKey(day)
}

// SetDay seeds the rows the fetcher returns for one tenant day.
func (f *ScriptedFetcher) SetDay(tenant string, day time.Time, rows []warehouse.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.days[dayKey(tenant, day)] = rows
}

// QueueError makes the next fetch for the tenant day fail with err. Queued
// errors are consumed in order before any rows are served.
func (f *ScriptedFetcher) QueueError(tenant string, day time.Time, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := dayKey(tenant, day)
	f.errs[key] = append(f.errs[key], err)
}

// FetchDay implements fetch.Fetcher.
func (f *ScriptedFetcher) FetchDay(ctx context.Context, tenant string, day time.Time, startRow, pageSize int) (*fetch.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := dayKey(tenant, day)
	f.calls[key]++
	f.total++

	if queued := f.errs[key]; len(queued) > 0 {
		err := queued[0]
		f.errs[key] = queued[1:]
		return nil, err
	}

	all := f.days[key]
	if startRow >= len(all) {
		return &fetch.Page{}, nil
	}
	end := startRow + pageSize
	if end > len(all) {
		end = len(all)
	}

	return &fetch.Page{
		Rows:    all[startRow:end],
		HasMore: end < len(all),
	}, nil
}

// Calls returns how many fetches were issued for one tenant day.
func (f *ScriptedFetcher) Calls(tenant string, day time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[dayKey(tenant, day)]
}

// TotalCalls returns the total fetch count across all tenants and days.
func (f *ScriptedFetcher) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}
