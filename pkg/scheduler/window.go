// Package scheduler drives day-by-day, resumable extraction for each tenant:
// it computes the ingestion window from the persisted watermark, pulls each
// day through the admission gate, writes rows idempotently, and advances the
// watermark only after the day's rows are durable.
package scheduler

import (
	"time"

	"github.com/skylens/ingest-pacer/pkg/warehouse"
)

// Mode distinguishes the long initial backfill from the rolling catch-up.
type Mode string

const (
	// ModeBackfill is used when the tenant has no data yet.
	ModeBackfill Mode = "backfill"

	// ModeIncremental resumes from the tenant's watermark.
	ModeIncremental Mode = "incremental"
)

// Window is the derived extraction range for one tenant run. Never
// persisted; recomputed fresh on every invocation.
type Window struct {
	Start time.Time
	End   time.Time
	Mode  Mode
}

// Days returns the inclusive day count of the window.
func (w Window) Days() int {
	return int(w.End.Sub(w.Start).Hours()/24) + 1
}

// dayUTC truncates t to its UTC calendar day.
func dayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// yesterdayUTC returns the last complete UTC day. The current day is never
// extracted because it may still be accumulating data upstream.
func yesterdayUTC(now time.Time) time.Time {
	return dayUTC(now).AddDate(0, 0, -1)
}

// computeWindow derives the extraction window for a tenant. Returns ok=false
// when the tenant is already current (watermark at yesterday), which is a
// no-op run, not an error.
func computeWindow(hasData bool, wm *warehouse.Watermark, backfillDays, incrementalDays int, now time.Time) (Window, bool) {
	yesterday := yesterdayUTC(now)

	if !hasData || wm == nil {
		return Window{
			Start: yesterday.AddDate(0, 0, -(backfillDays - 1)),
			End:   yesterday,
			Mode:  ModeBackfill,
		}, true
	}

	start := dayUTC(wm.LastDate).AddDate(0, 0, 1)
	if start.After(yesterday) {
		return Window{}, false
	}

	// incrementalDays is a total day-count cap: a tenant that is N+1 days
	// behind catches up in two runs of N and 1 days, never N+1 at once.
	end := start.AddDate(0, 0, incrementalDays-1)
	if end.After(yesterday) {
		end = yesterday
	}

	return Window{Start: start, End: end, Mode: ModeIncremental}, true
}
