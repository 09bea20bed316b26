package warehouse

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	store, err := Open(ctx, Config{Path: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Migrate(ctx))
	return store
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{name: "empty config", cfg: Config{}, wantErr: true},
		{name: "memory", cfg: Config{Path: ":memory:"}, want: ":memory:"},
		{name: "plain path", cfg: Config{Path: "data.db"}, want: "file:data.db"},
		{name: "file prefix kept", cfg: Config{Path: "file:data.db"}, want: "file:data.db"},
		{
			name: "url with auth token",
			cfg:  Config{URL: "libsql://pacer.turso.io", AuthToken: "secret"},
			want: "libsql://pacer.turso.io?authToken=secret",
		},
		{
			name: "url without token unchanged",
			cfg:  Config{URL: "libsql://pacer.turso.io"},
			want: "libsql://pacer.turso.io",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildDSN(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDateKeyRoundTrip(t *testing.T) {
	d := time.Date(2026, 8, 26, 17, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	key := DateKey(d)
	assert.Equal(t, "2026-08-26", key)

	parsed, err := ParseDateKey(key)
	require.NoError(t, err)
	assert.Equal(t, day("2026-08-26"), parsed)

	_, err = ParseDateKey("26.08.2026")
	assert.Error(t, err)
}

func TestUpsert_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rows := []Row{
		{TenantKey: "tenant-a", EventDate: day("2026-08-25"), Dimension: "campaign-1", Impressions: 100, Clicks: 5, CostMicros: 1000},
		{TenantKey: "tenant-a", EventDate: day("2026-08-25"), Dimension: "campaign-2", Impressions: 200, Clicks: 9, CostMicros: 2000},
	}

	written, err := store.Upsert(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), written)

	// Re-writing the same day with new metrics overwrites, never duplicates.
	rows[0].Impressions = 150
	written, err = store.Upsert(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), written)

	var count int
	require.NoError(t, store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM metric_rows WHERE tenant_key = 'tenant-a'`).Scan(&count))
	assert.Equal(t, 2, count)

	var impressions int64
	require.NoError(t, store.db.QueryRowContext(ctx,
		`SELECT impressions FROM metric_rows WHERE tenant_key = 'tenant-a' AND dimension = 'campaign-1'`,
	).Scan(&impressions))
	assert.Equal(t, int64(150), impressions)
}

func TestUpsert_EmptyBatch(t *testing.T) {
	store := newTestStore(t)

	written, err := store.Upsert(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, written)
}

func TestExistsAnyRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	exists, err := store.ExistsAnyRow(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Upsert(ctx, []Row{
		{TenantKey: "tenant-a", EventDate: day("2026-08-25"), Dimension: "campaign-1"},
	})
	require.NoError(t, err)

	exists, err = store.ExistsAnyRow(ctx, "tenant-a")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.ExistsAnyRow(ctx, "tenant-b")
	require.NoError(t, err)
	assert.False(t, exists, "probe must not leak across tenants")
}

func TestWatermark_GetMissing(t *testing.T) {
	store := newTestStore(t)

	wm, err := store.GetWatermark(context.Background(), "tenant-a", "ads")
	require.NoError(t, err)
	assert.Nil(t, wm)
}

func TestWatermark_SetAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	runAt := time.Date(2026, 8, 26, 3, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetWatermark(ctx, Watermark{
		TenantKey:     "tenant-a",
		SourceType:    "ads",
		LastDate:      day("2026-08-25"),
		RowsProcessed: 42,
		LastRunAt:     runAt,
		LastRunStatus: StatusSuccess,
	}))

	wm, err := store.GetWatermark(ctx, "tenant-a", "ads")
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, "tenant-a", wm.TenantKey)
	assert.Equal(t, "ads", wm.SourceType)
	assert.Equal(t, day("2026-08-25"), wm.LastDate)
	assert.Equal(t, int64(42), wm.RowsProcessed)
	assert.Equal(t, runAt, wm.LastRunAt)
	assert.Equal(t, StatusSuccess, wm.LastRunStatus)
}

func TestWatermark_ForwardOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	set := func(date string, status string) {
		require.NoError(t, store.SetWatermark(ctx, Watermark{
			TenantKey:     "tenant-a",
			SourceType:    "ads",
			LastDate:      day(date),
			LastRunAt:     time.Now(),
			LastRunStatus: status,
		}))
	}

	set("2026-08-25", StatusSuccess)
	set("2026-08-26", StatusSuccess)

	// A stale write with an older date is silently dropped.
	set("2026-08-20", StatusSuccess)

	wm, err := store.GetWatermark(ctx, "tenant-a", "ads")
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, day("2026-08-26"), wm.LastDate)

	// Same-date writes still land so a failed run can stamp its status.
	set("2026-08-26", StatusFailed)

	wm, err = store.GetWatermark(ctx, "tenant-a", "ads")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, wm.LastRunStatus)
	assert.Equal(t, day("2026-08-26"), wm.LastDate)
}

func TestWatermark_ScopedBySource(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetWatermark(ctx, Watermark{
		TenantKey: "tenant-a", SourceType: "ads",
		LastDate: day("2026-08-25"), LastRunAt: time.Now(), LastRunStatus: StatusSuccess,
	}))

	wm, err := store.GetWatermark(ctx, "tenant-a", "crm")
	require.NoError(t, err)
	assert.Nil(t, wm)
}
