package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis keys for the mirrored gate snapshot.
const (
	RedisKeySnapshot   = "pacer:gate:snapshot"
	RedisKeyLastUpdate = "pacer:gate:last_update"
)

// ErrNoSnapshot indicates no gate snapshot has been published yet.
var ErrNoSnapshot = errors.New("no gate snapshot in redis")

// Mirror publishes the gate's snapshot to redis so operators and sibling
// processes can observe pacer state without scraping the process directly.
// The mirror is read-only for consumers; only the process owning the gate
// publishes.
type Mirror struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewMirror creates a snapshot mirror backed by the given redis client.
func NewMirror(redisClient *redis.Client, logger zerolog.Logger) *Mirror {
	return &Mirror{
		redis:  redisClient,
		logger: logger,
	}
}

// Publish writes the snapshot and its timestamp atomically.
func (m *Mirror) Publish(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal gate snapshot: %w", err)
	}

	now := time.Now().UTC()
	pipe := m.redis.Pipeline()
	pipe.Set(ctx, RedisKeySnapshot, payload, 0)
	pipe.Set(ctx, RedisKeyLastUpdate, now.Format(time.RFC3339Nano), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store gate snapshot in redis: %w", err)
	}

	m.logger.Debug().
		Int64("total_requests", snap.TotalRequests).
		Int("daily_quota_remaining", snap.DailyQuotaRemaining).
		Bool("in_backoff", snap.InBackoff).
		Msg("Published gate snapshot")

	return nil
}

// Read returns the last published snapshot and when it was published.
// Returns ErrNoSnapshot if nothing has been published.
func (m *Mirror) Read(ctx context.Context) (*Snapshot, time.Time, error) {
	data, err := m.redis.Get(ctx, RedisKeySnapshot).Bytes()
	if err == redis.Nil {
		return nil, time.Time{}, ErrNoSnapshot
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("get gate snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, time.Time{}, fmt.Errorf("parse gate snapshot: %w", err)
	}

	var publishedAt time.Time
	lastUpdateStr, err := m.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && err != redis.Nil {
		return nil, time.Time{}, fmt.Errorf("get snapshot timestamp: %w", err)
	}
	if lastUpdateStr != "" {
		publishedAt, err = time.Parse(time.RFC3339Nano, lastUpdateStr)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("parse snapshot timestamp: %w", err)
		}
	}

	return &snap, publishedAt, nil
}
