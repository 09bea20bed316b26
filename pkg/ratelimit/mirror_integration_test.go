//go:build integration

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestMirror_Integration_RoundTrip(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mirror := NewMirror(redisClient, zerolog.Nop())
	ctx := context.Background()

	// Reading before any publish reports the sentinel.
	if _, _, err := mirror.Read(ctx); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("Read() on empty redis error = %v, want ErrNoSnapshot", err)
	}

	published := Snapshot{
		TotalRequests:       120,
		TotalThrottled:      6,
		TotalRetries:        9,
		DailyRequests:       120,
		DailyQuotaRemaining: 9880,
		ConsecutiveFailures: 2,
		InBackoff:           true,
		ThrottleRate:        0.05,
		DailyResetAt:        time.Now().UTC().Truncate(time.Second).Add(6 * time.Hour),
		KeyRequests:         map[string]int64{"tenant-a": 80, "tenant-b": 40},
	}
	if err := mirror.Publish(ctx, published); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	snap, publishedAt, err := mirror.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if snap.TotalRequests != published.TotalRequests {
		t.Errorf("TotalRequests = %d, want %d", snap.TotalRequests, published.TotalRequests)
	}
	if snap.DailyQuotaRemaining != published.DailyQuotaRemaining {
		t.Errorf("DailyQuotaRemaining = %d, want %d", snap.DailyQuotaRemaining, published.DailyQuotaRemaining)
	}
	if !snap.InBackoff {
		t.Error("InBackoff = false, want true")
	}
	if !snap.DailyResetAt.Equal(published.DailyResetAt) {
		t.Errorf("DailyResetAt = %s, want %s", snap.DailyResetAt, published.DailyResetAt)
	}
	if got := snap.KeyRequests["tenant-a"]; got != 80 {
		t.Errorf("KeyRequests[tenant-a] = %d, want 80", got)
	}
	if publishedAt.IsZero() {
		t.Error("publishedAt is zero, want publish timestamp")
	}

	// A second publish overwrites the first.
	published.TotalRequests = 121
	if err := mirror.Publish(ctx, published); err != nil {
		t.Fatalf("second Publish() error = %v", err)
	}
	snap, _, err = mirror.Read(ctx)
	if err != nil {
		t.Fatalf("Read() after second publish error = %v", err)
	}
	if snap.TotalRequests != 121 {
		t.Errorf("TotalRequests after overwrite = %d, want 121", snap.TotalRequests)
	}
}

func TestGate_Integration_SnapshotPublish(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	gate, err := NewGate(DefaultGateConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}

	gate.Acquire("tenant-a")
	gate.RecordSuccess()

	mirror := NewMirror(redisClient, zerolog.Nop())
	ctx := context.Background()
	if err := mirror.Publish(ctx, gate.Snapshot()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	snap, _, err := mirror.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if snap.TotalRequests != 1 {
		t.Errorf("TotalRequests = %d, want 1", snap.TotalRequests)
	}
}
