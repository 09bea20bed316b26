package ratelimit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// newTestGate builds a gate whose clock, buckets, and backoff all follow the
// fake clock.
func newTestGate(t *testing.T, cfg GateConfig, clock *fakeClock) *AdmissionGate {
	t.Helper()
	g, err := NewGate(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}
	g.now = clock.now
	g.backoff.now = clock.now
	g.steady.now = clock.now
	g.steady.lastRefill = clock.t
	g.burst.now = clock.now
	g.burst.lastRefill = clock.t
	g.dailyResetAt = nextUTCMidnight(clock.t)
	return g
}

func testGateConfig() GateConfig {
	return GateConfig{
		RequestsPerMinute: 60,
		RequestsPerDay:    1000,
		BurstSize:         10,
		Cooldown:          0,
		Backoff: BackoffConfig{
			BaseBackoff: 2 * time.Second,
			MaxBackoff:  300 * time.Second,
			MaxRetries:  5,
			Jitter:      false,
		},
	}
}

func TestNewGate_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*GateConfig)
	}{
		{name: "zero requests per minute", mutate: func(c *GateConfig) { c.RequestsPerMinute = 0 }},
		{name: "zero requests per day", mutate: func(c *GateConfig) { c.RequestsPerDay = 0 }},
		{name: "negative burst", mutate: func(c *GateConfig) { c.BurstSize = -1 }},
		{name: "negative cooldown", mutate: func(c *GateConfig) { c.Cooldown = -time.Second }},
		{name: "zero max retries", mutate: func(c *GateConfig) { c.Backoff.MaxRetries = 0 }},
		{name: "zero base backoff", mutate: func(c *GateConfig) { c.Backoff.BaseBackoff = 0 }},
		{name: "max below base backoff", mutate: func(c *GateConfig) { c.Backoff.MaxBackoff = time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testGateConfig()
			tt.mutate(&cfg)
			if _, err := NewGate(cfg, zerolog.Nop()); err == nil {
				t.Error("NewGate() error = nil, want validation error")
			}
		})
	}
}

func TestGate_BurstScenario(t *testing.T) {
	// requestsPerMinute=2, burstSize=1, cooldown=0: three rapid acquires
	// return wait=0, wait>0, wait>0, and all succeed once slept.
	clock := newFakeClock()
	cfg := testGateConfig()
	cfg.RequestsPerMinute = 2
	cfg.BurstSize = 1
	g := newTestGate(t, cfg, clock)

	adm := g.Acquire("t1")
	if adm.State != Granted {
		t.Fatalf("first Acquire = %s (wait %s), want granted", adm.State, adm.Wait)
	}

	for call := 2; call <= 3; call++ {
		adm = g.Acquire("t1")
		if adm.State != Delayed || adm.Wait <= 0 {
			t.Fatalf("Acquire call %d = %s (wait %s), want delayed with wait > 0", call, adm.State, adm.Wait)
		}

		// Sleep the hint and ask again until granted.
		granted := false
		for i := 0; i < 10 && !granted; i++ {
			clock.advance(adm.Wait)
			adm = g.Acquire("t1")
			granted = adm.State == Granted
		}
		if !granted {
			t.Fatalf("Acquire call %d never granted after sleeping hints", call)
		}
	}
}

func TestGate_BackoffWindowGatesEverything(t *testing.T) {
	clock := newFakeClock()
	g := newTestGate(t, testGateConfig(), clock)

	g.RecordFailure(true)

	adm := g.Acquire("t1")
	if adm.State != Delayed || adm.Wait <= 0 {
		t.Fatalf("Acquire during backoff = %s (wait %s), want delayed with wait > 0", adm.State, adm.Wait)
	}
	if got := g.Snapshot().TotalRequests; got != 0 {
		t.Errorf("TotalRequests after delayed acquire = %d, want 0 (no counters touched)", got)
	}

	clock.advance(adm.Wait)
	g.RecordSuccess()
	if adm := g.Acquire("t1"); adm.State != Granted {
		t.Errorf("Acquire after backoff cleared = %s, want granted", adm.State)
	}
}

func TestGate_PerKeyCooldown(t *testing.T) {
	clock := newFakeClock()
	cfg := testGateConfig()
	cfg.Cooldown = 10 * time.Second
	g := newTestGate(t, cfg, clock)

	if adm := g.Acquire("t1"); adm.State != Granted {
		t.Fatalf("first Acquire(t1) = %s, want granted", adm.State)
	}

	adm := g.Acquire("t1")
	if adm.State != Delayed || adm.Wait <= 0 || adm.Wait > 10*time.Second {
		t.Errorf("second Acquire(t1) = %s (wait %s), want delayed with 0 < wait <= 10s", adm.State, adm.Wait)
	}

	// Cooldown is keyed per tenant: a different key is not blocked.
	if adm := g.Acquire("t2"); adm.State != Granted {
		t.Errorf("Acquire(t2) during t1 cooldown = %s, want granted", adm.State)
	}

	clock.advance(10 * time.Second)
	if adm := g.Acquire("t1"); adm.State != Granted {
		t.Errorf("Acquire(t1) after cooldown = %s, want granted", adm.State)
	}
}

func TestGate_DailyQuota(t *testing.T) {
	clock := newFakeClock()
	cfg := testGateConfig()
	cfg.RequestsPerDay = 2
	g := newTestGate(t, cfg, clock)

	if adm := g.Acquire("t1"); adm.State != Granted {
		t.Fatalf("first Acquire = %s, want granted", adm.State)
	}
	clock.advance(time.Second)
	if adm := g.Acquire("t1"); adm.State != Granted {
		t.Fatalf("second Acquire = %s, want granted", adm.State)
	}

	adm := g.Acquire("t1")
	if adm.State != QuotaExhausted {
		t.Fatalf("third Acquire = %s, want quota_exhausted", adm.State)
	}
	wantWait := g.dailyResetAt.Sub(clock.t)
	if adm.Wait != wantWait {
		t.Errorf("quota wait = %s, want %s (time until reset)", adm.Wait, wantWait)
	}

	snap := g.Snapshot()
	if snap.DailyQuotaRemaining != 0 {
		t.Errorf("DailyQuotaRemaining = %d, want 0", snap.DailyQuotaRemaining)
	}
}

func TestGate_DailyResetIdempotent(t *testing.T) {
	clock := newFakeClock()
	cfg := testGateConfig()
	cfg.RequestsPerDay = 2
	g := newTestGate(t, cfg, clock)

	g.Acquire("t1")
	clock.advance(time.Second)
	g.Acquire("t1")

	// Cross the boundary: the window must reset exactly once, not once
	// per call, so grants accumulate against the fresh counter.
	clock.advance(48 * time.Hour)

	var firstReset time.Time
	states := make([]AdmissionState, 0, 3)
	for i := 0; i < 3; i++ {
		adm := g.Acquire("t1")
		states = append(states, adm.State)
		if firstReset.IsZero() {
			firstReset = g.dailyResetAt
		} else if !g.dailyResetAt.Equal(firstReset) {
			t.Fatalf("dailyResetAt moved on call %d: %s != %s", i+1, g.dailyResetAt, firstReset)
		}
		clock.advance(time.Second)
	}

	want := []AdmissionState{Granted, Granted, QuotaExhausted}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("post-reset Acquire call %d = %s, want %s", i+1, states[i], want[i])
		}
	}
	if snap := g.Snapshot(); snap.DailyRequests != 2 {
		t.Errorf("DailyRequests after reset = %d, want 2", snap.DailyRequests)
	}
}

func TestGate_Snapshot(t *testing.T) {
	clock := newFakeClock()
	g := newTestGate(t, testGateConfig(), clock)

	g.Acquire("t1")
	g.RecordFailure(true)
	g.RecordFailure(false)

	snap := g.Snapshot()
	if snap.TotalRequests != 1 {
		t.Errorf("TotalRequests = %d, want 1", snap.TotalRequests)
	}
	if snap.TotalThrottled != 1 {
		t.Errorf("TotalThrottled = %d, want 1", snap.TotalThrottled)
	}
	if snap.TotalRetries != 2 {
		t.Errorf("TotalRetries = %d, want 2", snap.TotalRetries)
	}
	if snap.ConsecutiveFailures != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", snap.ConsecutiveFailures)
	}
	if !snap.InBackoff {
		t.Error("InBackoff = false, want true after throttling failure")
	}
	if snap.ThrottleRate != 1.0 {
		t.Errorf("ThrottleRate = %g, want 1.0", snap.ThrottleRate)
	}
}

func TestGate_SnapshotPerKeyCounts(t *testing.T) {
	clock := newFakeClock()
	g := newTestGate(t, testGateConfig(), clock)

	g.Acquire("t1")
	clock.advance(time.Second)
	g.Acquire("t1")
	clock.advance(time.Second)
	g.Acquire("t2")

	snap := g.Snapshot()
	if got := snap.KeyRequests["t1"]; got != 2 {
		t.Errorf("KeyRequests[t1] = %d, want 2", got)
	}
	if got := snap.KeyRequests["t2"]; got != 1 {
		t.Errorf("KeyRequests[t2] = %d, want 1", got)
	}

	// The snapshot owns its map; mutating it must not reach the gate.
	snap.KeyRequests["t1"] = 99
	if got := g.Snapshot().KeyRequests["t1"]; got != 2 {
		t.Errorf("KeyRequests[t1] after external mutation = %d, want 2", got)
	}
}
