package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for admission control.
var (
	admissionDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pacer_admission_decisions_total",
		Help: "Total admission decisions by outcome",
	}, []string{"decision"})

	throttledResponsesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pacer_throttled_responses_total",
		Help: "Total throttling responses observed from the upstream API",
	})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pacer_retries_total",
		Help: "Total retry attempts triggered by upstream failures",
	})

	dailyQuotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pacer_daily_quota_remaining",
		Help: "Requests remaining in the current daily quota window",
	})

	consecutiveFailuresGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pacer_consecutive_failures",
		Help: "Current consecutive upstream failure count",
	})
)

// AdmissionState is the outcome of an Acquire call.
type AdmissionState string

const (
	// Granted means the request may be sent now; one token has been
	// consumed from each bucket and counters have been charged.
	Granted AdmissionState = "granted"

	// Delayed means the caller should sleep the returned wait and ask
	// again. No counters were touched.
	Delayed AdmissionState = "delayed"

	// QuotaExhausted means the daily quota is spent; the returned wait is
	// the time until the next quota reset.
	QuotaExhausted AdmissionState = "quota_exhausted"
)

// Admission is the gate's answer for a single request.
type Admission struct {
	State AdmissionState
	Wait  time.Duration
}

// GateConfig holds admission gate settings.
type GateConfig struct {
	// RequestsPerMinute is the steady request rate.
	RequestsPerMinute int

	// RequestsPerDay is the shared daily quota across all tenants.
	RequestsPerDay int

	// BurstSize bounds how many requests may be issued back to back.
	BurstSize int

	// Cooldown is the minimum spacing between requests for one tenant key.
	// Zero disables per-key cooldown.
	Cooldown time.Duration

	// Backoff configures failure escalation.
	Backoff BackoffConfig
}

// DefaultGateConfig returns safe defaults sized for a modest API quota.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		RequestsPerMinute: 60,
		RequestsPerDay:    10000,
		BurstSize:         10,
		Cooldown:          0,
		Backoff:           DefaultBackoffConfig(),
	}
}

func (c GateConfig) validate() error {
	if c.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests_per_minute must be > 0 (got %d)", c.RequestsPerMinute)
	}
	if c.RequestsPerDay <= 0 {
		return fmt.Errorf("requests_per_day must be > 0 (got %d)", c.RequestsPerDay)
	}
	if c.BurstSize <= 0 {
		return fmt.Errorf("burst_size must be > 0 (got %d)", c.BurstSize)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must be >= 0 (got %s)", c.Cooldown)
	}
	if c.Backoff.BaseBackoff <= 0 {
		return fmt.Errorf("base_backoff must be > 0 (got %s)", c.Backoff.BaseBackoff)
	}
	if c.Backoff.MaxBackoff < c.Backoff.BaseBackoff {
		return fmt.Errorf("max_backoff must be >= base_backoff (got %s < %s)",
			c.Backoff.MaxBackoff, c.Backoff.BaseBackoff)
	}
	if c.Backoff.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be > 0 (got %d)", c.Backoff.MaxRetries)
	}
	return nil
}

// AdmissionGate is the single admission point for outbound requests. One
// instance is constructed at process start and handed to every worker; it is
// safe for concurrent use by any number of tenant workers.
//
// Acquire never blocks. It returns instantly with a wait hint, and the
// contract is "sleep at least this long, then ask again" - the gate makes no
// promise about granting after an arbitrary sleep.
type AdmissionGate struct {
	mu sync.Mutex

	steady *TokenBucket
	burst  *TokenBucket

	// backoff models the upstream API's health, so it is shared across all
	// tenants: a throttling failure on one tenant delays every tenant.
	// That asymmetry (quota and cooldown are tenant-scoped, backoff is
	// not) is intentional and affects fairness; see NewBackoffController
	// if a per-tenant variant is ever needed.
	backoff *BackoffController

	cooldown    time.Duration
	lastRequest map[string]time.Time
	keyRequests map[string]int64

	dailyLimit    int
	dailyRequests int
	dailyResetAt  time.Time

	totalRequests  int64
	totalThrottled int64
	totalRetries   int64

	logger zerolog.Logger
	now    func() time.Time
}

// NewGate creates an admission gate with both buckets full and the quota
// window ending at the next UTC midnight.
func NewGate(cfg GateConfig, logger zerolog.Logger) (*AdmissionGate, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid gate config: %w", err)
	}

	perSecond := float64(cfg.RequestsPerMinute) / 60.0

	steady, err := NewTokenBucket(float64(cfg.RequestsPerMinute), perSecond)
	if err != nil {
		return nil, err
	}
	// Burst tokens recover at the steady rate; the small capacity is what
	// bounds back-to-back requests.
	burst, err := NewTokenBucket(float64(cfg.BurstSize), perSecond)
	if err != nil {
		return nil, err
	}

	g := &AdmissionGate{
		steady:      steady,
		burst:       burst,
		backoff:     NewBackoffController(cfg.Backoff),
		cooldown:    cfg.Cooldown,
		lastRequest: make(map[string]time.Time),
		keyRequests: make(map[string]int64),
		dailyLimit:  cfg.RequestsPerDay,
		logger:      logger,
		now:         time.Now,
	}
	g.dailyResetAt = nextUTCMidnight(g.now())
	dailyQuotaRemaining.Set(float64(cfg.RequestsPerDay))
	return g, nil
}

// nextUTCMidnight returns the first UTC midnight strictly after t.
func nextUTCMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// Acquire decides whether a request for the given tenant key may be sent
// now. Order of checks: shared backoff window, daily quota, per-key
// cooldown, rate buckets. Only a grant mutates counters.
func (g *AdmissionGate) Acquire(key string) Admission {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	// Mandatory cool-down from upstream failures gates everything else.
	if remaining := g.backoff.Remaining(); remaining > 0 {
		admissionDecisionsTotal.WithLabelValues(string(Delayed)).Inc()
		g.logger.Debug().
			Str("tenant", key).
			Dur("wait", remaining).
			Msg("Request delayed by backoff window")
		return Admission{State: Delayed, Wait: remaining}
	}

	// Roll the quota window at most once per boundary crossing.
	if !now.Before(g.dailyResetAt) {
		g.dailyRequests = 0
		g.dailyResetAt = nextUTCMidnight(now)
		dailyQuotaRemaining.Set(float64(g.dailyLimit))
		g.logger.Info().
			Time("next_reset", g.dailyResetAt).
			Msg("Daily quota window reset")
	}

	if g.dailyRequests >= g.dailyLimit {
		wait := g.dailyResetAt.Sub(now)
		admissionDecisionsTotal.WithLabelValues(string(QuotaExhausted)).Inc()
		g.logger.Warn().
			Str("tenant", key).
			Dur("wait", wait).
			Int("daily_requests", g.dailyRequests).
			Msg("Daily quota exhausted")
		return Admission{State: QuotaExhausted, Wait: wait}
	}

	if g.cooldown > 0 {
		if last, ok := g.lastRequest[key]; ok {
			if since := now.Sub(last); since < g.cooldown {
				wait := g.cooldown - since
				admissionDecisionsTotal.WithLabelValues(string(Delayed)).Inc()
				return Admission{State: Delayed, Wait: wait}
			}
		}
	}

	steadyWait := g.steady.EstimateWait(1)
	burstWait := g.burst.EstimateWait(1)
	if wait := maxDuration(steadyWait, burstWait); wait > 0 {
		admissionDecisionsTotal.WithLabelValues(string(Delayed)).Inc()
		g.logger.Debug().
			Str("tenant", key).
			Dur("wait", wait).
			Msg("Request delayed by rate buckets")
		return Admission{State: Delayed, Wait: wait}
	}

	// Grant: charge buckets and counters.
	g.steady.Consume(1)
	g.burst.Consume(1)
	g.lastRequest[key] = now
	g.keyRequests[key]++
	g.dailyRequests++
	g.totalRequests++
	admissionDecisionsTotal.WithLabelValues(string(Granted)).Inc()
	dailyQuotaRemaining.Set(float64(g.dailyLimit - g.dailyRequests))

	return Admission{State: Granted}
}

// RecordSuccess reports a completed request; it clears the failure streak.
func (g *AdmissionGate) RecordSuccess() {
	g.backoff.RecordSuccess()
	consecutiveFailuresGauge.Set(0)
}

// RecordFailure reports a failed request. Throttling failures open the
// shared backoff window; all failures escalate the retry counter.
func (g *AdmissionGate) RecordFailure(isThrottling bool) {
	g.backoff.RecordFailure(isThrottling)

	g.mu.Lock()
	if isThrottling {
		g.totalThrottled++
		throttledResponsesTotal.Inc()
	}
	g.totalRetries++
	g.mu.Unlock()

	retriesTotal.Inc()
	consecutiveFailuresGauge.Set(float64(g.backoff.Failures()))
}

// ShouldRetry reports whether the shared retry budget is still open.
func (g *AdmissionGate) ShouldRetry() bool {
	return g.backoff.ShouldRetry()
}

// BackoffDelay returns the escalated wait for the next retry. Used for both
// throttling and server-error retries.
func (g *AdmissionGate) BackoffDelay() time.Duration {
	return g.backoff.Delay()
}

// Snapshot is a point-in-time view of the gate, polled by observability
// collectors and mirrored to redis for cross-process visibility.
type Snapshot struct {
	TotalRequests       int64            `json:"total_requests"`
	TotalThrottled      int64            `json:"total_throttled"`
	TotalRetries        int64            `json:"total_retries"`
	DailyRequests       int              `json:"daily_requests"`
	DailyQuotaRemaining int              `json:"daily_quota_remaining"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	InBackoff           bool             `json:"in_backoff"`
	ThrottleRate        float64          `json:"throttle_rate"`
	DailyResetAt        time.Time        `json:"daily_reset_at"`
	KeyRequests         map[string]int64 `json:"key_requests"`
}

// Snapshot returns a consistent view of the gate's counters.
func (g *AdmissionGate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	var throttleRate float64
	if g.totalRequests > 0 {
		throttleRate = float64(g.totalThrottled) / float64(g.totalRequests)
	}

	keyRequests := make(map[string]int64, len(g.keyRequests))
	for key, count := range g.keyRequests {
		keyRequests[key] = count
	}

	return Snapshot{
		TotalRequests:       g.totalRequests,
		TotalThrottled:      g.totalThrottled,
		TotalRetries:        g.totalRetries,
		DailyRequests:       g.dailyRequests,
		DailyQuotaRemaining: g.dailyLimit - g.dailyRequests,
		ConsecutiveFailures: g.backoff.Failures(),
		InBackoff:           g.backoff.Remaining() > 0,
		ThrottleRate:        throttleRate,
		DailyResetAt:        g.dailyResetAt,
		KeyRequests:         keyRequests,
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
