package ratelimit

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig holds backoff controller settings.
type BackoffConfig struct {
	// BaseBackoff is the starting delay for the exponential schedule.
	BaseBackoff time.Duration

	// MaxBackoff caps the computed delay.
	MaxBackoff time.Duration

	// MaxRetries is the number of consecutive failures tolerated before
	// ShouldRetry reports false.
	MaxRetries int

	// Jitter adds uniform(0, 0.1*delay) to the cool-down window set on
	// throttling failures, to avoid synchronized retry storms.
	Jitter bool
}

// DefaultBackoffConfig returns safe defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  300 * time.Second,
		MaxRetries:  5,
		Jitter:      true,
	}
}

// BackoffController tracks consecutive failures against the upstream API and
// computes the exponential delay the caller should wait before retrying.
//
// Two concerns are deliberately separate: Until answers "is the caller inside
// a mandatory cool-down window" (set only on throttling failures), while
// ShouldRetry answers "has the caller exhausted its retry budget". The
// scheduler uses the first to delay and the second to give up.
type BackoffController struct {
	mu  sync.Mutex
	cfg BackoffConfig

	consecutiveFailures int
	backoffUntil        time.Time // zero means no active cool-down

	now func() time.Time
}

// NewBackoffController creates a controller with no recorded failures.
func NewBackoffController(cfg BackoffConfig) *BackoffController {
	return &BackoffController{
		cfg: cfg,
		now: time.Now,
	}
}

// delayLocked computes min(base * 2^failures, max). Callers must hold c.mu.
func (c *BackoffController) delayLocked() time.Duration {
	base := float64(c.cfg.BaseBackoff)
	delay := base * math.Pow(2, float64(c.consecutiveFailures))
	if max := float64(c.cfg.MaxBackoff); delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// RecordFailure increments the consecutive-failure count. Throttling failures
// additionally open a cool-down window of the escalated delay (plus jitter if
// enabled); non-throttling failures only escalate the counter, and the caller
// chooses its own wait via Delay.
func (c *BackoffController) RecordFailure(isThrottling bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFailures++
	if !isThrottling {
		return
	}

	delay := c.delayLocked()
	if c.cfg.Jitter {
		delay += time.Duration(rand.Float64() * 0.1 * float64(delay))
	}
	c.backoffUntil = c.now().Add(delay)
}

// RecordSuccess atomically clears the failure count and any cool-down window.
func (c *BackoffController) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFailures = 0
	c.backoffUntil = time.Time{}
}

// ShouldRetry reports whether the retry budget is still open.
func (c *BackoffController) ShouldRetry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.consecutiveFailures < c.cfg.MaxRetries
}

// Delay returns the current escalated delay, keyed purely off the
// consecutive-failure count. Used for both throttling and server-error
// retries so their wait schedules are identical.
func (c *BackoffController) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.delayLocked()
}

// Remaining returns the time left in the active cool-down window, or 0.
func (c *BackoffController) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.backoffUntil.IsZero() {
		return 0
	}
	remaining := c.backoffUntil.Sub(c.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Failures returns the current consecutive-failure count.
func (c *BackoffController) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.consecutiveFailures
}
