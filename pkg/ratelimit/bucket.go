// Package ratelimit implements admission control for the upstream export API.
// Every outbound request passes through the AdmissionGate, which enforces the
// steady request rate, the short-burst limit, the shared daily quota, and
// per-tenant cooldowns, and escalates backoff on observed failures.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// TokenBucket accumulates tokens at a fixed rate up to a capacity.
// Refill is lazy: tokens are credited on access from the elapsed time since
// the last refill. Fractional tokens are kept so slow refill rates (well
// under one token per second) still make progress between calls.
//
// All methods are safe for concurrent use. No blocking occurs inside the
// critical section.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time

	// now is the clock used for refill accounting. Tests replace it.
	now func() time.Time
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(capacity, refillRate float64) (*TokenBucket, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("token bucket capacity must be > 0 (got %g)", capacity)
	}
	if refillRate <= 0 {
		return nil, fmt.Errorf("token bucket refill rate must be > 0 (got %g)", refillRate)
	}

	b := &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		now:        time.Now,
	}
	b.lastRefill = b.now()
	return b, nil
}

// refillLocked credits tokens for the elapsed time, clamped to capacity.
// Callers must hold b.mu.
func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		b.tokens += elapsed.Seconds() * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastRefill = now
}

// Consume takes n tokens if available and reports whether it did.
// On false, the bucket is left unchanged.
func (b *TokenBucket) Consume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// EstimateWait returns how long a caller should wait before n tokens could
// be available. Returns 0 if they are available now. The estimate is not a
// reservation: callers sleep and then ask again.
func (b *TokenBucket) EstimateWait(n float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens >= n {
		return 0
	}
	missing := n - b.tokens
	return time.Duration(missing / b.refillRate * float64(time.Second))
}

// Tokens returns the current token count after a lazy refill.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return b.tokens
}

// Capacity returns the maximum number of tokens the bucket can hold.
func (b *TokenBucket) Capacity() float64 {
	return b.capacity
}
