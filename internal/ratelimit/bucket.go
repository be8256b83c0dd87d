// Package ratelimit implements token-bucket rate limiting composed with USD
// quota ledgers for daily user quotas and session budgets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	guardian "github.com/llm-guardian/guardian/internal"
)

// pollInterval is how often WaitFor re-checks the bucket.
const pollInterval = 100 * time.Millisecond

// TokenBucket is a lazy-refill token bucket (no background goroutine).
// Each bucket has its own mutex.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	now func() time.Time // injectable clock
}

// NewTokenBucket creates a full bucket with the given capacity and refill
// rate in tokens per second.
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	b := &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		now:        time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// refill adds tokens based on elapsed time since last refill.
// Caller must hold b.mu.
func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// Acquire attempts to consume n tokens. On insufficient tokens it returns
// false without modifying the bucket.
func (b *TokenBucket) Acquire(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.now())
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// WaitFor polls Acquire every 100ms until success, context cancellation, or
// timeout. Timeout returns a rate-limit error.
func (b *TokenBucket) WaitFor(ctx context.Context, n float64, timeout time.Duration) error {
	if b.Acquire(n) {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: waited %s for %.0f tokens", guardian.ErrRateLimited, timeout, n)
		case <-tick.C:
			if b.Acquire(n) {
				return nil
			}
		}
	}
}

// Remaining returns the current token count after refill.
func (b *TokenBucket) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.now())
	return b.tokens
}

// RetryAfter returns the time until n tokens are available.
func (b *TokenBucket) RetryAfter(n float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.now())
	if b.tokens >= n {
		return 0
	}
	deficit := n - b.tokens
	return time.Duration(deficit / b.refillRate * float64(time.Second))
}
