// Package retry implements bounded retries with exponential backoff and
// jitter. Only transient provider failures are retried; everything else
// propagates immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"syscall"
	"time"

	guardian "github.com/llm-guardian/guardian/internal"
)

// Config holds retry strategy parameters.
type Config struct {
	MaxAttempts     int     // 1..10
	InitialDelay    float64 // seconds
	MaxDelay        float64 // seconds
	ExponentialBase float64
	Jitter          bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialDelay:    1.0,
		MaxDelay:        60.0,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// ExhaustedError is returned when all attempts failed with retryable errors.
// It carries the last observed cause.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.Last)
}

// Unwrap exposes both the retry-exhausted sentinel and the last cause.
func (e *ExhaustedError) Unwrap() []error {
	return []error{guardian.ErrRetryExhausted, e.Last}
}

// Controller runs functions under the configured retry policy.
type Controller struct {
	cfg Config

	sleep func(context.Context, time.Duration) error // injectable for tests
	randF func() float64                             // uniform [0,1)
}

// New creates a Controller. MaxAttempts is clamped to [1,10].
func New(cfg Config) *Controller {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxAttempts > 10 {
		cfg.MaxAttempts = 10
	}
	return &Controller{
		cfg:   cfg,
		sleep: sleepCtx,
		randF: rand.Float64,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retryable reports whether err is a transient failure worth retrying:
// provider timeouts, provider rate limits, network timeouts, and connection
// failures. Context cancellation is never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, guardian.ErrProviderTimeout) || errors.Is(err, guardian.ErrProviderRateLimit) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

// Delay computes the backoff before retrying attempt k (0-indexed):
// min(initial * base^k, max), multiplied by a uniform factor in [0.5, 1.0]
// when jitter is enabled.
func (c *Controller) Delay(attempt int) time.Duration {
	d := c.cfg.InitialDelay * math.Pow(c.cfg.ExponentialBase, float64(attempt))
	d = min(d, c.cfg.MaxDelay)
	if c.cfg.Jitter {
		d *= 0.5 + 0.5*c.randF()
	}
	return time.Duration(d * float64(time.Second))
}

// Run invokes fn up to MaxAttempts times. Non-retryable errors propagate
// immediately. On exhaustion it returns an ExhaustedError carrying the last
// cause.
func (c *Controller) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	var last error
	for attempt := range c.cfg.MaxAttempts {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		last = err
		if attempt == c.cfg.MaxAttempts-1 {
			break
		}
		if err := c.sleep(ctx, c.Delay(attempt)); err != nil {
			return err
		}
	}
	return &ExhaustedError{Attempts: c.cfg.MaxAttempts, Last: last}
}
