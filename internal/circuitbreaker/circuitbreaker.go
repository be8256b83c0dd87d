// Package circuitbreaker implements a per-provider circuit breaker with
// consecutive-failure tripping. It short-circuits requests to known-bad
// providers, reducing failover latency from seconds (timeout + network) to
// nanoseconds (state check).
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	guardian "github.com/llm-guardian/guardian/internal"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen allows probe requests; consecutive successes close.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int           // consecutive failures to trip
	RecoveryTimeout  time.Duration // time in OPEN before a probe is allowed
	SuccessThreshold int           // consecutive HALF_OPEN successes to close
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

// OpenError is returned when a call is rejected by an open breaker.
type OpenError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %q, retry in %s", e.Provider, e.RetryAfter.Round(time.Millisecond))
}

// Unwrap makes errors.Is(err, guardian.ErrCircuitOpen) hold.
func (e *OpenError) Unwrap() error { return guardian.ErrCircuitOpen }

// Transition is one entry in the breaker's state history.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// historyLimit bounds the retained state history.
const historyLimit = 100

// Breaker is a per-provider circuit breaker state machine.
//
// All counters and transitions are mutex-protected; the wrapped call itself
// executes outside the mutex so one slow provider request does not serialize
// others through the same breaker.
type Breaker struct {
	name string
	cfg  Config

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailure     time.Time
	lastStateChange time.Time
	lastUsed        time.Time // for stale eviction

	totalCalls      int64
	totalSuccesses  int64
	totalFailures   int64
	totalRejections int64
	history         []Transition

	now func() time.Time // injectable clock
}

// NewBreaker creates a closed breaker for the named provider.
func NewBreaker(name string, cfg Config) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
	b.lastStateChange = b.now()
	b.lastUsed = b.lastStateChange
	return b
}

// transition moves to a new state and records it. Caller must hold b.mu.
func (b *Breaker) transition(to State, now time.Time) {
	b.history = append(b.history, Transition{From: b.state, To: to, At: now})
	if len(b.history) > historyLimit {
		b.history = b.history[len(b.history)-historyLimit:]
	}
	b.state = to
	b.lastStateChange = now
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}

// Call executes fn through the breaker. While OPEN and within the recovery
// timeout, fn is not invoked and an OpenError is returned. After the timeout
// the breaker moves to HALF_OPEN and fn runs as a probe.
func (b *Breaker) Call(fn func() error) error {
	now := b.now()
	b.mu.Lock()
	b.lastUsed = now

	switch b.state {
	case StateOpen:
		elapsed := now.Sub(b.lastFailure)
		if elapsed < b.cfg.RecoveryTimeout {
			b.totalRejections++
			retryAfter := b.cfg.RecoveryTimeout - elapsed
			b.mu.Unlock()
			return &OpenError{Provider: b.name, RetryAfter: retryAfter}
		}
		b.transition(StateHalfOpen, now)
		b.successCount = 0
	case StateClosed, StateHalfOpen:
		// Allowed.
	}
	b.totalCalls++
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	now = b.now()
	b.lastUsed = now
	if err != nil {
		b.recordFailure(now)
		return err
	}
	b.recordSuccess(now)
	return nil
}

// recordSuccess applies a success outcome. Caller must hold b.mu.
func (b *Breaker) recordSuccess(now time.Time) {
	b.totalSuccesses++
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transition(StateClosed, now)
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

// recordFailure applies a failure outcome. Caller must hold b.mu.
// A single failure in HALF_OPEN re-opens the breaker.
func (b *Breaker) recordFailure(now time.Time) {
	b.totalFailures++
	b.lastFailure = now
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		b.transition(StateOpen, now)
		b.successCount = 0
	case StateOpen:
		// Failure recorded by an in-flight call that was admitted before
		// the breaker opened. Refresh the failure timestamp only.
	}
}

// Reset forces the breaker back to CLOSED with zeroed counters. Intended for
// operator intervention.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if b.state != StateClosed {
		b.transition(StateClosed, now)
	}
	b.failureCount = 0
	b.successCount = 0
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Provider        string       `json:"provider"`
	State           string       `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	TotalCalls      int64        `json:"total_calls"`
	TotalSuccesses  int64        `json:"total_successes"`
	TotalFailures   int64        `json:"total_failures"`
	TotalRejections int64        `json:"total_rejections"`
	TimeInState     float64      `json:"time_in_state_seconds"`
	LastFailure     time.Time    `json:"last_failure,omitzero"`
	History         []Transition `json:"history,omitempty"`
}

// Stats returns a snapshot of the breaker's counters and state history.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	history := make([]Transition, len(b.history))
	copy(history, b.history)
	return Stats{
		Provider:        b.name,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		TotalCalls:      b.totalCalls,
		TotalSuccesses:  b.totalSuccesses,
		TotalFailures:   b.totalFailures,
		TotalRejections: b.totalRejections,
		TimeInState:     b.now().Sub(b.lastStateChange).Seconds(),
		LastFailure:     b.lastFailure,
		History:         history,
	}
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	t := b.lastUsed
	b.mu.Unlock()
	return t
}
