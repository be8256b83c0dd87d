package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	guardian "github.com/llm-guardian/guardian/internal"
)

// Config holds the limits enforced by a Limiter. Zero values mean unlimited
// for the corresponding check.
type Config struct {
	GlobalRequestsPerMinute int
	UserRequestsPerMinute   int
	UserDailyQuotaUSD       float64
	SessionBudgetUSD        float64
}

// Status reports a ledger's consumption against its limit.
type Status struct {
	ConsumedUSD  float64 `json:"consumed_usd"`
	LimitUSD     float64 `json:"limit_usd"`
	RemainingUSD float64 `json:"remaining_usd"`
}

// Limiter composes a global token bucket, lazily-created per-user buckets, a
// per-user daily USD quota, and a per-session USD budget.
//
// Admission (CheckLimits) consumes bucket tokens but never touches the USD
// ledgers; only RecordCost does. A request rejected mid-pipeline therefore
// never charges the caller.
type Limiter struct {
	cfg    Config
	global *TokenBucket

	bucketMu sync.RWMutex
	users    map[string]*TokenBucket

	// Single mutex around all USD ledgers.
	ledgerMu      sync.Mutex
	userSpend     map[string]float64
	userResetDate map[string]string // UTC date of last reset, YYYY-MM-DD
	sessionSpend  map[string]float64

	now func() time.Time
}

// New creates a Limiter from the given limits.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:           cfg,
		users:         make(map[string]*TokenBucket),
		userSpend:     make(map[string]float64),
		userResetDate: make(map[string]string),
		sessionSpend:  make(map[string]float64),
		now:           time.Now,
	}
	if cfg.GlobalRequestsPerMinute > 0 {
		l.global = NewTokenBucket(cfg.GlobalRequestsPerMinute, float64(cfg.GlobalRequestsPerMinute)/60.0)
	}
	return l
}

// userBucket returns the bucket for userID, creating one if needed.
func (l *Limiter) userBucket(userID string) *TokenBucket {
	l.bucketMu.RLock()
	b, ok := l.users[userID]
	l.bucketMu.RUnlock()
	if ok {
		return b
	}

	l.bucketMu.Lock()
	defer l.bucketMu.Unlock()
	// Double-check after acquiring write lock.
	if b, ok := l.users[userID]; ok {
		return b
	}
	b = NewTokenBucket(l.cfg.UserRequestsPerMinute, float64(l.cfg.UserRequestsPerMinute)/60.0)
	b.now = l.now
	l.users[userID] = b
	return b
}

// utcDate formats t's UTC calendar date.
func utcDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// effectiveUserSpend returns the user's spend for the current UTC date.
// Caller must hold l.ledgerMu. A rolled-over date reads as zero; the ledger
// itself is reset lazily by RecordCost.
func (l *Limiter) effectiveUserSpend(userID string) float64 {
	if l.userResetDate[userID] != utcDate(l.now()) {
		return 0
	}
	return l.userSpend[userID]
}

// CheckLimits runs the admission checks in order: global bucket, per-user
// bucket, user daily quota, session budget. Each failure aborts with its own
// error kind.
func (l *Limiter) CheckLimits(reqCtx *guardian.RequestContext) error {
	if l.global != nil && !l.global.Acquire(1) {
		return fmt.Errorf("%w: global limit %d req/min", guardian.ErrRateLimited, l.cfg.GlobalRequestsPerMinute)
	}
	if reqCtx.UserID != "" && l.cfg.UserRequestsPerMinute > 0 {
		if !l.userBucket(reqCtx.UserID).Acquire(1) {
			return fmt.Errorf("%w: user %q limit %d req/min", guardian.ErrRateLimited, reqCtx.UserID, l.cfg.UserRequestsPerMinute)
		}
	}

	l.ledgerMu.Lock()
	defer l.ledgerMu.Unlock()
	if reqCtx.UserID != "" && l.cfg.UserDailyQuotaUSD > 0 {
		if spend := l.effectiveUserSpend(reqCtx.UserID); spend >= l.cfg.UserDailyQuotaUSD {
			return fmt.Errorf("%w: user %q spent $%.2f of $%.2f daily quota",
				guardian.ErrQuotaExceeded, reqCtx.UserID, spend, l.cfg.UserDailyQuotaUSD)
		}
	}
	if reqCtx.SessionID != "" && l.cfg.SessionBudgetUSD > 0 {
		if spend := l.sessionSpend[reqCtx.SessionID]; spend >= l.cfg.SessionBudgetUSD {
			return fmt.Errorf("%w: session %q spent $%.2f of $%.2f budget",
				guardian.ErrSessionBudget, reqCtx.SessionID, spend, l.cfg.SessionBudgetUSD)
		}
	}
	return nil
}

// RecordCost increments the user and session ledgers atomically. Called by
// the orchestrator only after a successful response. The user ledger resets
// first if the UTC date rolled over since the last record.
func (l *Limiter) RecordCost(userID, sessionID string, costUSD float64) {
	l.ledgerMu.Lock()
	defer l.ledgerMu.Unlock()

	if userID != "" {
		today := utcDate(l.now())
		if l.userResetDate[userID] != today {
			l.userSpend[userID] = 0
			l.userResetDate[userID] = today
		}
		l.userSpend[userID] += costUSD
	}
	if sessionID != "" {
		l.sessionSpend[sessionID] += costUSD
	}
}

// GlobalStatus returns remaining tokens in the global bucket, or -1 if the
// global limit is unlimited.
func (l *Limiter) GlobalStatus() float64 {
	if l.global == nil {
		return -1
	}
	return l.global.Remaining()
}

// UserQuotaStatus returns the user's daily quota ledger.
func (l *Limiter) UserQuotaStatus(userID string) Status {
	l.ledgerMu.Lock()
	defer l.ledgerMu.Unlock()
	spend := l.effectiveUserSpend(userID)
	return Status{
		ConsumedUSD:  spend,
		LimitUSD:     l.cfg.UserDailyQuotaUSD,
		RemainingUSD: max(0, l.cfg.UserDailyQuotaUSD-spend),
	}
}

// SessionBudgetStatus returns the session's budget ledger.
func (l *Limiter) SessionBudgetStatus(sessionID string) Status {
	l.ledgerMu.Lock()
	defer l.ledgerMu.Unlock()
	spend := l.sessionSpend[sessionID]
	return Status{
		ConsumedUSD:  spend,
		LimitUSD:     l.cfg.SessionBudgetUSD,
		RemainingUSD: max(0, l.cfg.SessionBudgetUSD-spend),
	}
}

// UsageSource provides aggregated spend for quota warm-start after restart.
type UsageSource interface {
	SumUserCostSince(ctx context.Context, userID string, since time.Time) (float64, error)
}

// SyncUserSpend replaces a user's current-day ledger with the store's
// aggregate for today, so daily quotas survive process restarts.
func (l *Limiter) SyncUserSpend(ctx context.Context, src UsageSource, userID string) error {
	midnight := l.now().UTC().Truncate(24 * time.Hour)
	total, err := src.SumUserCostSince(ctx, userID, midnight)
	if err != nil {
		return err
	}
	l.ledgerMu.Lock()
	defer l.ledgerMu.Unlock()
	l.userSpend[userID] = total
	l.userResetDate[userID] = utcDate(l.now())
	return nil
}

// TrackedUsers returns the user IDs with ledger entries.
func (l *Limiter) TrackedUsers() []string {
	l.ledgerMu.Lock()
	defer l.ledgerMu.Unlock()
	users := make([]string, 0, len(l.userSpend))
	for u := range l.userSpend {
		users = append(users, u)
	}
	return users
}
