// Package storage defines persistence interfaces for the guardian.
package storage

import (
	"context"
	"time"

	guardian "github.com/llm-guardian/guardian/internal"
)

// UsageFilter narrows usage queries. Zero values mean "no constraint".
type UsageFilter struct {
	UserID    string
	SessionID string
	Provider  string
	Model     string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// UsageStore manages durable usage accounting. SumUserCostSince backs the
// rate limiter's quota warm-start after a restart.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []guardian.UsageRecord) error
	SumUserCostSince(ctx context.Context, userID string, since time.Time) (float64, error)
	QueryUsage(ctx context.Context, f UsageFilter) ([]guardian.UsageRecord, error)
	CountUsage(ctx context.Context, f UsageFilter) (int, error)
}

// AlertStore persists raised alerts for postmortem review.
type AlertStore interface {
	InsertAlerts(ctx context.Context, alerts []guardian.Alert) error
	ListAlerts(ctx context.Context, resolved bool, limit int) ([]guardian.Alert, error)
	MarkAlertResolved(ctx context.Context, alertID string) error
}

// Store combines all storage interfaces.
type Store interface {
	UsageStore
	AlertStore
	Ping(ctx context.Context) error
	Close() error
}
