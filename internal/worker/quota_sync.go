package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/llm-guardian/guardian/internal/ratelimit"
)

const quotaSyncInterval = 60 * time.Second

// QuotaSyncWorker periodically reconciles the limiter's in-memory daily
// spend ledgers with the durable usage store, so quotas survive restarts
// and stay honest across replicas sharing one database.
type QuotaSyncWorker struct {
	limiter *ratelimit.Limiter
	source  ratelimit.UsageSource
}

// NewQuotaSyncWorker creates a QuotaSyncWorker.
func NewQuotaSyncWorker(limiter *ratelimit.Limiter, source ratelimit.UsageSource) *QuotaSyncWorker {
	return &QuotaSyncWorker{limiter: limiter, source: source}
}

// Name returns the worker identifier.
func (w *QuotaSyncWorker) Name() string { return "quota_sync" }

// Run performs an initial sync, then periodically syncs spend ledgers until
// ctx is cancelled.
func (w *QuotaSyncWorker) Run(ctx context.Context) error {
	w.syncAll(ctx)

	ticker := time.NewTicker(quotaSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.syncAll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *QuotaSyncWorker) syncAll(ctx context.Context) {
	for _, userID := range w.limiter.TrackedUsers() {
		if err := w.limiter.SyncUserSpend(ctx, w.source, userID); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "quota sync failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}
}
