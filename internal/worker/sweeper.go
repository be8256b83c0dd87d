package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/llm-guardian/guardian/internal/checkpoint"
)

const (
	sweepInterval  = 10 * time.Minute
	sweepRetention = 24 * time.Hour
)

// CheckpointSweeper periodically removes completed checkpoints past the
// retention window. Incomplete checkpoints are never touched; they are the
// evidence for interrupted requests.
type CheckpointSweeper struct {
	store     *checkpoint.Store
	interval  time.Duration
	retention time.Duration
}

// NewCheckpointSweeper creates a sweeper with default interval and retention.
func NewCheckpointSweeper(store *checkpoint.Store) *CheckpointSweeper {
	return &CheckpointSweeper{
		store:     store,
		interval:  sweepInterval,
		retention: sweepRetention,
	}
}

// Name returns the worker identifier.
func (w *CheckpointSweeper) Name() string { return "checkpoint_sweeper" }

// Run sweeps on an interval until ctx is cancelled.
func (w *CheckpointSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := w.store.Sweep(w.retention)
			if err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "checkpoint sweep failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if removed > 0 {
				slog.Info("checkpoint sweep", "removed", removed)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
