package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	guardian "github.com/llm-guardian/guardian/internal"
)

const (
	usageChanSize   = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// UsageStore is the persistence interface consumed by UsageRecorder.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []guardian.UsageRecord) error
}

// UsageRecorder decouples request completion from SQLite writes. The
// orchestrator's settle step enqueues one UsageRecord per request; a single
// background goroutine accumulates them and commits a batch whenever the
// batch fills or the flush timer fires, whichever comes first. When the
// queue is full the record is dropped rather than stalling a request.
type UsageRecorder struct {
	ch    chan guardian.UsageRecord
	store UsageStore

	// pending is owned by the Run goroutine; flush hands it to the store
	// wholesale and starts a fresh one.
	pending []guardian.UsageRecord
}

// NewUsageRecorder creates a UsageRecorder backed by store.
func NewUsageRecorder(store UsageStore) *UsageRecorder {
	return &UsageRecorder{
		ch:    make(chan guardian.UsageRecord, usageChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (u *UsageRecorder) Name() string { return "usage_recorder" }

// Record enqueues a usage record without blocking; drops on a full queue.
func (u *UsageRecorder) Record(r guardian.UsageRecord) {
	select {
	case u.ch <- r:
	default:
		slog.Warn("usage record dropped, channel full")
	}
}

// QueueLength reports the number of records awaiting flush. Exposed as a
// gauge through telemetry.
func (u *UsageRecorder) QueueLength() int { return len(u.ch) }

// Run batches records until ctx is cancelled, then drains what is left.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	for {
		select {
		case r := <-u.ch:
			if u.buffer(r) {
				u.flush(ctx)
			}
		case <-ticker.C:
			u.flush(ctx)
		case <-ctx.Done():
			u.shutdown()
			return nil
		}
	}
}

// buffer appends a record and reports whether the batch is full.
func (u *UsageRecorder) buffer(r guardian.UsageRecord) bool {
	u.pending = append(u.pending, r)
	return len(u.pending) >= usageBatchSize
}

// shutdown empties the queue and flushes, bounded by a deadline so a wedged
// database cannot hold up process exit.
func (u *UsageRecorder) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case r := <-u.ch:
			if u.buffer(r) {
				u.flush(ctx)
			}
		default:
			u.flush(ctx)
			return
		}
	}
}

func (u *UsageRecorder) flush(ctx context.Context) {
	if len(u.pending) == 0 {
		return
	}
	batch := u.pending
	u.pending = nil

	// Assign IDs off the hot path; callers leave ID empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := u.store.InsertUsage(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
