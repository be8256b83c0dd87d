package worker

import (
	"context"
	"log/slog"
	"time"

	guardian "github.com/llm-guardian/guardian/internal"
	"github.com/llm-guardian/guardian/internal/ratelimit"
)

const (
	alertChanSize   = 256
	alertBatchSize  = 32
	alertFlushEvery = 2 * time.Second
	alertDrainTime  = 10 * time.Second

	// alertFloodLimit caps alerts per category per minute; a misbehaving
	// provider otherwise floods the journal with identical anomalies.
	alertFloodLimit = 30
)

// AlertJournal receives alert events for the append-only audit trail.
type AlertJournal interface {
	Alert(alert guardian.Alert)
}

// AlertStore persists alerts for later review.
type AlertStore interface {
	InsertAlerts(ctx context.Context, alerts []guardian.Alert) error
}

// AlertCounter counts raised alerts, typically backed by Prometheus.
type AlertCounter interface {
	AlertRaised(category, severity string)
}

// AlertRecorder is the process-wide AlertSink. Monitors call Raise from the
// request path; the recorder journals, persists, and counts alerts off that
// path. Raise never blocks; alerts are dropped on a full queue.
type AlertRecorder struct {
	ch      chan guardian.Alert
	journal AlertJournal
	store   AlertStore
	counter AlertCounter
	flood   *ratelimit.SlidingWindow
}

var _ guardian.AlertSink = (*AlertRecorder)(nil)

// NewAlertRecorder creates an AlertRecorder. journal, store, and counter may
// each be nil, in which case that destination is skipped.
func NewAlertRecorder(journal AlertJournal, store AlertStore, counter AlertCounter) *AlertRecorder {
	return &AlertRecorder{
		ch:      make(chan guardian.Alert, alertChanSize),
		journal: journal,
		store:   store,
		counter: counter,
		flood:   ratelimit.NewSlidingWindow(alertFloodLimit, time.Minute),
	}
}

// Name returns the worker identifier.
func (a *AlertRecorder) Name() string { return "alert_recorder" }

// Raise enqueues an alert. It never blocks; drops on full channel.
func (a *AlertRecorder) Raise(alert guardian.Alert) {
	if !a.flood.Allow(string(alert.Category)) {
		slog.Debug("alert suppressed, category flood limit reached",
			"category", alert.Category, "alert_id", alert.AlertID)
		return
	}
	select {
	case a.ch <- alert:
	default:
		slog.Warn("alert dropped, channel full", "alert_id", alert.AlertID)
	}
}

// Run processes alerts until ctx is cancelled, then drains the queue.
func (a *AlertRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(alertFlushEvery)
	defer ticker.Stop()

	buf := make([]guardian.Alert, 0, alertBatchSize)

	for {
		select {
		case alert := <-a.ch:
			a.observe(alert)
			buf = append(buf, alert)
			if len(buf) >= alertBatchSize {
				a.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				a.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			a.drain(buf)
			return nil
		}
	}
}

// observe handles the per-alert destinations: audit trail and counter.
func (a *AlertRecorder) observe(alert guardian.Alert) {
	if a.journal != nil {
		a.journal.Alert(alert)
	}
	if a.counter != nil {
		a.counter.AlertRaised(string(alert.Category), string(alert.Severity))
	}
}

func (a *AlertRecorder) drain(buf []guardian.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), alertDrainTime)
	defer cancel()

	for {
		select {
		case alert := <-a.ch:
			a.observe(alert)
			buf = append(buf, alert)
			if len(buf) >= alertBatchSize {
				a.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				a.flush(ctx, buf)
			}
			return
		}
	}
}

func (a *AlertRecorder) flush(ctx context.Context, buf []guardian.Alert) {
	if a.store == nil {
		return
	}
	batch := make([]guardian.Alert, len(buf))
	copy(batch, buf)

	if err := a.store.InsertAlerts(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "alert flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
