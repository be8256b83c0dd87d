package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	guardian "github.com/llm-guardian/guardian/internal"
	"github.com/llm-guardian/guardian/internal/ratelimit"
)

type fakeAlertStore struct {
	mu     sync.Mutex
	alerts []guardian.Alert
}

func (s *fakeAlertStore) InsertAlerts(_ context.Context, alerts []guardian.Alert) error {
	s.mu.Lock()
	s.alerts = append(s.alerts, alerts...)
	s.mu.Unlock()
	return nil
}

func (s *fakeAlertStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type fakeAlertJournal struct {
	mu     sync.Mutex
	alerts []guardian.Alert
}

func (j *fakeAlertJournal) Alert(a guardian.Alert) {
	j.mu.Lock()
	j.alerts = append(j.alerts, a)
	j.mu.Unlock()
}

func (j *fakeAlertJournal) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.alerts)
}

type fakeAlertCounter struct {
	mu     sync.Mutex
	raised map[string]int
}

func (c *fakeAlertCounter) AlertRaised(category, severity string) {
	c.mu.Lock()
	if c.raised == nil {
		c.raised = make(map[string]int)
	}
	c.raised[category+"/"+severity]++
	c.mu.Unlock()
}

func TestAlertRecorder_FanOut(t *testing.T) {
	t.Parallel()
	store := &fakeAlertStore{}
	journal := &fakeAlertJournal{}
	counter := &fakeAlertCounter{}
	rec := NewAlertRecorder(journal, store, counter)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Raise(guardian.Alert{
		AlertID:  "alert-quality-req-1",
		Category: guardian.AlertQuality,
		Severity: guardian.SeverityHigh,
		Message:  "quality below threshold",
	})
	rec.Raise(guardian.Alert{
		AlertID:  "alert-perf-anomaly-req-2",
		Category: guardian.AlertAnomaly,
		Severity: guardian.SeverityMedium,
		Message:  "latency spike",
	})

	cancel()
	<-done

	if got := store.count(); got != 2 {
		t.Errorf("stored alerts = %d, want 2", got)
	}
	if got := journal.count(); got != 2 {
		t.Errorf("journaled alerts = %d, want 2", got)
	}
	counter.mu.Lock()
	defer counter.mu.Unlock()
	if counter.raised["quality/high"] != 1 || counter.raised["anomaly/medium"] != 1 {
		t.Errorf("counter = %v, want one quality/high and one anomaly/medium", counter.raised)
	}
}

func TestAlertRecorder_NilDestinations(t *testing.T) {
	t.Parallel()
	rec := NewAlertRecorder(nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Raise(guardian.Alert{AlertID: "alert-1"})
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop")
	}
}

func TestAlertRecorder_DropOnFull(t *testing.T) {
	t.Parallel()
	rec := &AlertRecorder{
		ch:    make(chan guardian.Alert, 1),
		flood: ratelimit.NewSlidingWindow(alertFloodLimit, time.Minute),
	}

	rec.Raise(guardian.Alert{AlertID: "1"})
	rec.Raise(guardian.Alert{AlertID: "2"}) // dropped

	if len(rec.ch) != 1 {
		t.Errorf("channel length = %d, want 1", len(rec.ch))
	}
}

func TestAlertRecorder_FloodSuppression(t *testing.T) {
	t.Parallel()
	rec := NewAlertRecorder(nil, nil, nil)

	// One category hits the per-minute cap; a different category is
	// unaffected.
	for i := 0; i < alertFloodLimit+5; i++ {
		rec.Raise(guardian.Alert{AlertID: "a", Category: guardian.AlertAnomaly})
	}
	if got := len(rec.ch); got != alertFloodLimit {
		t.Errorf("queued anomaly alerts = %d, want %d", got, alertFloodLimit)
	}

	rec.Raise(guardian.Alert{AlertID: "b", Category: guardian.AlertBudget})
	if got := len(rec.ch); got != alertFloodLimit+1 {
		t.Errorf("queued alerts = %d, want %d", got, alertFloodLimit+1)
	}
}
