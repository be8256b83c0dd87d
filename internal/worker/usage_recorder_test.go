package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	guardian "github.com/llm-guardian/guardian/internal"
)

type fakeUsageStore struct {
	mu      sync.Mutex
	batches [][]guardian.UsageRecord
}

func (s *fakeUsageStore) InsertUsage(_ context.Context, records []guardian.UsageRecord) error {
	s.mu.Lock()
	s.batches = append(s.batches, records)
	s.mu.Unlock()
	return nil
}

func (s *fakeUsageStore) totalRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *fakeUsageStore) allRecords() []guardian.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []guardian.UsageRecord
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func TestUsageRecorder_BatchOnSize(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	// Send exactly usageBatchSize records.
	for i := range usageBatchSize {
		rec.Record(guardian.UsageRecord{RequestID: fmt.Sprintf("req-%d", i)})
	}

	// Wait for batch to be flushed.
	deadline := time.After(2 * time.Second)
	for {
		if store.totalRecords() >= usageBatchSize {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("batch not flushed; got %d records", store.totalRecords())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	<-done
}

func TestUsageRecorder_DrainOnShutdown(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	// Fewer than a batch; the shutdown drain should still persist them.
	rec.Record(guardian.UsageRecord{RequestID: "req-1", CostUSD: 0.05})
	rec.Record(guardian.UsageRecord{RequestID: "req-2", CostUSD: 0.10})

	cancel()
	<-done

	if got := store.totalRecords(); got != 2 {
		t.Fatalf("drained records = %d, want 2", got)
	}
}

func TestUsageRecorder_DropOnFull(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := &UsageRecorder{
		ch:    make(chan guardian.UsageRecord, 2), // tiny buffer
		store: store,
	}

	// Fill the channel.
	rec.Record(guardian.UsageRecord{RequestID: "1"})
	rec.Record(guardian.UsageRecord{RequestID: "2"})
	// This should be dropped silently.
	rec.Record(guardian.UsageRecord{RequestID: "3"})

	if len(rec.ch) != 2 {
		t.Errorf("channel length = %d, want 2", len(rec.ch))
	}
	if rec.QueueLength() != 2 {
		t.Errorf("QueueLength = %d, want 2", rec.QueueLength())
	}
}

func TestUsageRecorder_AssignsIDs(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Record(guardian.UsageRecord{RequestID: "req-1"})
	cancel()
	<-done

	records := store.allRecords()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].ID == "" {
		t.Error("flushed record should have an assigned ID")
	}
}
