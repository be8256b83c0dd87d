package ratelimit

import (
	"sync"
	"time"
)

type windowEntry struct {
	key string
	at  time.Time
}

// SlidingWindow counts events per key over a trailing window. Complements
// the token buckets where a hard per-window cap is wanted, such as alert
// flood suppression.
type SlidingWindow struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	entries     []windowEntry // FIFO, oldest first

	now func() time.Time
}

// NewSlidingWindow creates a counter allowing maxRequests per key per window.
func NewSlidingWindow(maxRequests int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// Allow evicts expired entries, then admits and records the key if it has
// fewer than maxRequests entries in the window.
func (w *SlidingWindow) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && !w.entries[i].at.After(cutoff) {
		i++
	}
	w.entries = w.entries[i:]

	count := 0
	for _, e := range w.entries {
		if e.key == key {
			count++
		}
	}
	if count >= w.maxRequests {
		return false
	}
	w.entries = append(w.entries, windowEntry{key: key, at: now})
	return true
}

// Count returns the live entry count for a key without recording.
func (w *SlidingWindow) Count(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.window)
	count := 0
	for _, e := range w.entries {
		if e.key == key && e.at.After(cutoff) {
			count++
		}
	}
	return count
}
