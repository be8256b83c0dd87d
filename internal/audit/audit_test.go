package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	guardian "github.com/llm-guardian/guardian/internal"
)

func newTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	dir := t.TempDir()
	j, err := NewJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })
	return j, dir
}

// readEvents parses every line of the named audit file.
func readEvents(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	var events []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			t.Fatalf("line %q is not valid JSON: %v", scanner.Text(), err)
		}
		events = append(events, event)
	}
	return events
}

func TestRequestEvent(t *testing.T) {
	t.Parallel()

	j, dir := newTestJournal(t)
	j.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	j.Request(&guardian.RequestContext{
		RequestID:   "req-1",
		UserID:      "alice",
		SessionID:   "s1",
		Prompt:      strings.Repeat("p", 150),
		MaxTokens:   100,
		Temperature: 0.7,
	})

	events := readEvents(t, filepath.Join(dir, "audit_20250601.jsonl"))
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	e := events[0]
	if e["event_type"] != "request" {
		t.Errorf("event_type = %v, want request", e["event_type"])
	}
	if e["prompt_length"] != float64(150) {
		t.Errorf("prompt_length = %v, want 150", e["prompt_length"])
	}
	// Preview is truncated to 100 chars plus ellipsis.
	if got := e["prompt_preview"].(string); len(got) != 103 || !strings.HasSuffix(got, "...") {
		t.Errorf("prompt_preview = %q, want 100 chars + ellipsis", got)
	}
	if _, err := time.Parse(time.RFC3339Nano, e["timestamp"].(string)); err != nil {
		t.Errorf("timestamp not RFC3339: %v", err)
	}
}

func TestResponseEvent(t *testing.T) {
	t.Parallel()

	j, dir := newTestJournal(t)
	j.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	j.Response(&guardian.Response{
		RequestID:    "req-1",
		ResponseText: "short answer",
		LatencyMS:    123,
		TokensUsed:   42,
		CostUSD:      0.001,
		QualityScore: 0.92,
		QualityLevel: guardian.QualityExcellent,
		Provider:     "openai",
		Model:        "gpt-4o-mini",
	})

	events := readEvents(t, filepath.Join(dir, "audit_20250601.jsonl"))
	e := events[0]
	if e["event_type"] != "response" {
		t.Errorf("event_type = %v, want response", e["event_type"])
	}
	if e["response_preview"] != "short answer" {
		t.Errorf("response_preview = %v", e["response_preview"])
	}
	if e["quality_level"] != "excellent" {
		t.Errorf("quality_level = %v, want excellent", e["quality_level"])
	}
}

func TestErrorEventUsesErrorKind(t *testing.T) {
	t.Parallel()

	j, dir := newTestJournal(t)
	j.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	err := guardian.ErrPromptInjection
	j.Error("req-1", err, map[string]any{"fallback_attempted": true})

	e := readEvents(t, filepath.Join(dir, "audit_20250601.jsonl"))[0]
	if e["error_type"] != "PromptInjectionError" {
		t.Errorf("error_type = %v, want PromptInjectionError", e["error_type"])
	}
	if e["fallback_attempted"] != true {
		t.Errorf("fallback_attempted = %v, want true", e["fallback_attempted"])
	}
}

func TestAlertEvent(t *testing.T) {
	t.Parallel()

	j, dir := newTestJournal(t)
	j.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	j.Alert(guardian.Alert{
		AlertID:  "alert-1",
		Severity: guardian.SeverityHigh,
		Category: guardian.AlertQuality,
		Message:  "quality below threshold",
	})

	e := readEvents(t, filepath.Join(dir, "audit_20250601.jsonl"))[0]
	if e["event_type"] != "alert" {
		t.Errorf("event_type = %v, want alert", e["event_type"])
	}
	if e["severity"] != "high" || e["category"] != "quality" {
		t.Errorf("severity/category = %v/%v", e["severity"], e["category"])
	}
}

func TestRotationOnDateChange(t *testing.T) {
	t.Parallel()

	j, dir := newTestJournal(t)
	current := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)
	j.now = func() time.Time { return current }

	j.Error("req-1", errors.New("boom"), nil)
	current = current.Add(2 * time.Minute) // crosses midnight UTC
	j.Error("req-2", errors.New("boom"), nil)

	day1 := readEvents(t, filepath.Join(dir, "audit_20250601.jsonl"))
	day2 := readEvents(t, filepath.Join(dir, "audit_20250602.jsonl"))
	if len(day1) != 1 || len(day2) != 1 {
		t.Fatalf("day1=%d day2=%d events, want 1 each", len(day1), len(day2))
	}
	if day1[0]["request_id"] != "req-1" || day2[0]["request_id"] != "req-2" {
		t.Error("events landed in the wrong files")
	}
}

func TestAppendOnly(t *testing.T) {
	t.Parallel()

	j, dir := newTestJournal(t)
	j.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	for i := range 5 {
		j.Error("req", errors.New("boom"), map[string]any{"n": i})
	}
	events := readEvents(t, filepath.Join(dir, "audit_20250601.jsonl"))
	if len(events) != 5 {
		t.Fatalf("events = %d, want 5", len(events))
	}
	for i, e := range events {
		if e["n"] != float64(i) {
			t.Errorf("event %d out of order: n = %v", i, e["n"])
		}
	}
}

func TestUnknownErrorIsInternal(t *testing.T) {
	t.Parallel()

	j, dir := newTestJournal(t)
	j.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	j.Error("req-1", errors.New("something odd"), nil)
	e := readEvents(t, filepath.Join(dir, "audit_20250601.jsonl"))[0]
	if e["error_type"] != "InternalError" {
		t.Errorf("error_type = %v, want InternalError", e["error_type"])
	}
}
