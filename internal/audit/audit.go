// Package audit implements the append-only JSON Lines journal: one file per
// UTC date, one structured event per line.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	guardian "github.com/llm-guardian/guardian/internal"
)

// previewLimit caps prompt and response previews in audit events. Full
// lengths are recorded separately.
const previewLimit = 100

// Journal appends audit events to audit_YYYYMMDD.jsonl files, rotating when
// the UTC date changes. Appends are serialized by a mutex.
type Journal struct {
	dir string

	mu      sync.Mutex
	file    *os.File
	curDate string // UTC date of the open file, YYYYMMDD

	now func() time.Time
}

// NewJournal creates the log directory if needed and returns a Journal. The
// day's file is opened lazily on first append.
func NewJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &Journal{dir: dir, now: time.Now}, nil
}

// Close closes the current journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// rotate ensures the open file matches today's UTC date.
// Caller must hold j.mu.
func (j *Journal) rotate(now time.Time) error {
	date := now.UTC().Format("20060102")
	if j.file != nil && j.curDate == date {
		return nil
	}
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
	path := filepath.Join(j.dir, "audit_"+date+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	j.file = f
	j.curDate = date
	return nil
}

// append writes one event line. Audit failures are logged, never propagated:
// an unwritable journal must not fail the request itself.
func (j *Journal) append(eventType string, fields map[string]any) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	if err := j.rotate(now); err != nil {
		slog.Error("audit rotate failed", "error", err)
		return
	}

	entry := map[string]any{
		"timestamp":  now.UTC().Format(time.RFC3339Nano),
		"event_type": eventType,
	}
	for k, v := range fields {
		entry[k] = v
	}
	line, err := json.Marshal(entry)
	if err != nil {
		slog.Error("audit marshal failed", "error", err)
		return
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		slog.Error("audit append failed", "error", err)
	}
}

// preview truncates s to the preview limit.
func preview(s string) string {
	if len(s) > previewLimit {
		return s[:previewLimit] + "..."
	}
	return s
}

// Request records an incoming request event.
func (j *Journal) Request(reqCtx *guardian.RequestContext) {
	j.append("request", map[string]any{
		"request_id":     reqCtx.RequestID,
		"user_id":        reqCtx.UserID,
		"session_id":     reqCtx.SessionID,
		"prompt_length":  len(reqCtx.Prompt),
		"prompt_preview": preview(reqCtx.Prompt),
		"max_tokens":     reqCtx.MaxTokens,
		"temperature":    reqCtx.Temperature,
		"metadata":       reqCtx.Metadata,
	})
}

// Response records the terminal response event for a request.
func (j *Journal) Response(resp *guardian.Response) {
	j.append("response", map[string]any{
		"request_id":               resp.RequestID,
		"response_length":          len(resp.ResponseText),
		"response_preview":         preview(resp.ResponseText),
		"latency_ms":               resp.LatencyMS,
		"tokens_used":              resp.TokensUsed,
		"cost_usd":                 resp.CostUSD,
		"quality_score":            resp.QualityScore,
		"quality_level":            resp.QualityLevel,
		"contains_harmful_content": resp.ContainsHarmfulContent,
		"is_hallucination":         resp.IsHallucination,
		"is_off_task":              resp.IsOffTask,
		"provider":                 resp.Provider,
		"model":                    resp.Model,
	})
}

// Error records an error event. Extra context fields (e.g. stage,
// fallback_attempted) merge into the event.
func (j *Journal) Error(requestID string, err error, context map[string]any) {
	fields := map[string]any{
		"request_id":    requestID,
		"error_type":    guardian.ErrorKind(err),
		"error_message": err.Error(),
	}
	for k, v := range context {
		fields[k] = v
	}
	j.append("error", fields)
}

// Alert records a monitoring alert event.
func (j *Journal) Alert(alert guardian.Alert) {
	j.append("alert", map[string]any{
		"alert_id":   alert.AlertID,
		"severity":   alert.Severity,
		"category":   alert.Category,
		"message":    alert.Message,
		"details":    alert.Details,
		"request_id": alert.RequestID,
	})
}
