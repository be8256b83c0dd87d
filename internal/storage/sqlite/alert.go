package sqlite

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	guardian "github.com/llm-guardian/guardian/internal"
)

// InsertAlerts batch-inserts raised alerts. Details are stored as JSON.
func (s *Store) InsertAlerts(ctx context.Context, alerts []guardian.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	placeholders := make([]string, len(alerts))
	args := make([]any, 0, len(alerts)*8)

	for i, a := range alerts {
		details, err := json.Marshal(a.Details)
		if err != nil {
			details = []byte("{}")
		}
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			a.AlertID, a.RequestID, string(a.Category), string(a.Severity),
			a.Message, string(details), boolToInt(a.Resolved),
			a.Timestamp.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO alerts
		(alert_id, request_id, category, severity, message, details, resolved, created_at)
		VALUES ` + strings.Join(placeholders, ", ") + `
		ON CONFLICT(alert_id) DO UPDATE SET resolved = excluded.resolved`

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// ListAlerts returns alerts in the given resolution state, newest first.
func (s *Store) ListAlerts(ctx context.Context, resolved bool, limit int) ([]guardian.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT alert_id, request_id, category, severity, message, details, resolved, created_at
		 FROM alerts WHERE resolved = ? ORDER BY created_at DESC LIMIT ?`,
		boolToInt(resolved), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []guardian.Alert
	for rows.Next() {
		var a guardian.Alert
		var category, severity, details, createdAt string
		var res int
		if err := rows.Scan(&a.AlertID, &a.RequestID, &category, &severity, &a.Message, &details, &res, &createdAt); err != nil {
			return nil, err
		}
		a.Category = guardian.AlertCategory(category)
		a.Severity = guardian.Severity(severity)
		a.Resolved = res != 0
		if details != "" {
			json.Unmarshal([]byte(details), &a.Details)
		}
		if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
			a.Timestamp = t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkAlertResolved flips an alert to resolved. Unknown IDs are a no-op.
func (s *Store) MarkAlertResolved(ctx context.Context, alertID string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE alerts SET resolved = 1 WHERE alert_id = ?`, alertID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
