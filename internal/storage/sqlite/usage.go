package sqlite

import (
	"context"
	"strings"
	"time"

	guardian "github.com/llm-guardian/guardian/internal"
	"github.com/llm-guardian/guardian/internal/storage"
)

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []guardian.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 11
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.RequestID, r.UserID, r.SessionID,
			r.Provider, r.Model,
			r.TokensUsed, r.CostUSD, r.LatencyMS, r.QualityScore,
			r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_records
		(id, request_id, user_id, session_id, provider, model,
		 tokens_used, cost_usd, latency_ms, quality_score, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// SumUserCostSince returns the total cost a user has accrued since the given
// instant. The rate limiter uses this to warm its daily quota ledger on boot.
func (s *Store) SumUserCostSince(ctx context.Context, userID string, since time.Time) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records
		 WHERE user_id = ? AND created_at >= ?`,
		userID, since.UTC().Format(time.RFC3339),
	).Scan(&total)
	return total, err
}

// QueryUsage returns usage records matching the filter, newest first.
func (s *Store) QueryUsage(ctx context.Context, f storage.UsageFilter) ([]guardian.UsageRecord, error) {
	where, args := usageWhere(f)
	query := `SELECT id, request_id, user_id, session_id, provider, model,
		tokens_used, cost_usd, latency_ms, quality_score, created_at
		FROM usage_records` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []guardian.UsageRecord
	for rows.Next() {
		var r guardian.UsageRecord
		var createdAt string
		err := rows.Scan(
			&r.ID, &r.RequestID, &r.UserID, &r.SessionID,
			&r.Provider, &r.Model,
			&r.TokensUsed, &r.CostUSD, &r.LatencyMS, &r.QualityScore,
			&createdAt,
		)
		if err != nil {
			return nil, err
		}
		if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountUsage returns the count of usage records matching the filter.
func (s *Store) CountUsage(ctx context.Context, f storage.UsageFilter) (int, error) {
	where, args := usageWhere(f)
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_records`+where, args...,
	).Scan(&n)
	return n, err
}

func usageWhere(f storage.UsageFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
