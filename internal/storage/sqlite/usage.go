package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	gateway "github.com/gonka-ai/gateway/internal"
)

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 9
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?)"
		var sessionID any
		if r.SessionID != "" {
			sessionID = r.SessionID
		}
		args = append(args,
			r.ID, r.Key, r.Model,
			r.InputTokens, r.OutputTokens, r.TotalTokens,
			r.LatencyMs, sessionID,
			r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_records
		(id, api_key, model, input_tokens, output_tokens, total_tokens,
		 latency_ms, session_id, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// SummaryByKey aggregates one API key's usage.
func (s *Store) SummaryByKey(ctx context.Context, key string, since time.Time) (gateway.UsageSummary, error) {
	where, args := usageWhere("api_key = ?", key, since)
	var out gateway.UsageSummary
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(AVG(latency_ms), 0)
		FROM usage_records`+where, args...,
	).Scan(&out.RequestCount, &out.InputTokens, &out.OutputTokens, &out.TotalTokens, &out.AvgLatencyMs)
	return out, err
}

// BreakdownByKey aggregates one API key's usage grouped by model.
func (s *Store) BreakdownByKey(ctx context.Context, key string, since time.Time) ([]gateway.ModelBreakdown, error) {
	where, args := usageWhere("api_key = ?", key, since)
	rows, err := s.read.QueryContext(ctx,
		`SELECT model, COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(AVG(latency_ms), 0)
		FROM usage_records`+where+`
		GROUP BY model ORDER BY SUM(total_tokens) DESC`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.ModelBreakdown
	for rows.Next() {
		var b gateway.ModelBreakdown
		if err := rows.Scan(&b.Model, &b.RequestCount,
			&b.InputTokens, &b.OutputTokens, &b.TotalTokens, &b.AvgLatencyMs); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SummaryByModel aggregates one model's usage across all keys.
func (s *Store) SummaryByModel(ctx context.Context, model string, since time.Time) (gateway.ModelUsage, error) {
	where, args := usageWhere("model = ?", model, since)
	var out gateway.ModelUsage
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(AVG(latency_ms), 0)
		FROM usage_records`+where, args...,
	).Scan(&out.RequestCount, &out.TotalTokens, &out.AvgLatencyMs)
	return out, err
}

// SummaryBySession aggregates one session's usage with its time bounds.
func (s *Store) SummaryBySession(ctx context.Context, sessionID string) (gateway.SessionUsage, error) {
	var out gateway.SessionUsage
	var first, last sql.NullString
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(AVG(latency_ms), 0),
			MIN(created_at), MAX(created_at)
		FROM usage_records WHERE session_id = ?`, sessionID,
	).Scan(&out.RequestCount, &out.InputTokens, &out.OutputTokens,
		&out.TotalTokens, &out.AvgLatencyMs, &first, &last)
	if err != nil {
		return out, err
	}
	if first.Valid {
		if t, e := time.Parse(time.RFC3339, first.String); e == nil {
			out.FirstRequest = t
		}
	}
	if last.Valid {
		if t, e := time.Parse(time.RFC3339, last.String); e == nil {
			out.LastRequest = t
		}
	}
	return out, nil
}

// Global aggregates usage across the whole gateway.
func (s *Store) Global(ctx context.Context, since time.Time) (gateway.GlobalUsage, error) {
	where, args := usageWhere("", "", since)
	var out gateway.GlobalUsage
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COUNT(DISTINCT api_key),
			COUNT(DISTINCT model),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(AVG(latency_ms), 0)
		FROM usage_records`+where, args...,
	).Scan(&out.RequestCount, &out.ActiveKeys, &out.ActiveModels, &out.TotalTokens, &out.AvgLatencyMs)
	return out, err
}

// usageWhere builds the WHERE clause for one optional equality filter plus
// the optional since bound. Timestamps compare lexically as RFC3339 strings.
func usageWhere(filter, value string, since time.Time) (string, []any) {
	var clauses []string
	var args []any
	if filter != "" {
		clauses = append(clauses, filter)
		args = append(args, value)
	}
	if !since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, since.UTC().Format(time.RFC3339))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
