// ABOUTME: SQLite implementation for token usage tracking
// ABOUTME: Stores every gateway usage report with its estimated cost for reporting

package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// SaveUsage stores a token usage record.
func (s *SQLiteStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	s.stamp(&usage.CreatedAt)

	query := `
		INSERT INTO token_usage (id, run_id, session_key, input_tokens, output_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		usage.ID,
		nullString(usage.RunID),
		nullString(usage.SessionKey),
		usage.InputTokens,
		usage.OutputTokens,
		usage.CostUSD,
		formatTime(usage.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved token usage",
		"id", usage.ID,
		"run_id", usage.RunID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	return nil
}

// GetUsageStats returns aggregated usage statistics with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COALESCE(SUM(input_tokens), 0) as total_input,
			COALESCE(SUM(output_tokens), 0) as total_output,
			COALESCE(SUM(cost_usd), 0) as total_cost,
			COUNT(*) as request_count
		FROM token_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.SessionKey != nil {
		query += " AND session_key = ?"
		args = append(args, *filter.SessionKey)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		query += " AND created_at < ?"
		args = append(args, formatTime(*filter.Until))
	}

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalInput,
		&stats.TotalOutput,
		&stats.TotalCostUSD,
		&stats.RequestCount,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}

	stats.TotalTokens = stats.TotalInput + stats.TotalOutput
	return &stats, nil
}

// Ensure SQLiteStore implements the Store interface.
var _ Store = (*SQLiteStore)(nil)
