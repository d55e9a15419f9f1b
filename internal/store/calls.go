// ABOUTME: SQLite persistence for call logs and transcript turns
// ABOUTME: Call logs are inserted when a call starts and updated field-wise as it progresses

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CreateCallLog inserts a call log row. ID and CreatedAt are filled in when empty.
func (s *SQLiteStore) CreateCallLog(ctx context.Context, log *CallLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.Status == "" {
		log.Status = CallInitiated
	}
	s.stamp(&log.CreatedAt)

	query := `
		INSERT INTO call_logs (
			id, call_control_id, contact_id, direction, from_number, to_number,
			status, duration_seconds, transcript, answered_at, ended_at, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		log.ID,
		log.CallControlID,
		nullString(log.ContactID),
		log.Direction,
		log.FromNumber,
		log.ToNumber,
		log.Status,
		log.DurationSeconds,
		nullString(log.Transcript),
		nullTime(log.AnsweredAt),
		nullTime(log.EndedAt),
		formatTime(log.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting call log: %w", err)
	}

	s.logger.Debug("created call log", "id", log.ID, "call_control_id", log.CallControlID)
	return nil
}

// GetCallLog retrieves a call log by ID.
// Returns ErrNotFound if the call log doesn't exist.
func (s *SQLiteStore) GetCallLog(ctx context.Context, id string) (*CallLog, error) {
	query := `
		SELECT id, call_control_id, contact_id, direction, from_number, to_number,
		       status, duration_seconds, transcript, answered_at, ended_at, created_at
		FROM call_logs WHERE id = ?
	`
	var log CallLog
	var contact, transcript, answeredAt, endedAt sql.NullString
	var createdAt string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&log.ID,
		&log.CallControlID,
		&contact,
		&log.Direction,
		&log.FromNumber,
		&log.ToNumber,
		&log.Status,
		&log.DurationSeconds,
		&transcript,
		&answeredAt,
		&endedAt,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying call log: %w", err)
	}

	log.ContactID = contact.String
	log.Transcript = transcript.String
	if log.AnsweredAt, err = parseNullTime(answeredAt); err != nil {
		return nil, fmt.Errorf("parsing answered_at: %w", err)
	}
	if log.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, fmt.Errorf("parsing ended_at: %w", err)
	}
	if log.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &log, nil
}

// UpdateCallLog applies the non-nil fields of upd in one statement.
// Returns ErrNotFound if the call log doesn't exist.
func (s *SQLiteStore) UpdateCallLog(ctx context.Context, id string, upd CallLogUpdate) error {
	var sets []string
	var args []any

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.DurationSeconds != nil {
		sets = append(sets, "duration_seconds = ?")
		args = append(args, *upd.DurationSeconds)
	}
	if upd.Transcript != nil {
		sets = append(sets, "transcript = ?")
		args = append(args, *upd.Transcript)
	}
	if upd.AnsweredAt != nil {
		sets = append(sets, "answered_at = ?")
		args = append(args, formatTime(*upd.AnsweredAt))
	}
	if upd.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, formatTime(*upd.EndedAt))
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := "UPDATE call_logs SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating call log: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveCallTurn appends a transcript turn.
func (s *SQLiteStore) SaveCallTurn(ctx context.Context, turn *CallTurn) error {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	s.stamp(&turn.CreatedAt)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_turns (id, call_log_id, speaker, text, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, turn.ID, turn.CallLogID, turn.Speaker, turn.Text, formatTime(turn.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting call turn: %w", err)
	}
	return nil
}

// GetCallTurns returns the turns of a call in order.
func (s *SQLiteStore) GetCallTurns(ctx context.Context, callLogID string) ([]*CallTurn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, call_log_id, speaker, text, created_at
		FROM call_turns
		WHERE call_log_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, callLogID)
	if err != nil {
		return nil, fmt.Errorf("querying call turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []*CallTurn
	for rows.Next() {
		var turn CallTurn
		var createdAt string
		if err := rows.Scan(&turn.ID, &turn.CallLogID, &turn.Speaker, &turn.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning call turn: %w", err)
		}
		if turn.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		turns = append(turns, &turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call turns: %w", err)
	}
	return turns, nil
}
