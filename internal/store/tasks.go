// ABOUTME: SQLite task persistence with run id linkage
// ABOUTME: Lets gateway lifecycle events find and update the task that started a run

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateTask inserts a task. ID, Status, and timestamps are filled in when empty.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = TaskPending
	}
	s.stamp(&task.CreatedAt)
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, run_id, session_key, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID,
		task.Title,
		nullString(task.Description),
		task.Status,
		nullString(task.RunID),
		nullString(task.SessionKey),
		nullString(task.Error),
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, status, run_id, session_key, error, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	return scanTask(row)
}

// LinkTaskRun records the run dispatched for a task and marks it running.
func (s *SQLiteStore) LinkTaskRun(ctx context.Context, taskID, runID, sessionKey string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET run_id = ?, session_key = ?, status = ?, error = NULL, updated_at = ?
		WHERE id = ?
	`, runID, nullString(sessionKey), TaskRunning, formatTime(s.now()), taskID)
	if err != nil {
		return fmt.Errorf("linking task run: %w", err)
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

// UpdateTaskStatusByRun sets the status of the task that owns runID.
func (s *SQLiteStore) UpdateTaskStatusByRun(ctx context.Context, runID, status, errMsg string) (*Task, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error = ?, updated_at = ? WHERE run_id = ?
	`, status, nullString(errMsg), formatTime(s.now()), runID)
	if err != nil {
		return nil, fmt.Errorf("updating task status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrNotFound
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, status, run_id, session_key, error, created_at, updated_at
		FROM tasks WHERE run_id = ?
	`, runID)
	return scanTask(row)
}

func scanTask(row *sql.Row) (*Task, error) {
	var task Task
	var description, runID, sessionKey, errMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&task.ID,
		&task.Title,
		&description,
		&task.Status,
		&runID,
		&sessionKey,
		&errMsg,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}

	task.Description = description.String
	task.RunID = runID.String
	task.SessionKey = sessionKey.String
	task.Error = errMsg.String
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &task, nil
}
