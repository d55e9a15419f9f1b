// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, applies pragmas, creates the schema, and runs column migrations

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// per-connection pragmas go in the DSN so every pooled connection gets them
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			phone_number TEXT NOT NULL UNIQUE,
			name TEXT,
			kind TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (kind IN ('sms', 'voice', 'both'))
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			channel TEXT NOT NULL DEFAULT 'home',
			contact_id TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (contact_id) REFERENCES contacts(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_contact_channel_created
			ON messages(contact_id, channel, created_at);

		CREATE TABLE IF NOT EXISTS call_logs (
			id TEXT PRIMARY KEY,
			call_control_id TEXT NOT NULL,
			contact_id TEXT,
			direction TEXT NOT NULL,
			from_number TEXT NOT NULL,
			to_number TEXT NOT NULL,
			status TEXT NOT NULL,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			transcript TEXT,
			answered_at TEXT,
			ended_at TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (contact_id) REFERENCES contacts(id),

			CHECK (status IN ('initiated', 'answered', 'active', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_call_logs_call_control_id
			ON call_logs(call_control_id);

		CREATE TABLE IF NOT EXISTS call_turns (
			id TEXT PRIMARY KEY,
			call_log_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (call_log_id) REFERENCES call_logs(id) ON DELETE CASCADE,

			CHECK (speaker IN ('caller', 'agent'))
		);

		CREATE INDEX IF NOT EXISTS idx_call_turns_call_log
			ON call_turns(call_log_id, created_at);

		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			run_id TEXT,
			session_key TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (status IN ('pending', 'running', 'done', 'failed'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_run_id
			ON tasks(run_id) WHERE run_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS token_usage (
			id TEXT PRIMARY KEY,
			run_id TEXT,
			session_key TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_token_usage_created
			ON token_usage(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies column additions for databases created by older
// versions. Idempotent.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "messages",
			column: "session_key",
			apply:  `ALTER TABLE messages ADD COLUMN session_key TEXT`,
		},
		{
			table:  "tasks",
			column: "error",
			apply:  `ALTER TABLE tasks ADD COLUMN error TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		if err := s.db.QueryRow(check, m.column).Scan(&exists); err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString converts an empty string to nil for SQL NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// rows written by hand or older tools
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// stamp fills a zero timestamp with the store clock.
func (s *SQLiteStore) stamp(t *time.Time) {
	if t.IsZero() {
		*t = s.now().UTC()
	}
}
