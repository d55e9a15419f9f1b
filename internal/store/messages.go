// ABOUTME: SQLite message persistence for dashboard chat, agent replies, and SMS
// ABOUTME: Provides the bounded per-contact history used by the direct reply path

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// SaveMessage stores a message. ID and CreatedAt are filled in when empty.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Channel == "" {
		msg.Channel = "home"
	}
	s.stamp(&msg.CreatedAt)

	query := `
		INSERT INTO messages (id, role, content, channel, contact_id, session_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.Role,
		msg.Content,
		msg.Channel,
		nullString(msg.ContactID),
		nullString(msg.SessionKey),
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "role", msg.Role, "channel", msg.Channel)
	return nil
}

// RecentMessages returns the newest limit messages for a contact on a channel,
// in chronological order.
func (s *SQLiteStore) RecentMessages(ctx context.Context, contactID, channel string, limit int) ([]*Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	// Subquery picks the newest rows, outer query restores chronological order
	query := `
		SELECT id, role, content, channel, contact_id, session_key, created_at
		FROM (
			SELECT id, role, content, channel, contact_id, session_key, created_at, rowid AS rid
			FROM messages
			WHERE contact_id = ? AND channel = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, rid ASC
	`
	rows, err := s.db.QueryContext(ctx, query, contactID, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var contact, session sql.NullString
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.Channel, &contact, &session, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.ContactID = contact.String
		msg.SessionKey = session.String
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}
