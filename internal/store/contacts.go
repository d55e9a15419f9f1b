// ABOUTME: SQLite contact persistence keyed by phone number
// ABOUTME: Upgrades a contact to kind "both" when it shows up on a second channel type

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// GetOrCreateContact returns the contact for phoneNumber, creating or upgrading it.
func (s *SQLiteStore) GetOrCreateContact(ctx context.Context, phoneNumber, kind string) (*Contact, error) {
	c, err := s.contactByPhone(ctx, phoneNumber)
	if err == nil {
		if c.Kind != kind && c.Kind != KindBoth {
			now := s.now().UTC()
			_, err := s.db.ExecContext(ctx,
				`UPDATE contacts SET kind = ?, updated_at = ? WHERE id = ?`,
				KindBoth, formatTime(now), c.ID)
			if err != nil {
				return nil, fmt.Errorf("upgrading contact kind: %w", err)
			}
			c.Kind = KindBoth
			c.UpdatedAt = now
			s.logger.Debug("contact upgraded", "id", c.ID, "kind", KindBoth)
		}
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	c = &Contact{
		ID:          uuid.New().String(),
		PhoneNumber: phoneNumber,
		Kind:        kind,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, phone_number, name, kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.PhoneNumber, nullString(c.Name), c.Kind, formatTime(now), formatTime(now))
	if err != nil {
		if isConstraintViolation(err) {
			// lost a race with a concurrent webhook for the same number
			return s.contactByPhone(ctx, phoneNumber)
		}
		return nil, fmt.Errorf("inserting contact: %w", err)
	}

	s.logger.Debug("created contact", "id", c.ID, "kind", kind)
	return c, nil
}

// GetContact retrieves a contact by ID.
// Returns ErrNotFound if the contact doesn't exist.
func (s *SQLiteStore) GetContact(ctx context.Context, id string) (*Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, phone_number, name, kind, created_at, updated_at
		FROM contacts WHERE id = ?
	`, id)
	return scanContact(row)
}

func (s *SQLiteStore) contactByPhone(ctx context.Context, phoneNumber string) (*Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, phone_number, name, kind, created_at, updated_at
		FROM contacts WHERE phone_number = ?
	`, phoneNumber)
	return scanContact(row)
}

func scanContact(row *sql.Row) (*Contact, error) {
	var c Contact
	var name sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&c.ID, &c.PhoneNumber, &name, &c.Kind, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning contact: %w", err)
	}

	c.Name = name.String
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}
