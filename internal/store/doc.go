// Package store provides persistent storage for mission-control using SQLite.
//
// # Architecture
//
// Small interfaces, one per concern, composed into Store:
//
//   - ContactStore: phone numbers seen over SMS or voice
//   - MessageStore: chat lines and per-contact SMS history
//   - CallStore: call logs and transcript turns
//   - SettingsStore: dashboard-editable key/value settings
//   - TaskStore: dashboard tasks linked to agent run ids
//   - UsageStore: gateway token usage and estimated cost
//
// SQLiteStore implements all of them; MockStore is the in-memory twin for
// tests, with FailOn for error injection.
//
// # SQLite Configuration
//
// WAL journal, foreign keys on, 5s busy timeout. Timestamps are stored as
// fixed-width UTC strings so ORDER BY created_at is chronological.
//
// # Error Handling
//
// Lookups of missing rows return ErrNotFound. Everything else is wrapped
// with the operation that failed.
package store
