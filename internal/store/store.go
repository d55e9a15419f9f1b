// ABOUTME: Store interfaces and data types for mission-control persistence
// ABOUTME: Contacts, messages, call logs and transcript turns, settings, tasks, and token usage

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Contact kinds. A number seen on both SMS and voice becomes KindBoth.
const (
	KindSMS   = "sms"
	KindVoice = "voice"
	KindBoth  = "both"
)

// Contact is a phone number the system has talked to
type Contact struct {
	ID          string
	PhoneNumber string
	Name        string
	Kind        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message roles
const (
	RoleUser   = "user"
	RoleAgent  = "agent"
	RoleSystem = "system"
)

// ChannelSMS is the message channel for text messages exchanged with contacts.
const ChannelSMS = "sms"

// Message is one chat line, from the dashboard, the agent, or an SMS contact
type Message struct {
	ID         string
	Role       string
	Content    string
	Channel    string
	ContactID  string // empty for dashboard messages
	SessionKey string
	CreatedAt  time.Time
}

// Call statuses
const (
	CallInitiated = "initiated"
	CallAnswered  = "answered"
	CallActive    = "active"
	CallCompleted = "completed"
	CallFailed    = "failed"
)

// CallLog is the durable record of one phone call
type CallLog struct {
	ID              string
	CallControlID   string
	ContactID       string
	Direction       string
	FromNumber      string
	ToNumber        string
	Status          string
	DurationSeconds int
	Transcript      string
	AnsweredAt      *time.Time
	EndedAt         *time.Time
	CreatedAt       time.Time
}

// CallLogUpdate lists the fields to change on a call log; nil fields are left alone
type CallLogUpdate struct {
	Status          *string
	DurationSeconds *int
	Transcript      *string
	AnsweredAt      *time.Time
	EndedAt         *time.Time
}

// CallTurn is one spoken line in a call transcript
type CallTurn struct {
	ID        string
	CallLogID string
	Speaker   string // "caller" or "agent"
	Text      string
	CreatedAt time.Time
}

// Task statuses
const (
	TaskPending = "pending"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

// Task is a dashboard work item that may be dispatched to the agent as a run
type Task struct {
	ID          string
	Title       string
	Description string
	Status      string
	RunID       string
	SessionKey  string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TokenUsage is one usage report from the gateway
type TokenUsage struct {
	ID           string
	RunID        string
	SessionKey   string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	CreatedAt    time.Time
}

// UsageFilter narrows GetUsageStats; nil fields are ignored
type UsageFilter struct {
	SessionKey *string
	Since      *time.Time
	Until      *time.Time
}

// UsageStats aggregates token usage
type UsageStats struct {
	TotalInput   int
	TotalOutput  int
	TotalTokens  int
	TotalCostUSD float64
	RequestCount int
}

// ContactStore resolves phone numbers to contacts
type ContactStore interface {
	// GetOrCreateContact returns the contact for phoneNumber, creating it with
	// the given kind, or upgrading an existing contact to KindBoth when it is
	// seen on a different kind of channel.
	GetOrCreateContact(ctx context.Context, phoneNumber, kind string) (*Contact, error)
	GetContact(ctx context.Context, id string) (*Contact, error)
}

// MessageStore persists chat lines
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *Message) error
	// RecentMessages returns up to limit of the newest messages with the
	// contact on the channel, oldest first.
	RecentMessages(ctx context.Context, contactID, channel string, limit int) ([]*Message, error)
}

// CallStore persists call logs and transcript turns
type CallStore interface {
	CreateCallLog(ctx context.Context, log *CallLog) error
	GetCallLog(ctx context.Context, id string) (*CallLog, error)
	UpdateCallLog(ctx context.Context, id string, upd CallLogUpdate) error
	SaveCallTurn(ctx context.Context, turn *CallTurn) error
	GetCallTurns(ctx context.Context, callLogID string) ([]*CallTurn, error)
}

// SettingsStore holds runtime-editable key/value settings
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) (map[string]string, error)
}

// TaskStore tracks dashboard tasks and the agent runs they map to
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	LinkTaskRun(ctx context.Context, taskID, runID, sessionKey string) error
	// UpdateTaskStatusByRun returns ErrNotFound when no task owns the run.
	UpdateTaskStatusByRun(ctx context.Context, runID, status, errMsg string) (*Task, error)
}

// UsageStore records gateway token usage
type UsageStore interface {
	SaveUsage(ctx context.Context, usage *TokenUsage) error
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
}

// Store is everything the service needs from persistence
type Store interface {
	ContactStore
	MessageStore
	CallStore
	SettingsStore
	TaskStore
	UsageStore
	Close() error
}
