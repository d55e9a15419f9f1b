// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite, with per-method error injection

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	contacts  map[string]*Contact // keyed by contact ID
	byPhone   map[string]string   // phone number -> contact ID
	messages  []*Message          // in insertion order
	callLogs  map[string]*CallLog // keyed by call log ID
	callTurns map[string][]*CallTurn
	settings  map[string]string
	tasks     map[string]*Task
	usage     []*TokenUsage
	errs      map[string]error // method name -> injected error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		contacts:  make(map[string]*Contact),
		byPhone:   make(map[string]string),
		callLogs:  make(map[string]*CallLog),
		callTurns: make(map[string][]*CallTurn),
		settings:  make(map[string]string),
		tasks:     make(map[string]*Task),
		errs:      make(map[string]error),
	}
}

// FailOn makes the named method return err until cleared with a nil err.
func (m *MockStore) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, method)
		return
	}
	m.errs[method] = err
}

func (m *MockStore) errFor(method string) error {
	return m.errs[method]
}

// GetOrCreateContact returns or creates a contact, upgrading its kind.
func (m *MockStore) GetOrCreateContact(ctx context.Context, phoneNumber, kind string) (*Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errFor("GetOrCreateContact"); err != nil {
		return nil, err
	}

	if id, ok := m.byPhone[phoneNumber]; ok {
		c := m.contacts[id]
		if c.Kind != kind && c.Kind != KindBoth {
			c.Kind = KindBoth
			c.UpdatedAt = time.Now().UTC()
		}
		result := *c
		return &result, nil
	}

	now := time.Now().UTC()
	c := &Contact{
		ID:          uuid.New().String(),
		PhoneNumber: phoneNumber,
		Kind:        kind,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.contacts[c.ID] = c
	m.byPhone[phoneNumber] = c.ID
	result := *c
	return &result, nil
}

// GetContact retrieves a contact by ID.
func (m *MockStore) GetContact(ctx context.Context, id string) (*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// SaveMessage stores a message.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errFor("SaveMessage"); err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Channel == "" {
		msg.Channel = "home"
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	stored := *msg
	m.messages = append(m.messages, &stored)
	return nil
}

// RecentMessages returns the newest limit messages for a contact and channel, oldest first.
func (m *MockStore) RecentMessages(ctx context.Context, contactID, channel string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.errFor("RecentMessages"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	var matched []*Message
	for _, msg := range m.messages {
		if msg.ContactID == contactID && msg.Channel == channel {
			c := *msg
			matched = append(matched, &c)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// Messages returns a copy of every stored message in insertion order.
func (m *MockStore) Messages() []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Message, 0, len(m.messages))
	for _, msg := range m.messages {
		c := *msg
		out = append(out, &c)
	}
	return out
}

// CreateCallLog stores a call log.
func (m *MockStore) CreateCallLog(ctx context.Context, log *CallLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.errFor("CreateCallLog"); err != nil {
		return err
	}

	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.Status == "" {
		log.Status = CallInitiated
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	stored := *log
	m.callLogs[log.ID] = &stored
	return nil
}

// GetCallLog retrieves a call log by ID.
func (m *MockStore) GetCallLog(ctx context.Context, id string) (*CallLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log, ok := m.callLogs[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *log
	return &result, nil
}

// UpdateCallLog applies the non-nil fields of upd.
func (m *MockStore) UpdateCallLog(ctx context.Context, id string, upd CallLogUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.errFor("UpdateCallLog"); err != nil {
		return err
	}

	log, ok := m.callLogs[id]
	if !ok {
		return ErrNotFound
	}
	if upd.Status != nil {
		log.Status = *upd.Status
	}
	if upd.DurationSeconds != nil {
		log.DurationSeconds = *upd.DurationSeconds
	}
	if upd.Transcript != nil {
		log.Transcript = *upd.Transcript
	}
	if upd.AnsweredAt != nil {
		t := *upd.AnsweredAt
		log.AnsweredAt = &t
	}
	if upd.EndedAt != nil {
		t := *upd.EndedAt
		log.EndedAt = &t
	}
	return nil
}

// SaveCallTurn appends a transcript turn.
func (m *MockStore) SaveCallTurn(ctx context.Context, turn *CallTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.errFor("SaveCallTurn"); err != nil {
		return err
	}

	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	stored := *turn
	m.callTurns[turn.CallLogID] = append(m.callTurns[turn.CallLogID], &stored)
	return nil
}

// GetCallTurns returns the turns of a call in order.
func (m *MockStore) GetCallTurns(ctx context.Context, callLogID string) ([]*CallTurn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	turns := m.callTurns[callLogID]
	out := make([]*CallTurn, 0, len(turns))
	for _, t := range turns {
		c := *t
		out = append(out, &c)
	}
	return out, nil
}

// GetSetting returns the value for key, or ErrNotFound.
func (m *MockStore) GetSetting(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// SetSetting upserts a setting.
func (m *MockStore) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

// ListSettings returns every stored setting.
func (m *MockStore) ListSettings(ctx context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.errFor("ListSettings"); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(m.settings))
	for k, v := range m.settings {
		out[k] = v
	}
	return out, nil
}

// CreateTask stores a task.
func (m *MockStore) CreateTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = TaskPending
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	stored := *task
	m.tasks[task.ID] = &stored
	return nil
}

// GetTask retrieves a task by ID.
func (m *MockStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *task
	return &result, nil
}

// LinkTaskRun records the run for a task and marks it running.
func (m *MockStore) LinkTaskRun(ctx context.Context, taskID, runID, sessionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	task.RunID = runID
	task.SessionKey = sessionKey
	task.Status = TaskRunning
	task.Error = ""
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateTaskStatusByRun sets the status of the task owning runID.
func (m *MockStore) UpdateTaskStatusByRun(ctx context.Context, runID, status, errMsg string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, task := range m.tasks {
		if task.RunID == runID && runID != "" {
			task.Status = status
			task.Error = errMsg
			task.UpdatedAt = time.Now().UTC()
			result := *task
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// SaveUsage stores a token usage record.
func (m *MockStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errFor("SaveUsage"); err != nil {
		return err
	}

	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}
	stored := *usage
	m.usage = append(m.usage, &stored)
	return nil
}

// GetUsageStats aggregates stored usage.
func (m *MockStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats UsageStats
	for _, u := range m.usage {
		if filter.SessionKey != nil && u.SessionKey != *filter.SessionKey {
			continue
		}
		if filter.Since != nil && u.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !u.CreatedAt.Before(*filter.Until) {
			continue
		}
		stats.TotalInput += u.InputTokens
		stats.TotalOutput += u.OutputTokens
		stats.TotalCostUSD += u.CostUSD
		stats.RequestCount++
	}
	stats.TotalTokens = stats.TotalInput + stats.TotalOutput
	return &stats, nil
}

// CallLogs returns every call log ordered by creation time.
func (m *MockStore) CallLogs() []*CallLog {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*CallLog, 0, len(m.callLogs))
	for _, log := range m.callLogs {
		c := *log
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements the Store interface.
var _ Store = (*MockStore)(nil)
