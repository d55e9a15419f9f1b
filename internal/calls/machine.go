// ABOUTME: Inbound call state machine driven by telephony webhooks
// ABOUTME: Answers, greets, gathers speech, generates replies, and writes the transcript on hangup

package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/mission-control/internal/llm"
	"github.com/2389/mission-control/internal/metrics"
	"github.com/2389/mission-control/internal/notify"
	"github.com/2389/mission-control/internal/plaintext"
	"github.com/2389/mission-control/internal/store"
	"github.com/2389/mission-control/internal/telnyx"
)

// RepromptText is spoken when a gather heard nothing.
const RepromptText = "Are you still there? How can I help you?"

// followUpTimeout bounds the store writes and call actions that follow a
// reply generation, which may have used up the webhook's deadline.
const followUpTimeout = 15 * time.Second

// Errors returned by operator actions.
var (
	ErrCallNotFound = errors.New("call not in progress")
	ErrEmptyText    = errors.New("text is empty")
)

// CallControl issues call actions to the provider.
type CallControl interface {
	Answer(ctx context.Context, callID string) error
	GatherUsingSpeak(ctx context.Context, callID, prompt string) error
	Speak(ctx context.Context, callID, text string) error
	Hangup(ctx context.Context, callID string) error
}

// ResponseGenerator produces the agent's next line.
type ResponseGenerator interface {
	Generate(ctx context.Context, turns []llm.Turn) (string, error)
}

// Store is the persistence the machine writes to.
type Store interface {
	GetOrCreateContact(ctx context.Context, phoneNumber, kind string) (*store.Contact, error)
	CreateCallLog(ctx context.Context, log *store.CallLog) error
	UpdateCallLog(ctx context.Context, id string, upd store.CallLogUpdate) error
	SaveCallTurn(ctx context.Context, turn *store.CallTurn) error
}

// Notifier receives real-time updates for the dashboard.
type Notifier interface {
	Publish(topic string, payload any)
}

// Settings supplies live voice configuration.
type Settings interface {
	VoiceEnabled() bool
	Greeting() string
}

// Option configures a Machine.
type Option func(*Machine)

// WithNotifier sets the dashboard notifier.
func WithNotifier(n Notifier) Option {
	return func(m *Machine) { m.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, any) {}

// Machine handles call webhooks. Events for different calls may be handled
// concurrently.
type Machine struct {
	registry  *Registry
	control   CallControl
	generator ResponseGenerator
	store     Store
	settings  Settings
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// NewMachine wires a Machine to its collaborators.
func NewMachine(registry *Registry, control CallControl, generator ResponseGenerator, st Store, settings Settings, opts ...Option) *Machine {
	m := &Machine{
		registry:  registry,
		control:   control,
		generator: generator,
		store:     st,
		settings:  settings,
		notifier:  nopNotifier{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "calls")
	return m
}

// Registry returns the live session registry.
func (m *Machine) Registry() *Registry { return m.registry }

// Snapshot lists live calls, oldest first.
func (m *Machine) Snapshot() []Info { return m.registry.Snapshot() }

// HandleInitiated opens a session for an inbound call and answers it.
func (m *Machine) HandleInitiated(ctx context.Context, ev telnyx.CallInitiated) error {
	if ev.Direction != "incoming" {
		return nil
	}
	if !m.settings.VoiceEnabled() {
		m.logger.Info("voice disabled, ignoring inbound call", "call_id", ev.CallID, "from", ev.From)
		return nil
	}
	now := m.now()
	s := &Session{
		CallID:       ev.CallID,
		CallerNumber: ev.From,
		StartedAt:    now,
		state:        StateInitiated,
	}
	// The id is reserved before the log row exists so a redelivered
	// call.initiated cannot insert a second row. Other handlers for the call
	// wait on s.mu until the row is written.
	s.mu.Lock()
	if !m.registry.Add(s) {
		s.mu.Unlock()
		m.logger.Debug("duplicate call.initiated", "call_id", ev.CallID)
		return nil
	}

	contact, err := m.store.GetOrCreateContact(ctx, ev.From, store.KindVoice)
	if err != nil {
		m.logger.Warn("resolving caller contact", "from", ev.From, "error", err)
	} else {
		s.ContactID = contact.ID
	}

	callLog := &store.CallLog{
		CallControlID: ev.CallID,
		ContactID:     s.ContactID,
		Direction:     "inbound",
		FromNumber:    ev.From,
		ToNumber:      ev.To,
		Status:        store.CallInitiated,
		CreatedAt:     now,
	}
	if err := m.store.CreateCallLog(ctx, callLog); err != nil {
		m.registry.Remove(ev.CallID)
		s.state = StateFailed
		s.mu.Unlock()
		return fmt.Errorf("creating call log for %s: %w", ev.CallID, err)
	}
	s.LogID = callLog.ID
	s.mu.Unlock()

	if err := m.control.Answer(ctx, ev.CallID); err != nil {
		m.registry.Remove(ev.CallID)
		s.setState(StateFailed)
		m.updateLog(ctx, s, store.CallLogUpdate{Status: ptr(store.CallFailed), EndedAt: &now})
		metrics.CallsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("answering call %s: %w", ev.CallID, err)
	}

	m.logger.Info("inbound call", "call_id", ev.CallID, "from", ev.From, "log_id", s.LogID)
	m.notifier.Publish(notify.TopicCallNew, map[string]any{
		"id":            s.LogID,
		"call_id":       s.CallID,
		"caller_number": s.CallerNumber,
		"contact_id":    s.ContactID,
		"status":        store.CallInitiated,
	})
	return nil
}

// HandleAnswered greets the caller and starts listening.
func (m *Machine) HandleAnswered(ctx context.Context, ev telnyx.CallAnswered) error {
	s := m.registry.Get(ev.CallID)
	if s == nil {
		return nil
	}

	now := m.now()
	s.mu.Lock()
	if s.state != StateInitiated {
		s.mu.Unlock()
		return nil
	}
	s.state = StateAnswered
	s.answeredAt = now
	s.mu.Unlock()

	m.updateLog(ctx, s, store.CallLogUpdate{Status: ptr(store.CallAnswered), AnsweredAt: &now})

	greeting := m.settings.Greeting()
	m.appendTurn(ctx, s, SpeakerAgent, greeting)
	s.setState(StateGathering)

	if err := m.control.GatherUsingSpeak(ctx, s.CallID, greeting); err != nil {
		m.abandon(ctx, s)
		return fmt.Errorf("greeting call %s: %w", s.CallID, err)
	}
	return nil
}

// abandon hangs up an answered call the machine cannot talk on and closes
// its log as failed. The provider's later hangup webhook finds no session.
func (m *Machine) abandon(ctx context.Context, s *Session) {
	if m.registry.Remove(s.CallID) == nil {
		return
	}
	now := m.now()
	s.mu.Lock()
	s.state = StateFailed
	transcript := FormatTranscript(s.turns)
	s.mu.Unlock()

	ctx, cancel := followUpContext(ctx)
	defer cancel()
	if err := m.control.Hangup(ctx, s.CallID); err != nil {
		m.logger.Warn("hanging up abandoned call", "call_id", s.CallID, "error", err)
	}
	m.updateLog(ctx, s, store.CallLogUpdate{Status: ptr(store.CallFailed), Transcript: &transcript, EndedAt: &now})
	metrics.CallsTotal.WithLabelValues("failed").Inc()
	m.logger.Warn("call abandoned", "call_id", s.CallID)
	m.notifier.Publish(notify.TopicCallEnded, map[string]any{
		"id":      s.LogID,
		"call_id": s.CallID,
		"status":  store.CallFailed,
	})
}

// followUpContext detaches from ctx, which may already be spent, and applies
// a fresh deadline.
func followUpContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), followUpTimeout)
}

// HandleGatherEnded runs one listen/respond cycle.
func (m *Machine) HandleGatherEnded(ctx context.Context, ev telnyx.GatherEnded) error {
	s := m.registry.Get(ev.CallID)
	if s == nil {
		return nil
	}

	s.exchange.Lock()
	defer s.exchange.Unlock()

	utterance := strings.TrimSpace(ev.Speech)
	if utterance == "" && ev.Digits != "" {
		utterance = "Pressed " + ev.Digits
	}
	if utterance == "" {
		if s.State() == StateEnded {
			return nil
		}
		m.logger.Debug("no speech detected, reprompting", "call_id", s.CallID, "status", ev.Status)
		if err := m.control.GatherUsingSpeak(ctx, s.CallID, RepromptText); err != nil {
			return fmt.Errorf("reprompting call %s: %w", s.CallID, err)
		}
		return nil
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return nil
	}
	s.state = StateResponding
	s.mu.Unlock()

	m.appendTurn(ctx, s, SpeakerCaller, utterance)

	reply := m.generate(ctx, s)

	ctx, cancel := followUpContext(ctx)
	defer cancel()

	s.mu.Lock()
	ended := s.state == StateEnded
	if !ended {
		s.state = StateGathering
	}
	s.mu.Unlock()

	if ended {
		// The caller hung up while the reply was generated.
		m.saveTurn(ctx, s, SpeakerAgent, reply, m.now())
		m.logger.Info("call ended during generation, reply not spoken", "call_id", s.CallID)
		return nil
	}

	m.appendTurn(ctx, s, SpeakerAgent, reply)
	m.updateLog(ctx, s, store.CallLogUpdate{Status: ptr(store.CallActive)})

	if err := m.control.GatherUsingSpeak(ctx, s.CallID, reply); err != nil {
		return fmt.Errorf("speaking reply on call %s: %w", s.CallID, err)
	}
	return nil
}

func (m *Machine) generate(ctx context.Context, s *Session) string {
	turns := s.Turns()
	history := make([]llm.Turn, 0, len(turns))
	for _, t := range turns {
		history = append(history, llm.Turn{Speaker: t.Speaker, Text: t.Text})
	}

	start := time.Now()
	reply, err := m.generator.Generate(ctx, history)
	metrics.GenerationDuration.WithLabelValues("voice").Observe(time.Since(start).Seconds())
	if err != nil {
		m.logger.Warn("response generation failed", "call_id", s.CallID, "error", err)
		return llm.Fallback(err)
	}
	if spoken := plaintext.ForSpeech(reply); spoken != "" {
		return spoken
	}
	return llm.Fallback(llm.ErrEmptyCompletion)
}

// Say speaks text on a live call on behalf of an operator and records it as
// an agent turn. Listening is not restarted.
func (m *Machine) Say(ctx context.Context, callID, text string) error {
	s := m.registry.Get(callID)
	if s == nil || s.State() == StateEnded {
		return ErrCallNotFound
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	if err := m.control.Speak(ctx, callID, text); err != nil {
		return fmt.Errorf("speaking on call %s: %w", callID, err)
	}
	m.appendTurn(ctx, s, SpeakerAgent, text)
	return nil
}

// End asks the provider to hang up a live call. The session closes when the
// hangup webhook arrives.
func (m *Machine) End(ctx context.Context, callID string) error {
	if m.registry.Get(callID) == nil {
		return ErrCallNotFound
	}
	if err := m.control.Hangup(ctx, callID); err != nil {
		return fmt.Errorf("hanging up call %s: %w", callID, err)
	}
	m.logger.Info("operator hung up call", "call_id", callID)
	return nil
}

// HandleHangup closes the session and writes the final call log.
func (m *Machine) HandleHangup(ctx context.Context, ev telnyx.CallHangup) error {
	s := m.registry.Remove(ev.CallID)
	if s == nil {
		return nil
	}

	now := m.now()
	s.mu.Lock()
	s.state = StateEnded
	duration := 0
	if !s.answeredAt.IsZero() {
		duration = int(now.Sub(s.answeredAt).Seconds())
	}
	transcript := FormatTranscript(s.turns)
	turnCount := len(s.turns)
	s.mu.Unlock()

	m.updateLog(ctx, s, store.CallLogUpdate{
		Status:          ptr(store.CallCompleted),
		DurationSeconds: &duration,
		Transcript:      &transcript,
		EndedAt:         &now,
	})
	metrics.CallsTotal.WithLabelValues("completed").Inc()

	m.logger.Info("call ended", "call_id", s.CallID, "duration_s", duration, "turns", turnCount, "cause", ev.Cause)
	m.notifier.Publish(notify.TopicCallEnded, map[string]any{
		"id":               s.LogID,
		"call_id":          s.CallID,
		"duration_seconds": duration,
		"turns":            turnCount,
	})
	return nil
}

// FormatTranscript renders turns as "Caller: ..." / "Agent: ..." lines.
func FormatTranscript(turns []Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		label := "Agent"
		if t.Speaker == SpeakerCaller {
			label = "Caller"
		}
		lines = append(lines, label+": "+t.Text)
	}
	return strings.Join(lines, "\n")
}

func (m *Machine) appendTurn(ctx context.Context, s *Session, speaker, text string) {
	at := m.now()
	s.mu.Lock()
	s.turns = append(s.turns, Turn{Speaker: speaker, Text: text, At: at})
	s.mu.Unlock()

	m.saveTurn(ctx, s, speaker, text, at)
	metrics.CallTurns.WithLabelValues(speaker).Inc()
	m.notifier.Publish(notify.TopicCallTurn, map[string]any{
		"call_log_id": s.LogID,
		"speaker":     speaker,
		"text":        text,
	})
}

func (m *Machine) saveTurn(ctx context.Context, s *Session, speaker, text string, at time.Time) {
	err := m.store.SaveCallTurn(ctx, &store.CallTurn{CallLogID: s.LogID, Speaker: speaker, Text: text, CreatedAt: at})
	if err != nil {
		m.logger.Error("saving call turn", "call_id", s.CallID, "speaker", speaker, "error", err)
	}
}

func (m *Machine) updateLog(ctx context.Context, s *Session, upd store.CallLogUpdate) {
	if err := m.store.UpdateCallLog(ctx, s.LogID, upd); err != nil {
		m.logger.Error("updating call log", "call_id", s.CallID, "log_id", s.LogID, "error", err)
	}
}

func ptr[T any](v T) *T { return &v }
