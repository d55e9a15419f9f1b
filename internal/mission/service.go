// ABOUTME: Fans gateway events out to notifications, message history, tasks, and the usage ledger
// ABOUTME: Dispatches dashboard chat and tasks to the agent and reports overall status

package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/mission-control/internal/costguard"
	"github.com/2389/mission-control/internal/gateway"
	"github.com/2389/mission-control/internal/notify"
	"github.com/2389/mission-control/internal/store"
)

// DefaultSessionKey is the dashboard's main chat session.
const DefaultSessionKey = "main"

// eventWriteTimeout bounds store writes made from the gateway read loop.
const eventWriteTimeout = 5 * time.Second

// ErrNotDelivered means the gateway did not accept the command.
var ErrNotDelivered = errors.New("command not delivered to gateway")

// Gateway is the part of the gateway client the service uses.
type Gateway interface {
	State() gateway.State
	Authenticated() bool
	SendCommand(text, sessionKey string) (string, bool)
}

// Store is the persistence the service writes to.
type Store interface {
	SaveMessage(ctx context.Context, msg *store.Message) error
	GetTask(ctx context.Context, id string) (*store.Task, error)
	LinkTaskRun(ctx context.Context, taskID, runID, sessionKey string) error
	UpdateTaskStatusByRun(ctx context.Context, runID, status, errMsg string) (*store.Task, error)
	SaveUsage(ctx context.Context, usage *store.TokenUsage) error
	GetUsageStats(ctx context.Context, filter store.UsageFilter) (*store.UsageStats, error)
}

// Notifier receives real-time updates for the dashboard.
type Notifier interface {
	Publish(topic string, payload any)
}

// Reporter contributes extra fields to the status report.
type Reporter func() (key string, value any)

// Service is safe for concurrent use.
type Service struct {
	gateway   Gateway
	guard     *costguard.Guard
	pricing   costguard.Pricing
	store     Store
	notifier  Notifier
	smsKey    string
	started   time.Time
	reporters []Reporter
	logger    *slog.Logger
	now       func() time.Time
}

// Config holds the service's fixed settings.
type Config struct {
	// SMSSessionKey is owned by the SMS correlator; agent output on it is not
	// stored as dashboard history.
	SMSSessionKey string
	Pricing       costguard.Pricing
}

// New creates a Service.
func New(cfg Config, gw Gateway, guard *costguard.Guard, st Store, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pricing == (costguard.Pricing{}) {
		cfg.Pricing = costguard.DefaultPricing()
	}
	return &Service{
		gateway:  gw,
		guard:    guard,
		pricing:  cfg.Pricing,
		store:    st,
		notifier: notifier,
		smsKey:   cfg.SMSSessionKey,
		started:  time.Now(),
		logger:   logger.With("component", "mission"),
		now:      time.Now,
	}
}

// AddReporter adds a field to Status.
func (s *Service) AddReporter(r Reporter) {
	s.reporters = append(s.reporters, r)
}

// HandleEvent consumes gateway events. Register it with the gateway client.
func (s *Service) HandleEvent(ev gateway.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
	defer cancel()

	switch e := ev.(type) {
	case gateway.StatusEvent:
		s.logger.Info("agent status", "online", e.Online, "reason", e.Reason)
		s.notifier.Publish(notify.TopicAgentStatus, map[string]any{"online": e.Online, "reason": e.Reason})

	case gateway.LogEvent:
		s.logger.Log(ctx, parseLevel(e.Level), e.Message, "source", "gateway")

	case gateway.MessageEvent:
		if e.Synthetic {
			s.saveAgentMessage(ctx, e.SessionKey, e.RunID, e.Text, store.RoleSystem)
			return
		}
		s.notifier.Publish(notify.TopicAgentStream, map[string]any{
			"session_key": e.SessionKey,
			"run_id":      e.RunID,
			"delta":       e.Text,
		})

	case gateway.ChatFinalEvent:
		s.saveAgentMessage(ctx, e.SessionKey, e.RunID, e.Text, store.RoleAgent)

	case gateway.LifecycleEvent:
		s.reconcileTask(ctx, e)

	case gateway.ToolEvent:
		s.notifier.Publish(notify.TopicTaskProgress, map[string]any{
			"run_id":      e.RunID,
			"session_key": e.SessionKey,
			"tool":        e.Tool,
			"phase":       e.Phase,
		})

	case gateway.UsageEvent:
		s.recordUsage(ctx, e)

	case gateway.PresenceEvent:
		s.notifier.Publish(notify.TopicAgentStatus, map[string]any{"presence": e.Payload})
	}
}

func (s *Service) saveAgentMessage(ctx context.Context, sessionKey, runID, text, role string) {
	if sessionKey == s.smsKey && s.smsKey != "" {
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	if sessionKey == "" {
		sessionKey = DefaultSessionKey
	}
	msg := &store.Message{
		Role:       role,
		Content:    text,
		Channel:    sessionKey,
		SessionKey: sessionKey,
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		s.logger.Error("saving agent message", "session_key", sessionKey, "run_id", runID, "error", err)
		return
	}
	s.notifier.Publish(notify.TopicMessageNew, map[string]any{
		"id":          msg.ID,
		"role":        msg.Role,
		"content":     msg.Content,
		"channel":     msg.Channel,
		"session_key": sessionKey,
		"run_id":      runID,
	})
}

func (s *Service) reconcileTask(ctx context.Context, e gateway.LifecycleEvent) {
	var status string
	switch e.Phase {
	case gateway.PhaseEnd:
		status = store.TaskDone
	case gateway.PhaseError:
		status = store.TaskFailed
	default:
		return
	}
	if e.RunID == "" {
		return
	}

	task, err := s.store.UpdateTaskStatusByRun(ctx, e.RunID, status, e.Error)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Error("reconciling task", "run_id", e.RunID, "error", err)
		return
	}
	s.logger.Info("task finished", "task_id", task.ID, "status", status)
	s.notifier.Publish(notify.TopicTaskUpdated, map[string]any{
		"id":     task.ID,
		"status": task.Status,
		"error":  task.Error,
	})
}

func (s *Service) recordUsage(ctx context.Context, e gateway.UsageEvent) {
	usage := &store.TokenUsage{
		RunID:        e.RunID,
		SessionKey:   e.SessionKey,
		InputTokens:  max(e.Usage.Input, 0),
		OutputTokens: max(e.Usage.Output, 0),
		CreatedAt:    s.now(),
	}
	usage.CostUSD = s.pricing.Cost(usage.InputTokens, usage.OutputTokens)
	if err := s.store.SaveUsage(ctx, usage); err != nil {
		s.logger.Error("saving token usage", "run_id", e.RunID, "error", err)
	}
}

// SendChat forwards a dashboard chat line to the agent and records it.
func (s *Service) SendChat(ctx context.Context, text, sessionKey string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty message")
	}
	if sessionKey == "" {
		sessionKey = DefaultSessionKey
	}

	msg := &store.Message{Role: store.RoleUser, Content: text, Channel: sessionKey, SessionKey: sessionKey}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("saving chat message: %w", err)
	}

	runID, ok := s.gateway.SendCommand(text, sessionKey)
	if !ok {
		return "", ErrNotDelivered
	}
	return runID, nil
}

// Dispatch sends a task to the agent and links it to the resulting run.
func (s *Service) Dispatch(ctx context.Context, taskID, sessionKey string) (string, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if sessionKey == "" {
		sessionKey = DefaultSessionKey
	}

	prompt := task.Title
	if task.Description != "" {
		prompt += "\n\n" + task.Description
	}

	runID, ok := s.gateway.SendCommand(prompt, sessionKey)
	if !ok {
		return "", ErrNotDelivered
	}
	if err := s.store.LinkTaskRun(ctx, taskID, runID, sessionKey); err != nil {
		return runID, fmt.Errorf("linking task %s to run %s: %w", taskID, runID, err)
	}

	s.logger.Info("task dispatched", "task_id", taskID, "run_id", runID)
	s.notifier.Publish(notify.TopicTaskUpdated, map[string]any{"id": taskID, "status": store.TaskRunning, "run_id": runID})
	return runID, nil
}

// Status is the overall health report.
type Status struct {
	Online        bool               `json:"online"`
	GatewayState  string             `json:"gateway_state"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Cost          costguard.Snapshot `json:"cost"`
	Extra         map[string]any     `json:"extra,omitempty"`
}

// Status reports gateway, cost, and registered extras.
func (s *Service) Status() Status {
	st := Status{
		Online:        s.gateway.Authenticated(),
		GatewayState:  s.gateway.State().String(),
		UptimeSeconds: int64(s.now().Sub(s.started).Seconds()),
	}
	if s.guard != nil {
		st.Cost = s.guard.Snapshot()
	}
	if len(s.reporters) > 0 {
		st.Extra = make(map[string]any, len(s.reporters))
		for _, r := range s.reporters {
			k, v := r()
			st.Extra[k] = v
		}
	}
	return st
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
