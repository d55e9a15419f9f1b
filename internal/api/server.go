// ABOUTME: Dashboard HTTP handlers over the mission service, store, and notification broadcaster
// ABOUTME: JSON request/response endpoints plus an SSE stream of live notifications

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/mission-control/internal/calls"
	"github.com/2389/mission-control/internal/config"
	"github.com/2389/mission-control/internal/mission"
	"github.com/2389/mission-control/internal/notify"
	"github.com/2389/mission-control/internal/store"
)

const (
	maxRequestBytes   = 64 << 10
	keepaliveInterval = 25 * time.Second
)

// Mission is the agent-facing service.
type Mission interface {
	Status() mission.Status
	SendChat(ctx context.Context, text, sessionKey string) (string, error)
	Dispatch(ctx context.Context, taskID, sessionKey string) (string, error)
}

// Store is the persistence the dashboard reads and writes.
type Store interface {
	CreateTask(ctx context.Context, task *store.Task) error
	GetTask(ctx context.Context, id string) (*store.Task, error)
	GetCallLog(ctx context.Context, id string) (*store.CallLog, error)
	GetCallTurns(ctx context.Context, callLogID string) ([]*store.CallTurn, error)
	GetUsageStats(ctx context.Context, filter store.UsageFilter) (*store.UsageStats, error)
	ListSettings(ctx context.Context) (map[string]string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Settings applies and persists live setting changes.
type Settings interface {
	Update(ctx context.Context, backing config.SettingsBacking, key, value string) error
}

// ActiveCalls lists calls in progress and lets an operator act on them.
type ActiveCalls interface {
	Snapshot() []calls.Info
	Say(ctx context.Context, callID, text string) error
	End(ctx context.Context, callID string) error
}

// Events is the notification source for the SSE stream.
type Events interface {
	Subscribe(ctx context.Context, topics ...string) (<-chan notify.Notification, string)
	Unsubscribe(id string)
}

// Deps are the collaborators the server needs. All are required.
type Deps struct {
	Mission  Mission
	Store    Store
	Settings Settings
	Calls    ActiveCalls
	Events   Events
}

// Server routes dashboard requests.
type Server struct {
	deps      Deps
	logger    *slog.Logger
	keepalive time.Duration
}

// New creates a Server.
func New(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, logger: logger.With("component", "api"), keepalive: keepaliveInterval}
}

// Register adds the dashboard routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/dispatch", s.handleDispatch)
	mux.HandleFunc("GET /api/calls", s.handleActiveCalls)
	mux.HandleFunc("GET /api/calls/{id}", s.handleCallLog)
	mux.HandleFunc("POST /api/calls/{id}/say", s.handleSay)
	mux.HandleFunc("POST /api/calls/{id}/hangup", s.handleHangup)
	mux.HandleFunc("GET /api/settings", s.handleListSettings)
	mux.HandleFunc("PUT /api/settings/{key}", s.handleUpdateSetting)
	mux.HandleFunc("GET /api/stats/usage", s.handleUsageStats)
	mux.HandleFunc("GET /api/events", s.handleEvents)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports whether the agent gateway session is up.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Mission.Status()
	if !st.Online {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "gateway %s", st.GatewayState)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Mission.Status())
}

type chatRequest struct {
	Text       string `json:"text"`
	SessionKey string `json:"session_key"`
}

type runResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		sendJSONError(w, http.StatusBadRequest, "text is required")
		return
	}

	runID, err := s.deps.Mission.SendChat(r.Context(), req.Text, req.SessionKey)
	if errors.Is(err, mission.ErrNotDelivered) {
		sendJSONError(w, http.StatusServiceUnavailable, "agent unavailable")
		return
	}
	if err != nil {
		s.logger.Error("failed to send chat", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{RunID: runID})
}

type taskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type taskView struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	RunID       string    `json:"run_id,omitempty"`
	SessionKey  string    `json:"session_key,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toTaskView(t *store.Task) taskView {
	return taskView{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		RunID:       t.RunID,
		SessionKey:  t.SessionKey,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decodeBody(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		sendJSONError(w, http.StatusBadRequest, "title is required")
		return
	}

	task := &store.Task{Title: req.Title, Description: strings.TrimSpace(req.Description)}
	if err := s.deps.Store.CreateTask(r.Context(), task); err != nil {
		s.logger.Error("failed to create task", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, toTaskView(task))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Store.GetTask(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load task", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, toTaskView(task))
}

type dispatchRequest struct {
	SessionKey string `json:"session_key"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	runID, err := s.deps.Mission.Dispatch(r.Context(), r.PathValue("id"), req.SessionKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, mission.ErrNotDelivered):
		sendJSONError(w, http.StatusServiceUnavailable, "agent unavailable")
	case err != nil:
		// the command went out; only the link to the task failed
		s.logger.Error("failed to dispatch task", "task_id", r.PathValue("id"), "error", err)
		if runID != "" {
			writeJSON(w, http.StatusAccepted, runResponse{RunID: runID})
			return
		}
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
	default:
		writeJSON(w, http.StatusAccepted, runResponse{RunID: runID})
	}
}

func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	active := s.deps.Calls.Snapshot()
	if active == nil {
		active = []calls.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": active})
}

type sayRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSay(w http.ResponseWriter, r *http.Request) {
	var req sayRequest
	if err := decodeBody(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.callAction(w, r.PathValue("id"), s.deps.Calls.Say(r.Context(), r.PathValue("id"), req.Text))
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	s.callAction(w, r.PathValue("id"), s.deps.Calls.End(r.Context(), r.PathValue("id")))
}

func (s *Server) callAction(w http.ResponseWriter, callID string, err error) {
	switch {
	case errors.Is(err, calls.ErrCallNotFound):
		sendJSONError(w, http.StatusNotFound, "call not in progress")
	case errors.Is(err, calls.ErrEmptyText):
		sendJSONError(w, http.StatusBadRequest, "text is required")
	case err != nil:
		s.logger.Error("call action failed", "call_id", callID, "error", err)
		sendJSONError(w, http.StatusBadGateway, "telephony provider error")
	default:
		writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
	}
}

type callTurnView struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type callLogView struct {
	ID              string         `json:"id"`
	CallControlID   string         `json:"call_control_id"`
	ContactID       string         `json:"contact_id,omitempty"`
	Direction       string         `json:"direction"`
	From            string         `json:"from"`
	To              string         `json:"to"`
	Status          string         `json:"status"`
	DurationSeconds int            `json:"duration_seconds"`
	Transcript      string         `json:"transcript,omitempty"`
	AnsweredAt      *time.Time     `json:"answered_at,omitempty"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	Turns           []callTurnView `json:"turns"`
}

func (s *Server) handleCallLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log, err := s.deps.Store.GetCallLog(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load call log", "call_log_id", id, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	turns, err := s.deps.Store.GetCallTurns(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load call turns", "call_log_id", id, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	view := callLogView{
		ID:              log.ID,
		CallControlID:   log.CallControlID,
		ContactID:       log.ContactID,
		Direction:       log.Direction,
		From:            log.FromNumber,
		To:              log.ToNumber,
		Status:          log.Status,
		DurationSeconds: log.DurationSeconds,
		Transcript:      log.Transcript,
		AnsweredAt:      log.AnsweredAt,
		EndedAt:         log.EndedAt,
		CreatedAt:       log.CreatedAt,
		Turns:           make([]callTurnView, 0, len(turns)),
	}
	for _, t := range turns {
		view.Turns = append(view.Turns, callTurnView{Speaker: t.Speaker, Text: t.Text, CreatedAt: t.CreatedAt})
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Store.ListSettings(r.Context())
	if err != nil {
		s.logger.Error("failed to list settings", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": rows})
}

type settingRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleUpdateSetting(w http.ResponseWriter, r *http.Request) {
	var req settingRequest
	if err := decodeBody(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := r.PathValue("key")
	if err := s.deps.Settings.Update(r.Context(), s.deps.Store, key, req.Value); err != nil {
		s.logger.Warn("setting rejected", "key", key, "error", err)
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("setting updated", "key", key)
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}

type usageStatsResponse struct {
	TotalInput   int     `json:"total_input"`
	TotalOutput  int     `json:"total_output"`
	TotalTokens  int     `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	RequestCount int     `json:"request_count"`
}

// handleUsageStats accepts optional since/until (RFC3339) and session_key.
func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter store.UsageFilter

	if v := q.Get("session_key"); v != "" {
		filter.SessionKey = &v
	}
	for name, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: use RFC3339", name))
			return
		}
		*dst = &t
	}

	stats, err := s.deps.Store.GetUsageStats(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to get usage stats", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, usageStatsResponse{
		TotalInput:   stats.TotalInput,
		TotalOutput:  stats.TotalOutput,
		TotalTokens:  stats.TotalTokens,
		TotalCostUSD: stats.TotalCostUSD,
		RequestCount: stats.RequestCount,
	})
}

// handleEvents streams notifications as SSE until the client goes away.
// ?topics=a,b limits the stream; no topics means everything.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var topics []string
	if v := r.URL.Query().Get("topics"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	ctx := r.Context()
	ch, id := s.deps.Events.Subscribe(ctx, topics...)
	defer s.deps.Events.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			flusher.Flush()
		case n, ok := <-ch:
			if !ok {
				return
			}
			s.writeSSEEvent(w, n.Topic, n.Payload)
			flusher.Flush()
		}
	}
}

func (s *Server) writeSSEEvent(w io.Writer, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
