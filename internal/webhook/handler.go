// ABOUTME: HTTP endpoint for Telnyx call and messaging webhooks
// ABOUTME: Verifies, dedupes, decodes, and dispatches events; failures are logged, never fatal

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/mission-control/internal/dedupe"
	"github.com/2389/mission-control/internal/metrics"
	"github.com/2389/mission-control/internal/telnyx"
)

const (
	maxBodyBytes    = 1 << 20
	dispatchTimeout = 25 * time.Second
)

// CallHandler runs the call state machine.
type CallHandler interface {
	HandleInitiated(ctx context.Context, ev telnyx.CallInitiated) error
	HandleAnswered(ctx context.Context, ev telnyx.CallAnswered) error
	HandleGatherEnded(ctx context.Context, ev telnyx.GatherEnded) error
	HandleHangup(ctx context.Context, ev telnyx.CallHangup) error
}

// SMSHandler answers inbound texts.
type SMSHandler interface {
	HandleInbound(ctx context.Context, from, text string) error
}

// Verifier checks a webhook signature.
type Verifier interface {
	Verify(body []byte, signature, timestamp string) error
}

// Handler is an http.Handler for the provider's webhook URL.
type Handler struct {
	calls    CallHandler
	sms      SMSHandler
	verifier Verifier
	seen     *dedupe.Cache
	logger   *slog.Logger
}

// New creates a Handler. A nil verifier accepts unsigned requests; a nil
// cache disables duplicate suppression.
func New(calls CallHandler, sms SMSHandler, verifier Verifier, seen *dedupe.Cache, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		calls:    calls,
		sms:      sms,
		verifier: verifier,
		seen:     seen,
		logger:   logger.With("component", "webhook"),
	}
}

type response struct {
	OK        bool   `json:"ok"`
	Skipped   bool   `json:"skipped,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, response{Error: "method not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, response{Error: "body too large"})
		return
	}

	if h.verifier != nil {
		err := h.verifier.Verify(body, r.Header.Get(telnyx.HeaderSignature), r.Header.Get(telnyx.HeaderTimestamp))
		if err != nil {
			h.logger.Warn("rejected webhook", "remote", r.RemoteAddr, "error", err)
			writeJSON(w, http.StatusUnauthorized, response{Error: "invalid signature"})
			return
		}
	}

	ev, err := telnyx.ParseWebhook(body)
	if err != nil {
		h.logger.Warn("malformed webhook", "error", err)
		writeJSON(w, http.StatusBadRequest, response{Error: "malformed payload"})
		return
	}

	if h.seen != nil && h.seen.CheckAndMark(ev.EventID()) {
		metrics.WebhookDuplicates.Inc()
		h.logger.Debug("duplicate webhook", "event_id", ev.EventID())
		writeJSON(w, http.StatusOK, response{OK: true, Duplicate: true})
		return
	}

	// The provider may hang up on us before a slow reply is generated; the
	// dialogue has to continue regardless.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), dispatchTimeout)
	defer cancel()

	handled, err := h.dispatch(ctx, ev)
	if err != nil {
		h.logger.Error("handling webhook", "event_id", ev.EventID(), "error", err)
	}
	writeJSON(w, http.StatusOK, response{OK: true, Skipped: !handled})
}

func (h *Handler) dispatch(ctx context.Context, ev telnyx.Event) (bool, error) {
	switch e := ev.(type) {
	case telnyx.CallInitiated:
		metrics.WebhookEvents.WithLabelValues(telnyx.EventCallInitiated).Inc()
		return true, h.calls.HandleInitiated(ctx, e)
	case telnyx.CallAnswered:
		metrics.WebhookEvents.WithLabelValues(telnyx.EventCallAnswered).Inc()
		return true, h.calls.HandleAnswered(ctx, e)
	case telnyx.GatherEnded:
		metrics.WebhookEvents.WithLabelValues(telnyx.EventGatherEnded).Inc()
		return true, h.calls.HandleGatherEnded(ctx, e)
	case telnyx.CallHangup:
		metrics.WebhookEvents.WithLabelValues(telnyx.EventCallHangup).Inc()
		return true, h.calls.HandleHangup(ctx, e)
	case telnyx.MessageReceived:
		metrics.WebhookEvents.WithLabelValues(telnyx.EventMessageReceived).Inc()
		if e.Text == "" {
			return false, nil
		}
		return true, h.sms.HandleInbound(ctx, e.From, e.Text)
	case telnyx.Unknown:
		metrics.WebhookEvents.WithLabelValues("other").Inc()
		return false, nil
	default:
		return false, errors.New("unhandled webhook event type")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
