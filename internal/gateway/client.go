// ABOUTME: Long-lived, auto-reconnecting client for the remote agent gateway
// ABOUTME: Handles the challenge handshake, request correlation, event fan-out, and the cost circuit breaker

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mission-control/internal/metrics"
)

// LimitReachedNotice is the agent message synthesized when the cost guard
// refuses a command.
const LimitReachedNotice = "Daily cost limit reached. Commands are paused until midnight or until the limit is raised."

const (
	dialTimeout = 15 * time.Second

	// reconnect logging goes quiet after this many attempts
	quietAfterAttempts = 3

	// chat.send is often never acknowledged; unanswered ids are dropped after this
	pendingRequestTTL = 2 * time.Minute
)

type pendingRequest struct {
	method string
	sentAt time.Time
}

var errNotConnected = errors.New("gateway transport not open")

// State is the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CostGuard is consulted before every command and fed every usage report.
type CostGuard interface {
	LimitReached() bool
	RecordUsage(tokensIn, tokensOut int)
}

// TokenSource supplies the optional bearer credential for the handshake.
type TokenSource interface {
	Token() (string, error)
}

// Handler receives decoded events.
type Handler func(Event)

// Scheduler runs fn after d and returns a function that cancels it.
type Scheduler func(d time.Duration, fn func()) (stop func() bool)

func afterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// Config identifies the client to the gateway.
type Config struct {
	URL         string
	ClientID    string
	DisplayName string
	Version     string
	Platform    string
	Role        string
	Scopes      []string
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithScheduler replaces time.AfterFunc for reconnect timers.
func WithScheduler(s Scheduler) Option {
	return func(c *Client) { c.schedule = s }
}

// WithTokenSource sets the bearer credential source.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client maintains one logical connection to the gateway.
type Client struct {
	cfg      Config
	guard    CostGuard
	tokens   TokenSource
	dialer   Dialer
	schedule Scheduler
	logger   *slog.Logger

	mu            sync.Mutex
	state         State
	conn          Conn
	gen           uint64
	stopped       bool
	backoff       *Backoff
	reconnectStop func() bool
	pending       map[string]pendingRequest
	now           func() time.Time

	handlersMu sync.RWMutex
	handlers   []Handler
}

// New creates a Client. guard may be nil, which disables the circuit breaker.
func New(cfg Config, guard CostGuard, opts ...Option) *Client {
	if cfg.Role == "" {
		cfg.Role = "operator"
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"operator.read", "operator.write"}
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "mission-control"
	}

	c := &Client{
		cfg:      cfg,
		guard:    guard,
		dialer:   WebsocketDialer{},
		schedule: afterFunc,
		logger:   slog.Default(),
		backoff:  NewBackoff(),
		pending:  make(map[string]pendingRequest),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "gateway")
	return c
}

// OnEvent registers a handler. Handlers run synchronously in registration
// order on the connection's read path.
func (c *Client) OnEvent(h Handler) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlersMu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Authenticated reports whether the handshake has completed.
func (c *Client) Authenticated() bool {
	return c.State() == StateAuthenticated
}

// Connect starts connecting if the client is idle. It returns immediately;
// the dial and the handshake happen in the background.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = false
	if c.state != StateDisconnected {
		return
	}
	if c.reconnectStop != nil {
		c.reconnectStop()
		c.reconnectStop = nil
	}
	c.startDialLocked()
}

// Disconnect cancels any pending reconnect, closes the transport, and stops
// reconnecting until Connect is called again.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	c.gen++
	if c.reconnectStop != nil {
		c.reconnectStop()
		c.reconnectStop = nil
	}
	conn := c.conn
	c.conn = nil
	wasAuthenticated := c.state == StateAuthenticated
	c.failPendingLocked()
	c.setStateLocked(StateDisconnected)
	c.backoff.Reset()
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.logger.Info("disconnected from gateway")
	if wasAuthenticated {
		c.emit(StatusEvent{Online: false, Reason: "disconnected"})
	}
}

// SendCommand forwards text to the agent on the given session. It returns the
// run id (the idempotency key) and true when the command was transmitted.
// A false result means not delivered; nothing is queued.
func (c *Client) SendCommand(text, sessionKey string) (string, bool) {
	if !c.Authenticated() {
		metrics.GatewayCommands.WithLabelValues("not_authenticated").Inc()
		c.logger.Debug("command dropped, gateway not authenticated", "session_key", sessionKey)
		return "", false
	}

	if c.guard != nil && c.guard.LimitReached() {
		metrics.GatewayCommands.WithLabelValues("cost_blocked").Inc()
		c.logger.Warn("command blocked by daily cost limit", "session_key", sessionKey)
		c.emit(MessageEvent{
			Role:       RoleAgent,
			Text:       LimitReachedNotice,
			SessionKey: sessionKey,
			Synthetic:  true,
		})
		return "", false
	}

	runID := uuid.NewString()
	_, err := c.request(methodChatSend, chatSendParams{
		Message:        text,
		SessionKey:     sessionKey,
		IdempotencyKey: runID,
	})
	if err != nil {
		metrics.GatewayCommands.WithLabelValues("write_error").Inc()
		c.logger.Warn("failed to send command", "session_key", sessionKey, "error", err)
		return "", false
	}

	metrics.GatewayCommands.WithLabelValues("sent").Inc()
	c.logger.Debug("command sent", "session_key", sessionKey, "run_id", runID)
	return runID, true
}

// startDialLocked must be called with mu held and state Disconnected.
func (c *Client) startDialLocked() {
	c.setStateLocked(StateConnecting)
	c.gen++
	go c.dial(c.gen)
}

func (c *Client) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	conn, err := c.dialer.Dial(ctx, c.cfg.URL, nil)
	cancel()

	c.mu.Lock()
	if c.gen != gen || c.stopped {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.setStateLocked(StateDisconnected)
		c.scheduleReconnectLocked(err)
		c.mu.Unlock()
		return
	}
	c.conn = conn
	c.backoff.Reset()
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.logger.Info("connected to gateway, awaiting challenge", "url", c.cfg.URL)
	go c.readLoop(gen, conn)
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, conn, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleClose(gen uint64, conn Conn, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		// superseded by Disconnect or a newer connection
		c.mu.Unlock()
		return
	}
	wasAuthenticated := c.state == StateAuthenticated
	c.conn = nil
	c.failPendingLocked()
	c.setStateLocked(StateDisconnected)
	c.scheduleReconnectLocked(cause)
	c.mu.Unlock()

	conn.Close()
	if wasAuthenticated {
		c.emit(StatusEvent{Online: false, Reason: "connection lost"})
	}
}

// scheduleReconnectLocked arms the reconnect timer. Must be called with mu held.
func (c *Client) scheduleReconnectLocked(cause error) {
	if c.stopped {
		return
	}
	if c.reconnectStop != nil {
		c.reconnectStop()
	}

	attempt := c.backoff.Attempts()
	delay := c.backoff.Next()
	switch {
	case attempt < quietAfterAttempts:
		c.logger.Warn("gateway unavailable, retrying", "error", cause, "retry_in", delay, "attempt", attempt+1)
	case attempt == quietAfterAttempts:
		c.logger.Warn("gateway offline, will keep retrying silently", "error", cause)
	default:
		c.logger.Debug("gateway still offline", "error", cause, "retry_in", delay, "attempt", attempt+1)
	}

	metrics.GatewayReconnects.Inc()
	c.reconnectStop = c.schedule(delay, c.reconnect)
}

func (c *Client) reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reconnectStop = nil
	if c.stopped || c.state != StateDisconnected {
		return
	}
	c.startDialLocked()
}

// failPendingLocked drops all outstanding requests; responses never cross connections.
func (c *Client) failPendingLocked() {
	if len(c.pending) == 0 {
		return
	}
	c.logger.Debug("dropping pending requests", "count", len(c.pending))
	clear(c.pending)
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	metrics.GatewayState.Set(float64(s))
}

// expirePendingLocked forgets requests the gateway never answered.
func (c *Client) expirePendingLocked() {
	cutoff := c.now().Add(-pendingRequestTTL)
	for id, p := range c.pending {
		if p.sentAt.Before(cutoff) {
			delete(c.pending, id)
		}
	}
}

// request writes a req frame and records it as pending.
func (c *Client) request(method string, params any) (string, error) {
	id := uuid.NewString()
	data, err := json.Marshal(requestFrame{Type: frameReq, ID: id, Method: method, Params: params})
	if err != nil {
		return "", fmt.Errorf("encoding %s request: %w", method, err)
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return "", errNotConnected
	}
	c.expirePendingLocked()
	c.pending[id] = pendingRequest{method: method, sentAt: c.now()}
	c.mu.Unlock()

	if err := conn.WriteMessage(data); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return "", fmt.Errorf("writing %s request: %w", method, err)
	}
	return id, nil
}

func (c *Client) handleFrame(data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		metrics.GatewayDecodeErrors.Inc()
		c.logger.Debug("dropping undecodable frame", "error", err)
		return
	}

	if usage, ok := extractUsage(f.Payload); ok {
		if c.guard != nil {
			c.guard.RecordUsage(usage.Usage.Input, usage.Usage.Output)
		}
		c.emit(usage)
	}

	switch f.Type {
	case frameRes:
		metrics.GatewayFrames.WithLabelValues(frameRes, "").Inc()
		c.handleResponse(f)
	case frameEvent:
		c.handleEvent(f)
	default:
		metrics.GatewayFrames.WithLabelValues("other", "").Inc()
		c.logger.Debug("ignoring frame", "type", f.Type)
	}
}

func (c *Client) handleResponse(f inboundFrame) {
	c.mu.Lock()
	p, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	method := p.method

	if !ok {
		c.logger.Debug("response for unknown request", "id", f.ID)
		return
	}

	if method == methodConnect {
		c.handleConnectResponse(f)
		return
	}
	if !f.OK {
		c.logger.Warn("gateway request failed", "method", method, "error", f.Error.String())
	}
}

func (c *Client) handleConnectResponse(f inboundFrame) {
	if !f.OK {
		reason := f.Error.String()
		c.logger.Error("gateway handshake rejected", "error", reason)
		c.emit(LogEvent{Level: "error", Message: "gateway handshake rejected: " + reason})
		return
	}

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateAuthenticated)
	c.mu.Unlock()

	c.logger.Info("authenticated with gateway")
	c.emit(StatusEvent{Online: true})
}

func (c *Client) handleEvent(f inboundFrame) {
	label := f.Event
	switch f.Event {
	case eventChallenge, eventAgent, eventChat, eventPresence, eventTick, eventShutdown:
	default:
		label = "other"
	}
	metrics.GatewayFrames.WithLabelValues(frameEvent, label).Inc()

	if f.Event == eventChallenge {
		c.sendHandshake(f.Payload)
		return
	}

	ev, err := decodeEvent(f.Event, f.Payload)
	if err != nil {
		metrics.GatewayDecodeErrors.Inc()
		c.logger.Debug("dropping undecodable event", "event", f.Event, "error", err)
		return
	}
	if ev != nil {
		c.emit(ev)
	}
}

func (c *Client) sendHandshake(payload json.RawMessage) {
	var challenge challengePayload
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &challenge)
	}

	params := connectParams{
		MinProtocol: minProtocol,
		MaxProtocol: maxProtocol,
		Client: clientInfo{
			ID:          c.cfg.ClientID,
			DisplayName: c.cfg.DisplayName,
			Version:     c.cfg.Version,
			Platform:    c.cfg.Platform,
			Mode:        "backend",
		},
		Role:   c.cfg.Role,
		Scopes: c.cfg.Scopes,
		Nonce:  challenge.Nonce,
	}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		switch {
		case err != nil:
			c.logger.Warn("could not obtain gateway credential, connecting without one", "error", err)
		case token != "":
			params.Auth = &authParams{Token: token}
		}
	}

	if _, err := c.request(methodConnect, params); err != nil {
		c.logger.Warn("failed to send handshake", "error", err)
		return
	}
	c.logger.Debug("handshake sent")
}

// emit delivers ev to every handler in registration order. A panicking
// handler is logged and skipped.
func (c *Client) emit(ev Event) {
	c.handlersMu.RLock()
	handlers := slices.Clone(c.handlers)
	c.handlersMu.RUnlock()

	for i, h := range handlers {
		c.dispatch(i, h, ev)
	}
}

func (c *Client) dispatch(i int, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked",
				"handler", i,
				"event", fmt.Sprintf("%T", ev),
				"panic", r,
			)
		}
	}()
	h(ev)
}
