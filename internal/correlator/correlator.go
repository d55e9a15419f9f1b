// ABOUTME: Pending-reply claims, stream buffering, and the direct reply path for inbound SMS
// ABOUTME: Consumes gateway events and sends the matching answer to the right phone number

package correlator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/mission-control/internal/gateway"
	"github.com/2389/mission-control/internal/llm"
	"github.com/2389/mission-control/internal/metrics"
	"github.com/2389/mission-control/internal/notify"
	"github.com/2389/mission-control/internal/plaintext"
	"github.com/2389/mission-control/internal/store"
)

// Delivery modes.
const (
	ModeFinal  = "final"
	ModeStream = "stream"
)

// Defaults.
const (
	DefaultSessionKey = "sms"
	DefaultClaimTTL   = 5 * time.Minute
	DefaultIdleFlush  = 3 * time.Second
)

// deliveryTimeout bounds one persist-and-send of a reply.
const deliveryTimeout = 30 * time.Second

// Gateway is the part of the gateway client the correlator drives.
type Gateway interface {
	Authenticated() bool
	SendCommand(text, sessionKey string) (string, bool)
}

// Sender delivers outbound SMS.
type Sender interface {
	SendSMS(ctx context.Context, to, text string) error
}

// ResponseGenerator answers directly when the gateway is unavailable.
type ResponseGenerator interface {
	Generate(ctx context.Context, turns []llm.Turn) (string, error)
}

// Store is the persistence the correlator uses.
type Store interface {
	GetOrCreateContact(ctx context.Context, phoneNumber, kind string) (*store.Contact, error)
	SaveMessage(ctx context.Context, msg *store.Message) error
	RecentMessages(ctx context.Context, contactID, channel string, limit int) ([]*store.Message, error)
}

// Notifier receives real-time updates for the dashboard.
type Notifier interface {
	Publish(topic string, payload any)
}

// Scheduler runs fn after d and returns a function that cancels it.
type Scheduler func(d time.Duration, fn func()) (stop func() bool)

// Config selects the delivery mode and timings.
type Config struct {
	Mode       string
	SessionKey string
	ClaimTTL   time.Duration
	IdleFlush  time.Duration
	// HistoryDepth returns how many prior SMS turns the direct path uses.
	HistoryDepth func() int
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// WithScheduler replaces time.AfterFunc.
func WithScheduler(s Scheduler) Option {
	return func(c *Correlator) { c.schedule = s }
}

// WithNotifier sets the dashboard notifier.
func WithNotifier(n Notifier) Option {
	return func(c *Correlator) { c.notifier = n }
}

// WithLimitCheck reports whether the daily cost limit is blocking gateway
// commands. Without it every refused command falls back to a direct reply.
func WithLimitCheck(limitReached func() bool) Option {
	return func(c *Correlator) { c.limitReached = limitReached }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) { c.logger = l }
}

type claim struct {
	number    string
	contactID string
	createdAt time.Time
}

type buffer struct {
	text      strings.Builder
	number    string
	contactID string
	stop      func() bool
	seq       uint64
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, any) {}

// Correlator is safe for concurrent use.
type Correlator struct {
	cfg       Config
	gateway   Gateway
	sender    Sender
	generator ResponseGenerator
	store     Store
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time
	schedule  Scheduler

	limitReached func() bool

	mu     sync.Mutex
	claims map[string]*claim // by phone number
	buf    *buffer
	seq    uint64

	deliveries sync.WaitGroup
}

// New creates a Correlator.
func New(cfg Config, gw Gateway, sender Sender, generator ResponseGenerator, st Store, opts ...Option) *Correlator {
	if cfg.Mode == "" {
		cfg.Mode = ModeFinal
	}
	if cfg.SessionKey == "" {
		cfg.SessionKey = DefaultSessionKey
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if cfg.IdleFlush <= 0 {
		cfg.IdleFlush = DefaultIdleFlush
	}
	if cfg.HistoryDepth == nil {
		cfg.HistoryDepth = func() int { return 10 }
	}
	c := &Correlator{
		cfg:       cfg,
		gateway:   gw,
		sender:    sender,
		generator: generator,
		store:     st,
		notifier:  nopNotifier{},
		logger:    slog.Default(),
		now:       time.Now,
		schedule: func(d time.Duration, fn func()) func() bool {
			return time.AfterFunc(d, fn).Stop
		},
		limitReached: func() bool { return false },
		claims:       make(map[string]*claim),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "correlator", "mode", cfg.Mode)
	return c
}

// InboundContent is how an inbound text is stored and forwarded.
func InboundContent(from, text string) string {
	return fmt.Sprintf("[SMS from %s] %s", from, text)
}

// HandleInbound records an inbound SMS and arranges a reply, through the
// gateway when it is authenticated and directly otherwise.
func (c *Correlator) HandleInbound(ctx context.Context, from, text string) error {
	text = strings.TrimSpace(text)
	if from == "" || text == "" {
		return nil
	}

	var contactID string
	if contact, err := c.store.GetOrCreateContact(ctx, from, store.KindSMS); err != nil {
		c.logger.Warn("resolving sms contact", "from", from, "error", err)
	} else {
		contactID = contact.ID
	}

	// History is read before the new row is written so it holds prior turns only.
	var history []*store.Message
	if contactID != "" {
		var err error
		history, err = c.store.RecentMessages(ctx, contactID, store.ChannelSMS, c.cfg.HistoryDepth())
		if err != nil {
			c.logger.Warn("loading sms history", "contact_id", contactID, "error", err)
			history = nil
		}
	}

	content := InboundContent(from, text)
	c.saveMessage(ctx, &store.Message{
		Role:       store.RoleUser,
		Content:    content,
		Channel:    store.ChannelSMS,
		ContactID:  contactID,
		SessionKey: c.cfg.SessionKey,
	})

	if c.gateway.Authenticated() {
		cl := c.addClaim(from, contactID)
		if runID, ok := c.gateway.SendCommand(content, c.cfg.SessionKey); ok {
			c.logger.Info("sms forwarded to gateway", "from", from, "run_id", runID)
			return nil
		}
		c.dropClaim(cl)
		if c.gateway.Authenticated() && c.limitReached() {
			// The limit notice was emitted as an event and answered the claim.
			return nil
		}
		c.logger.Warn("gateway did not take sms, replying directly", "from", from)
	}

	return c.replyDirect(ctx, from, contactID, history, text)
}

func (c *Correlator) replyDirect(ctx context.Context, from, contactID string, history []*store.Message, text string) error {
	turns := make([]llm.Turn, 0, len(history)+1)
	for _, m := range history {
		switch m.Role {
		case store.RoleUser:
			turns = append(turns, llm.Turn{Speaker: llm.SpeakerCaller, Text: stripInboundPrefix(m.Content)})
		case store.RoleAgent:
			turns = append(turns, llm.Turn{Speaker: llm.SpeakerAgent, Text: m.Content})
		}
	}
	turns = append(turns, llm.Turn{Speaker: llm.SpeakerCaller, Text: text})

	start := time.Now()
	reply, err := c.generator.Generate(ctx, turns)
	metrics.GenerationDuration.WithLabelValues("sms").Observe(time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn("direct sms generation failed", "from", from, "error", err)
		reply = llm.Fallback(err)
	}

	c.logger.Info("replying to sms directly", "from", from, "history", len(history))
	// Generation may have used up the caller's deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()
	return c.deliver(ctx, "direct", from, contactID, reply)
}

func stripInboundPrefix(content string) string {
	if strings.HasPrefix(content, "[SMS from ") {
		if i := strings.Index(content, "] "); i >= 0 {
			return content[i+2:]
		}
	}
	return content
}

func (c *Correlator) addClaim(number, contactID string) *claim {
	cl := &claim{number: number, contactID: contactID, createdAt: c.now()}
	c.mu.Lock()
	c.claims[number] = cl
	c.mu.Unlock()
	return cl
}

// dropClaim removes cl unless it was already consumed or replaced.
func (c *Correlator) dropClaim(cl *claim) {
	c.mu.Lock()
	if c.claims[cl.number] == cl {
		delete(c.claims, cl.number)
	}
	c.mu.Unlock()
}

// HandleEvent consumes gateway events. Register it with the gateway client.
func (c *Correlator) HandleEvent(ev gateway.Event) {
	switch e := ev.(type) {
	case gateway.ChatFinalEvent:
		if c.cfg.Mode == ModeFinal && e.SessionKey == c.cfg.SessionKey {
			c.handleFinal(e.Text)
		}
	case gateway.MessageEvent:
		if e.SessionKey != c.cfg.SessionKey || e.Role != gateway.RoleAgent {
			return
		}
		switch {
		case c.cfg.Mode == ModeStream:
			c.handleDelta(e.Text)
		case e.Synthetic:
			// Locally generated notices are complete messages.
			c.handleFinal(e.Text)
		}
	}
}

func (c *Correlator) handleFinal(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	c.mu.Lock()
	c.purgeExpiredLocked()
	cl := c.oldestLocked()
	if cl != nil {
		delete(c.claims, cl.number)
	}
	c.mu.Unlock()

	if cl == nil {
		c.logger.Debug("final reply with no pending claim, ignoring")
		return
	}

	c.deliverAsync("final", cl.number, cl.contactID, text)
}

func (c *Correlator) handleDelta(text string) {
	if text == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buf == nil {
		c.purgeExpiredLocked()
		cl := c.oldestLocked()
		if cl == nil {
			return
		}
		c.buf = &buffer{number: cl.number, contactID: cl.contactID}
	}

	c.buf.text.WriteString(text)
	if c.buf.stop != nil {
		c.buf.stop()
	}
	c.seq++
	seq := c.seq
	c.buf.seq = seq
	c.buf.stop = c.schedule(c.cfg.IdleFlush, func() { c.flush(seq) })
}

// flush sends the buffer if it is still the one the timer was armed for.
func (c *Correlator) flush(seq uint64) {
	c.mu.Lock()
	b := c.buf
	if b == nil || b.seq != seq {
		c.mu.Unlock()
		return
	}
	c.buf = nil
	delete(c.claims, b.number)
	c.mu.Unlock()

	c.deliverAsync("stream", b.number, b.contactID, b.text.String())
}

func (c *Correlator) oldestLocked() *claim {
	var oldest *claim
	for _, cl := range c.claims {
		if oldest == nil || cl.createdAt.Before(oldest.createdAt) {
			oldest = cl
		}
	}
	return oldest
}

func (c *Correlator) expiredLocked(cl *claim) bool {
	return c.now().Sub(cl.createdAt) > c.cfg.ClaimTTL
}

func (c *Correlator) purgeExpiredLocked() {
	for number, cl := range c.claims {
		if c.expiredLocked(cl) {
			delete(c.claims, number)
			metrics.SMSClaimsExpired.Inc()
			c.logger.Info("pending sms claim expired", "number", number)
		}
	}
}

func (c *Correlator) deliverAsync(path, number, contactID, text string) {
	c.deliveries.Add(1)
	go func() {
		defer c.deliveries.Done()
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		_ = c.deliver(ctx, path, number, contactID, text)
	}()
}

// deliver persists the reply and texts it.
func (c *Correlator) deliver(ctx context.Context, path, number, contactID, text string) error {
	body := plaintext.FromMarkdown(text)
	if body == "" {
		body = strings.TrimSpace(text)
	}

	c.saveMessage(ctx, &store.Message{
		Role:       store.RoleAgent,
		Content:    body,
		Channel:    store.ChannelSMS,
		ContactID:  contactID,
		SessionKey: c.cfg.SessionKey,
	})

	if err := c.sender.SendSMS(ctx, number, body); err != nil {
		c.logger.Error("sending sms reply", "to", number, "path", path, "error", err)
		return fmt.Errorf("sending sms reply to %s: %w", number, err)
	}
	metrics.SMSReplies.WithLabelValues(path).Inc()
	c.logger.Info("sms reply sent", "to", number, "path", path, "chars", len(body))
	return nil
}

func (c *Correlator) saveMessage(ctx context.Context, msg *store.Message) {
	if err := c.store.SaveMessage(ctx, msg); err != nil {
		c.logger.Error("saving sms message", "role", msg.Role, "error", err)
		return
	}
	c.notifier.Publish(notify.TopicMessageNew, map[string]any{
		"id":         msg.ID,
		"role":       msg.Role,
		"content":    msg.Content,
		"channel":    msg.Channel,
		"contact_id": msg.ContactID,
	})
}

// Pending returns the numbers currently owed a reply.
func (c *Correlator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.claims))
	for number := range c.claims {
		out = append(out, number)
	}
	return out
}

// Wait blocks until in-flight reply deliveries finish.
func (c *Correlator) Wait() {
	c.deliveries.Wait()
}

// Drain flushes any buffered stream reply immediately and waits for
// deliveries. Call it on shutdown.
func (c *Correlator) Drain() {
	c.mu.Lock()
	b := c.buf
	if b != nil {
		if b.stop != nil {
			b.stop()
		}
		c.buf = nil
		delete(c.claims, b.number)
	}
	c.mu.Unlock()

	if b != nil {
		c.deliverAsync("stream", b.number, b.contactID, b.text.String())
	}
	c.Wait()
}
