// ABOUTME: Daily spend circuit breaker for outbound agent commands
// ABOUTME: Converts token usage to an estimated dollar cost and reports when the daily ceiling is hit

package costguard

import (
	"log/slog"
	"sync"
	"time"

	"github.com/2389/mission-control/internal/metrics"
)

// Default per-million-token prices in USD.
const (
	DefaultInputPerMillion  = 3.00
	DefaultOutputPerMillion = 15.00
)

// warnFraction is the share of the daily limit at which spend warnings start.
const warnFraction = 0.8

// Pricing is a fixed per-token pricing model with distinct input and output rates.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPricing returns the built-in pricing model.
func DefaultPricing() Pricing {
	return Pricing{
		InputPerMillion:  DefaultInputPerMillion,
		OutputPerMillion: DefaultOutputPerMillion,
	}
}

// Cost returns the estimated dollar cost of the given token counts.
func (p Pricing) Cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)*p.InputPerMillion/1_000_000 +
		float64(tokensOut)*p.OutputPerMillion/1_000_000
}

// Snapshot is a point-in-time copy of the tracker state.
type Snapshot struct {
	SpendToday       float64   `json:"spend_today"`
	DailyLimit       float64   `json:"daily_limit"`
	TokensInSession  int       `json:"tokens_in"`
	TokensOutSession int       `json:"tokens_out"`
	LastResetDate    time.Time `json:"last_reset_date"`
	LimitReached     bool      `json:"limit_reached"`
}

// Guard tracks per-day token usage and spend. Counters reset lazily the first
// time the guard is touched on a new calendar day; there is no background timer.
type Guard struct {
	mu        sync.Mutex
	pricing   Pricing
	limit     float64
	spend     float64
	tokensIn  int
	tokensOut int
	resetDate time.Time

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the time source (tests simulate midnight with it).
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithPricing overrides the pricing model.
func WithPricing(p Pricing) Option {
	return func(g *Guard) { g.pricing = p }
}

// WithLogger sets the logger. A nil logger falls back to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New creates a Guard with the given daily limit in dollars.
func New(dailyLimit float64, opts ...Option) *Guard {
	g := &Guard{
		pricing: DefaultPricing(),
		limit:   dailyLimit,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "costguard")
	g.resetDate = dateOf(g.now())
	metrics.CostDailyLimit.Set(dailyLimit)
	return g
}

// RecordUsage applies a usage report. The date check runs before the new usage
// is added, so the first report after midnight only counts toward the new day.
func (g *Guard) RecordUsage(tokensIn, tokensOut int) {
	if tokensIn < 0 {
		tokensIn = 0
	}
	if tokensOut < 0 {
		tokensOut = 0
	}

	g.mu.Lock()
	g.resetIfNewDayLocked()
	g.tokensIn += tokensIn
	g.tokensOut += tokensOut
	g.spend += g.pricing.Cost(tokensIn, tokensOut)
	spend, limit := g.spend, g.limit
	g.mu.Unlock()

	metrics.CostSpendToday.Set(spend)

	switch {
	case limit > 0 && spend >= limit:
		g.logger.Error("daily cost limit reached, blocking agent commands",
			"spend_today", spend,
			"daily_limit", limit,
		)
	case limit > 0 && spend >= limit*warnFraction:
		g.logger.Warn("approaching daily cost limit",
			"spend_today", spend,
			"daily_limit", limit,
			"percent", int(spend/limit*100),
		)
	}
}

// LimitReached reports whether today's spend is at or above the daily limit.
func (g *Guard) LimitReached() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.resetIfNewDayLocked()
	return g.spend >= g.limit
}

// SetDailyLimit updates the limit live. Spend is not touched.
func (g *Guard) SetDailyLimit(limit float64) {
	g.mu.Lock()
	old := g.limit
	g.limit = limit
	g.mu.Unlock()

	metrics.CostDailyLimit.Set(limit)
	g.logger.Info("daily cost limit updated", "old", old, "new", limit)
}

// Snapshot returns the current state after applying the lazy date reset.
func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.resetIfNewDayLocked()
	return Snapshot{
		SpendToday:       g.spend,
		DailyLimit:       g.limit,
		TokensInSession:  g.tokensIn,
		TokensOutSession: g.tokensOut,
		LastResetDate:    g.resetDate,
		LimitReached:     g.spend >= g.limit,
	}
}

// resetIfNewDayLocked must be called with mu held.
func (g *Guard) resetIfNewDayLocked() {
	today := dateOf(g.now())
	if today.Equal(g.resetDate) {
		return
	}
	g.logger.Info("new day, resetting cost counters",
		"previous_date", g.resetDate.Format(time.DateOnly),
		"previous_spend", g.spend,
	)
	g.spend = 0
	g.tokensIn = 0
	g.tokensOut = 0
	g.resetDate = today
	metrics.CostSpendToday.Set(0)
}

// dateOf truncates t to midnight in its own location.
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
