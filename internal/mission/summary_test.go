// ABOUTME: Tests for the daily usage summary over the mock usage ledger
// ABOUTME: Only the previous calendar day is counted

package mission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mission-control/internal/notify"
	"github.com/2389/mission-control/internal/store"
)

func TestDailySummary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 0, 0, 5, 0, time.UTC)
	h.svc.now = func() time.Time { return now }

	for _, u := range []*store.TokenUsage{
		{RunID: "before", InputTokens: 999, CreatedAt: time.Date(2026, 3, 13, 23, 59, 0, 0, time.UTC)},
		{RunID: "a", InputTokens: 100, OutputTokens: 10, CostUSD: 0.5, CreatedAt: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)},
		{RunID: "b", InputTokens: 200, OutputTokens: 20, CostUSD: 0.25, CreatedAt: time.Date(2026, 3, 14, 23, 59, 59, 0, time.UTC)},
		{RunID: "today", InputTokens: 999, CreatedAt: time.Date(2026, 3, 15, 0, 0, 1, 0, time.UTC)},
	} {
		require.NoError(t, h.store.SaveUsage(ctx, u))
	}

	day, err := h.svc.DailySummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, DailyUsage{Date: "2026-03-14", InputTokens: 300, OutputTokens: 30, CostUSD: 0.75, Requests: 2}, day)

	n := h.next(t)
	assert.Equal(t, notify.TopicUsageDaily, n.Topic)
	assert.Equal(t, day, n.Payload)
}

func TestScheduleSummary_BadExpression(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.ScheduleSummary("every so often")
	assert.Error(t, err)

	stop, err := h.svc.ScheduleSummary("0 0 * * *")
	require.NoError(t, err)
	stop()
}
