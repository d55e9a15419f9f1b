// ABOUTME: Scheduled daily usage summary built from the token usage ledger
// ABOUTME: Runs on a cron expression and publishes the previous day's totals

package mission

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/2389/mission-control/internal/notify"
	"github.com/2389/mission-control/internal/store"
)

// DailyUsage is the summary for one calendar day.
type DailyUsage struct {
	Date         string  `json:"date"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Requests     int     `json:"requests"`
}

// DailySummary totals usage for the calendar day before now, logs it, and
// publishes it to the dashboard.
func (s *Service) DailySummary(ctx context.Context) (DailyUsage, error) {
	now := s.now()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	start := end.AddDate(0, 0, -1)

	stats, err := s.store.GetUsageStats(ctx, store.UsageFilter{Since: &start, Until: &end})
	if err != nil {
		return DailyUsage{}, fmt.Errorf("usage for %s: %w", start.Format(time.DateOnly), err)
	}

	day := DailyUsage{
		Date:         start.Format(time.DateOnly),
		InputTokens:  stats.TotalInput,
		OutputTokens: stats.TotalOutput,
		CostUSD:      stats.TotalCostUSD,
		Requests:     stats.RequestCount,
	}
	s.logger.Info("daily usage",
		"date", day.Date,
		"input_tokens", day.InputTokens,
		"output_tokens", day.OutputTokens,
		"cost_usd", day.CostUSD,
		"requests", day.Requests,
	)
	s.notifier.Publish(notify.TopicUsageDaily, day)
	return day, nil
}

// ScheduleSummary runs DailySummary on the 5-field cron expression until the
// returned stop function is called. stop waits for a running summary.
func (s *Service) ScheduleSummary(expr string) (stop func(), err error) {
	c := cron.New()
	_, err = c.AddFunc(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
		defer cancel()
		if _, err := s.DailySummary(ctx); err != nil {
			s.logger.Warn("daily usage summary failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("summary schedule %q: %w", expr, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
