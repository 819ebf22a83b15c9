package provider

import (
	"context"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/adapter/state"
	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// AmazonQ is the monthly-limit provider with locally counted usage: no
// remote endpoint exists, so every run increments a monthly counter and the
// snapshot is derived from it.
type AmazonQ struct {
	limit    int
	schedule domain.RampSchedule
	usage    *state.AmazonQUsageStore
}

// NewAmazonQ creates the locally counted provider.
func NewAmazonQ(limit int, schedule domain.RampSchedule, usage *state.AmazonQUsageStore) *AmazonQ {
	if limit <= 0 {
		limit = 50
	}
	return &AmazonQ{limit: limit, schedule: schedule, usage: usage}
}

// Name implements domain.UsageProvider.
func (a *AmazonQ) Name() string { return "amazonq" }

// Schedule implements domain.UsageProvider.
func (a *AmazonQ) Schedule() domain.RampSchedule { return a.schedule }

// FetchSnapshot implements domain.UsageProvider. Reading rolls the period
// when the UTC month changed; the reset boundary is the first day of the
// next UTC month at 00:00.
func (a *AmazonQ) FetchSnapshot(_ context.Context, now time.Time) (domain.QuotaSnapshot, error) {
	u, err := a.usage.Get(now)
	if err != nil {
		return domain.QuotaSnapshot{}, err
	}
	remaining := float64(a.limit-u.Used) / float64(a.limit) * 100
	return domain.QuotaSnapshot{
		PercentRemaining: clampPct(remaining),
		ResetAt:          NextMonthStart(now),
		Limit:            float64(a.limit),
		Used:             float64(u.Used),
	}, nil
}

// RecordUsage implements domain.UsageRecorder.
func (a *AmazonQ) RecordUsage(n int) error {
	return a.usage.Add(time.Now(), n)
}
