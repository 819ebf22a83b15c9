package provider

import (
	"context"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// Claude is the auxiliary engine provider. It has no usage endpoint; the
// snapshot always reports a full bucket, so only its ramp schedule (if
// configured non-permissive) and concurrency cap gate it.
type Claude struct {
	schedule domain.RampSchedule
}

// NewClaude creates the auxiliary provider.
func NewClaude(schedule domain.RampSchedule) *Claude { return &Claude{schedule: schedule} }

// Name implements domain.UsageProvider.
func (c *Claude) Name() string { return "claude" }

// Schedule implements domain.UsageProvider.
func (c *Claude) Schedule() domain.RampSchedule { return c.schedule }

// FetchSnapshot implements domain.UsageProvider.
func (c *Claude) FetchSnapshot(_ context.Context, now time.Time) (domain.QuotaSnapshot, error) {
	return domain.QuotaSnapshot{PercentRemaining: 100, ResetAt: now}, nil
}
