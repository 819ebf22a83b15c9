package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/adapter/observability"
	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// Gate evaluates one provider's ramp schedule against a fresh usage snapshot.
type Gate struct {
	provider domain.UsageProvider
}

// NewGate wraps a usage provider.
func NewGate(p domain.UsageProvider) *Gate { return &Gate{provider: p} }

// Name returns the provider name.
func (g *Gate) Name() string { return g.provider.Name() }

// Check fetches a snapshot and evaluates the ramp. A fetch failure blocks
// with the error as reason; engines never start blind.
func (g *Gate) Check(ctx context.Context, now time.Time) (domain.GateDecision, domain.QuotaSnapshot) {
	snap, err := g.provider.FetchSnapshot(ctx, now)
	if err != nil {
		slog.Warn("usage snapshot fetch failed",
			slog.String("provider", g.provider.Name()), slog.Any("error", err))
		observability.QuotaGateDecisionsTotal.WithLabelValues(g.provider.Name(), "error").Inc()
		return domain.GateDecision{Allow: false, Reason: fmt.Sprintf("usage fetch failed: %v", err)}, domain.QuotaSnapshot{}
	}
	observability.QuotaPercentRemaining.WithLabelValues(g.provider.Name()).Set(snap.PercentRemaining)

	decision := EvaluateRamp(snap.PercentRemaining, snap.ResetAt, g.provider.Schedule(), now)
	verdict := "block"
	if decision.Allow {
		verdict = "allow"
	}
	observability.QuotaGateDecisionsTotal.WithLabelValues(g.provider.Name(), verdict).Inc()
	slog.Debug("quota gate decision",
		slog.String("provider", g.provider.Name()),
		slog.Bool("allow", decision.Allow),
		slog.String("reason", decision.Reason))
	return decision, snap
}

// ScheduleFromConfig converts an optional config gate into a ramp schedule.
// A nil gate yields a permissive schedule (always allow).
func ScheduleFromConfig(start int, startPct, endPct float64) domain.RampSchedule {
	return domain.RampSchedule{
		StartMinutes:           start,
		MinRemainingPctAtStart: startPct,
		MinRemainingPctAtEnd:   endPct,
	}
}

// Permissive is a schedule that never blocks: any reset distance qualifies
// and no remaining percentage is required.
func Permissive() domain.RampSchedule {
	return domain.RampSchedule{StartMinutes: int(^uint(0) >> 1), MinRemainingPctAtStart: 0, MinRemainingPctAtEnd: 0}
}
