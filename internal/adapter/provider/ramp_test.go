package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

var fullDaySchedule = domain.RampSchedule{
	StartMinutes:           1440,
	MinRemainingPctAtStart: 100,
	MinRemainingPctAtEnd:   0,
}

func TestRampAtThreshold(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	resetAt := now.Add(720 * time.Minute)

	d := EvaluateRamp(50.0, resetAt, fullDaySchedule, now)
	require.True(t, d.Allow)
	require.Contains(t, d.Reason, "50.0% remaining (required 50.0%)")
}

func TestRampTooEarly(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	resetAt := now.Add(1500 * time.Minute)

	d := EvaluateRamp(100.0, resetAt, fullDaySchedule, now)
	require.False(t, d.Allow)
	require.Contains(t, d.Reason, "1500m")
	require.Contains(t, d.Reason, "threshold 1440m")
}

func TestRampBlocksBelowRequired(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	resetAt := now.Add(720 * time.Minute)

	d := EvaluateRamp(49.9, resetAt, fullDaySchedule, now)
	require.False(t, d.Allow)
	require.Contains(t, d.Reason, "49.9% remaining (required 50.0%)")
}

func TestRampPastReset(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	d := EvaluateRamp(0.5, now.Add(-time.Hour), fullDaySchedule, now)
	require.True(t, d.Allow, "at reset the required percentage is the end value")
}

func TestRequiredPercentMonotonic(t *testing.T) {
	prev := -1.0
	for minutes := 0; minutes <= fullDaySchedule.StartMinutes; minutes += 30 {
		req := RequiredPercent(fullDaySchedule, minutes)
		require.GreaterOrEqual(t, req, prev,
			"required(%d) must be non-decreasing", minutes)
		prev = req
	}
	require.InDelta(t, 0, RequiredPercent(fullDaySchedule, 0), 1e-9)
	require.InDelta(t, 100, RequiredPercent(fullDaySchedule, 1440), 1e-9)
}

func TestRampDeterministic(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	resetAt := now.Add(300 * time.Minute)
	a := EvaluateRamp(33.3, resetAt, fullDaySchedule, now)
	b := EvaluateRamp(33.3, resetAt.Add(time.Hour), fullDaySchedule, now.Add(time.Hour))
	require.Equal(t, a, b, "decision depends only on (pct, reset-now, schedule)")
}

func TestShouldWarmup(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cooldown := 6 * time.Hour
	farReset := domain.ModelQuota{PercentRemaining: 100, ResetAt: now.Add(2000 * time.Minute)}

	require.True(t, ShouldWarmup(farReset, fullDaySchedule, time.Time{}, cooldown, now))

	// Recent attempt within cooldown suppresses.
	require.False(t, ShouldWarmup(farReset, fullDaySchedule, now.Add(-time.Hour), cooldown, now))
	// Attempt older than cooldown re-arms.
	require.True(t, ShouldWarmup(farReset, fullDaySchedule, now.Add(-7*time.Hour), cooldown, now))

	// Used bucket never warms up.
	used := domain.ModelQuota{PercentRemaining: 99.9, ResetAt: now.Add(2000 * time.Minute)}
	require.False(t, ShouldWarmup(used, fullDaySchedule, time.Time{}, cooldown, now))

	// Close reset means the ramp itself decides; no warmup.
	near := domain.ModelQuota{PercentRemaining: 100, ResetAt: now.Add(100 * time.Minute)}
	require.False(t, ShouldWarmup(near, fullDaySchedule, time.Time{}, cooldown, now))
}
