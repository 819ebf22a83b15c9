// Package provider implements the per-engine quota gates: usage snapshot
// fetchers, the ramp-schedule evaluator, warmup scheduling and capacity
// backoff.
package provider

import (
	"fmt"
	"math"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// minutesToReset rounds the distance to the reset boundary, floored at zero.
func minutesToReset(resetAt, now time.Time) int {
	m := int(math.Round(resetAt.Sub(now).Minutes()))
	if m < 0 {
		return 0
	}
	return m
}

// RequiredPercent computes the ramp's minimum remaining percentage for a
// given distance to reset. Monotonically non-decreasing in minutes on
// [0, StartMinutes].
func RequiredPercent(s domain.RampSchedule, minutes int) float64 {
	start := s.StartMinutes
	if start < 1 {
		start = 1
	}
	ratio := float64(minutes) / float64(start)
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return s.MinRemainingPctAtEnd + (s.MinRemainingPctAtStart-s.MinRemainingPctAtEnd)*ratio
}

// EvaluateRamp decides whether a provider with the given remaining percentage
// may start work. Deterministic in (percentRemaining, resetAt-now, schedule).
func EvaluateRamp(percentRemaining float64, resetAt time.Time, s domain.RampSchedule, now time.Time) domain.GateDecision {
	minutes := minutesToReset(resetAt, now)
	if minutes > s.StartMinutes {
		return domain.GateDecision{
			Allow:  false,
			Reason: fmt.Sprintf("reset not close enough: %dm to reset (threshold %dm)", minutes, s.StartMinutes),
		}
	}
	required := RequiredPercent(s, minutes)
	reason := fmt.Sprintf("%.1f%% remaining (required %.1f%%)", percentRemaining, required)
	if percentRemaining < required {
		return domain.GateDecision{Allow: false, Reason: reason}
	}
	return domain.GateDecision{Allow: true, Reason: reason}
}

// warmupFullPct is the remaining percentage treated as "completely unused".
const warmupFullPct = 99.999

// ShouldWarmup reports whether a model deserves a single warmup run: its
// bucket is effectively untouched, the ramp blocks only because the reset is
// far away, and no attempt was recorded within the cooldown.
func ShouldWarmup(m domain.ModelQuota, s domain.RampSchedule, lastAttempt time.Time, cooldown time.Duration, now time.Time) bool {
	if m.PercentRemaining < warmupFullPct {
		return false
	}
	if minutesToReset(m.ResetAt, now) <= s.StartMinutes {
		return false
	}
	return lastAttempt.IsZero() || now.Sub(lastAttempt) >= cooldown
}
