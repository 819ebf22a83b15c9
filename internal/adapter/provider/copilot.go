package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// copilotUserResponse is the review-capable engine's user-info payload. Quota
// lives in the premium-interactions snapshot; the reset date arrives as a
// bare day string.
type copilotUserResponse struct {
	QuotaSnapshots struct {
		PremiumInteractions struct {
			PercentRemaining float64 `json:"percent_remaining"`
			Entitlement      float64 `json:"entitlement"`
			Remaining        float64 `json:"remaining"`
			Unlimited        bool    `json:"unlimited"`
		} `json:"premium_interactions"`
	} `json:"quota_snapshots"`
	QuotaResetDate string `json:"quota_reset_date"`
}

// Copilot is the review-capable engine's quota provider, parsed from its
// user-info endpoint.
type Copilot struct {
	baseURL    string
	token      string
	schedule   domain.RampSchedule
	httpClient *http.Client
}

// NewCopilot creates the review-capable provider.
func NewCopilot(baseURL, token string, schedule domain.RampSchedule) *Copilot {
	return &Copilot{baseURL: baseURL, token: token, schedule: schedule, httpClient: usageHTTPClient()}
}

// Name implements domain.UsageProvider.
func (c *Copilot) Name() string { return "copilot" }

// Schedule implements domain.UsageProvider.
func (c *Copilot) Schedule() domain.RampSchedule { return c.schedule }

// FetchSnapshot implements domain.UsageProvider.
func (c *Copilot) FetchSnapshot(ctx context.Context, now time.Time) (domain.QuotaSnapshot, error) {
	if c.baseURL == "" {
		return domain.QuotaSnapshot{PercentRemaining: 100, ResetAt: now}, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/copilot_internal/user", nil)
	if err != nil {
		return domain.QuotaSnapshot{}, fmt.Errorf("op=provider.Copilot.FetchSnapshot: %w", err)
	}
	req.Header.Set("Authorization", "token "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.QuotaSnapshot{}, fmt.Errorf("op=provider.Copilot.FetchSnapshot: %w: %w", domain.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return domain.QuotaSnapshot{}, fmt.Errorf("op=provider.Copilot.FetchSnapshot status=%d: %w", resp.StatusCode, domain.ErrAuth)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.QuotaSnapshot{}, fmt.Errorf("op=provider.Copilot.FetchSnapshot status=%d: %w", resp.StatusCode, domain.ErrPlatformAPI)
	}

	var body copilotUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.QuotaSnapshot{}, fmt.Errorf("op=provider.Copilot.FetchSnapshot: decode: %w", err)
	}

	pi := body.QuotaSnapshots.PremiumInteractions
	if pi.Unlimited {
		return domain.QuotaSnapshot{PercentRemaining: 100, ResetAt: now}, nil
	}
	resetAt, err := parseResetDate(body.QuotaResetDate, now)
	if err != nil {
		return domain.QuotaSnapshot{}, fmt.Errorf("op=provider.Copilot.FetchSnapshot: %w", err)
	}
	return domain.QuotaSnapshot{
		PercentRemaining: clampPct(pi.PercentRemaining),
		ResetAt:          resetAt,
		Limit:            pi.Entitlement,
		Used:             pi.Entitlement - pi.Remaining,
	}, nil
}

// parseResetDate parses the bare YYYY-MM-DD reset day as UTC midnight. An
// empty value falls back to the start of the next UTC month.
func parseResetDate(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return NextMonthStart(now), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("quota_reset_date %q: %w", s, err)
	}
	return t.UTC(), nil
}

// NextMonthStart returns the first instant of the UTC month after now.
func NextMonthStart(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
