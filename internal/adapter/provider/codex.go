package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// usageHTTPClient builds the shared instrumented HTTP client for usage
// endpoints.
func usageHTTPClient() *http.Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Usage %s %s", r.Method, r.URL.Host)
		}),
	)
	return &http.Client{Timeout: 30 * time.Second, Transport: transport}
}

// codexUsageResponse is the primary engine's usage endpoint payload.
type codexUsageResponse struct {
	PercentRemaining float64 `json:"percent_remaining"`
	ResetAt          string  `json:"reset_at"`
	Limit            float64 `json:"limit"`
	Used             float64 `json:"used"`
}

// Codex is the primary engine's quota provider: a single usage bucket
// fetched over HTTP.
type Codex struct {
	baseURL    string
	token      string
	schedule   domain.RampSchedule
	httpClient *http.Client
}

// NewCodex creates the primary provider. An empty baseURL disables fetching;
// the snapshot then reports a full bucket so only the schedule gates work.
func NewCodex(baseURL, token string, schedule domain.RampSchedule) *Codex {
	return &Codex{baseURL: baseURL, token: token, schedule: schedule, httpClient: usageHTTPClient()}
}

// Name implements domain.UsageProvider.
func (c *Codex) Name() string { return "codex" }

// Schedule implements domain.UsageProvider.
func (c *Codex) Schedule() domain.RampSchedule { return c.schedule }

// FetchSnapshot implements domain.UsageProvider.
func (c *Codex) FetchSnapshot(ctx context.Context, now time.Time) (domain.QuotaSnapshot, error) {
	if c.baseURL == "" {
		return domain.QuotaSnapshot{PercentRemaining: 100, ResetAt: now}, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/usage", nil)
	if err != nil {
		return domain.QuotaSnapshot{}, fmt.Errorf("op=provider.Codex.FetchSnapshot: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.QuotaSnapshot{}, fmt.Errorf("op=provider.Codex.FetchSnapshot: %w: %w", domain.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return domain.QuotaSnapshot{}, fmt.Errorf("op=provider.Codex.FetchSnapshot status=%d: %w", resp.StatusCode, domain.ErrAuth)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.QuotaSnapshot{}, fmt.Errorf("op=provider.Codex.FetchSnapshot status=%d: %w", resp.StatusCode, domain.ErrPlatformAPI)
	}

	var body codexUsageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.QuotaSnapshot{}, fmt.Errorf("op=provider.Codex.FetchSnapshot: decode: %w", err)
	}
	resetAt, err := time.Parse(time.RFC3339, body.ResetAt)
	if err != nil {
		return domain.QuotaSnapshot{}, fmt.Errorf("op=provider.Codex.FetchSnapshot: reset_at %q: %w", body.ResetAt, err)
	}
	return domain.QuotaSnapshot{
		PercentRemaining: clampPct(body.PercentRemaining),
		ResetAt:          resetAt,
		Limit:            body.Limit,
		Used:             body.Used,
	}, nil
}

func clampPct(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
