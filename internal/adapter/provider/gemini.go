package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/adapter/state"
	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// geminiCapacityWindow is how long a model stays suppressed after the
// provider reports no capacity.
const geminiCapacityWindow = 30 * time.Minute

// geminiUsageResponse carries per-model buckets.
type geminiUsageResponse struct {
	Buckets []struct {
		Model            string  `json:"model"`
		PercentRemaining float64 `json:"percent_remaining"`
		ResetAt          string  `json:"reset_at"`
	} `json:"buckets"`
}

type geminiTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Gemini is the multi-model provider: per-model quota buckets behind an
// OAuth refresh flow, with warmup scheduling and capacity backoff.
type Gemini struct {
	baseURL      string
	tokenURL     string
	clientID     string
	clientSecret string
	refreshToken string
	models       []string
	schedule     domain.RampSchedule
	backoff      *state.GeminiBackoffStore
	warmup       *state.WarmupStore
	httpClient   *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewGemini creates the multi-model provider.
func NewGemini(baseURL, tokenURL, clientID, clientSecret, refreshToken string,
	models []string, schedule domain.RampSchedule,
	backoff *state.GeminiBackoffStore, warmup *state.WarmupStore) *Gemini {
	return &Gemini{
		baseURL:      baseURL,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		models:       models,
		schedule:     schedule,
		backoff:      backoff,
		warmup:       warmup,
		httpClient:   usageHTTPClient(),
	}
}

// Name implements domain.UsageProvider.
func (g *Gemini) Name() string { return "gemini" }

// Schedule implements domain.UsageProvider.
func (g *Gemini) Schedule() domain.RampSchedule { return g.schedule }

// token returns a cached access token, refreshing through the OAuth flow
// when expired.
func (g *Gemini) token(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.accessToken != "" && time.Now().Before(g.tokenExpiry.Add(-time.Minute)) {
		return g.accessToken, nil
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {g.refreshToken},
		"client_id":     {g.clientID},
		"client_secret": {g.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("op=provider.Gemini.token: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=provider.Gemini.token: %w: %w", domain.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("op=provider.Gemini.token status=%d: %w", resp.StatusCode, domain.ErrAuth)
	}
	var body geminiTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("op=provider.Gemini.token: decode: %w", err)
	}
	g.accessToken = body.AccessToken
	g.tokenExpiry = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	return g.accessToken, nil
}

// FetchSnapshot implements domain.UsageProvider. The top-level snapshot is
// the best bucket; per-model buckets ride along for warmup and routing.
func (g *Gemini) FetchSnapshot(ctx context.Context, now time.Time) (domain.QuotaSnapshot, error) {
	if g.baseURL == "" {
		return domain.QuotaSnapshot{PercentRemaining: 100, ResetAt: now}, nil
	}
	tok, err := g.token(ctx)
	if err != nil {
		return domain.QuotaSnapshot{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/usage", nil)
	if err != nil {
		return domain.QuotaSnapshot{}, fmt.Errorf("op=provider.Gemini.FetchSnapshot: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return domain.QuotaSnapshot{}, fmt.Errorf("op=provider.Gemini.FetchSnapshot: %w: %w", domain.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return domain.QuotaSnapshot{}, fmt.Errorf("op=provider.Gemini.FetchSnapshot status=%d: %w", resp.StatusCode, domain.ErrPlatformAPI)
	}
	var body geminiUsageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.QuotaSnapshot{}, fmt.Errorf("op=provider.Gemini.FetchSnapshot: decode: %w", err)
	}

	snap := domain.QuotaSnapshot{Models: map[string]domain.ModelQuota{}}
	for _, b := range body.Buckets {
		resetAt, err := time.Parse(time.RFC3339, b.ResetAt)
		if err != nil {
			return domain.QuotaSnapshot{}, fmt.Errorf("op=provider.Gemini.FetchSnapshot: reset_at %q: %w", b.ResetAt, err)
		}
		snap.Models[b.Model] = domain.ModelQuota{PercentRemaining: clampPct(b.PercentRemaining), ResetAt: resetAt}
	}
	for _, m := range snap.Models {
		if m.PercentRemaining >= snap.PercentRemaining {
			snap.PercentRemaining = m.PercentRemaining
			snap.ResetAt = m.ResetAt
		}
	}
	return snap, nil
}

// UsableModel picks the first configured model that is neither capacity
// blocked nor ramp blocked. Returns "" when nothing is dispatchable.
func (g *Gemini) UsableModel(snap domain.QuotaSnapshot, now time.Time) (string, error) {
	for _, model := range g.models {
		bucket, ok := snap.Models[model]
		if !ok {
			continue
		}
		blockedUntil, err := g.backoff.BlockedUntil(model)
		if err != nil {
			return "", err
		}
		if !blockedUntil.IsZero() && now.Before(blockedUntil) {
			continue
		}
		if d := EvaluateRamp(bucket.PercentRemaining, bucket.ResetAt, g.schedule, now); d.Allow {
			return model, nil
		}
	}
	return "", nil
}

// WarmupCandidates returns models deserving a warmup run, recording each
// attempt so the cooldown holds.
func (g *Gemini) WarmupCandidates(snap domain.QuotaSnapshot, cooldown time.Duration, now time.Time) ([]string, error) {
	var out []string
	for _, model := range g.models {
		bucket, ok := snap.Models[model]
		if !ok {
			continue
		}
		last, err := g.warmup.LastAttempt(model)
		if err != nil {
			return nil, err
		}
		if ShouldWarmup(bucket, g.schedule, last, cooldown, now) {
			if err := g.warmup.RecordAttempt(model, now); err != nil {
				return nil, err
			}
			out = append(out, model)
		}
	}
	return out, nil
}

// RecordNoCapacity memoizes a provider-reported capacity exhaustion for the
// model, suppressing dispatches until the window passes.
func (g *Gemini) RecordNoCapacity(model string, now time.Time) error {
	return g.backoff.Block(model, now.Add(geminiCapacityWindow))
}

// ModelBlocked reports whether a model is inside its capacity backoff window.
func (g *Gemini) ModelBlocked(model string, now time.Time) (bool, error) {
	until, err := g.backoff.BlockedUntil(model)
	if err != nil {
		return false, err
	}
	return !until.IsZero() && now.Before(until), nil
}
