package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v10"
)

// Secrets carries every credential and endpoint read from the environment.
// Tokens never appear in the YAML file.
type Secrets struct {
	AgentGitHubToken string `env:"AGENT_GITHUB_TOKEN"`
	GitHubToken      string `env:"GITHUB_TOKEN"`
	GHToken          string `env:"GH_TOKEN"`
	NotifyToken      string `env:"AGENT_GITHUB_NOTIFY_TOKEN"`
	GitHubAPIURL     string `env:"GITHUB_API_URL"`

	WebhookSecret string `env:"AGENT_WEBHOOK_SECRET"`
	OTLPEndpoint  string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Debug         bool   `env:"AGENT_RUNNER_DEBUG"`

	CodexUsageURL string `env:"CODEX_USAGE_URL"`
	CodexToken    string `env:"CODEX_TOKEN"`

	CopilotAPIURL string `env:"COPILOT_API_URL"`
	CopilotToken  string `env:"AGENT_RUNNER_COPILOT_TOKEN"`

	GeminiUsageURL     string `env:"GEMINI_USAGE_URL"`
	GeminiTokenURL     string `env:"GEMINI_TOKEN_URL"`
	GeminiClientID     string `env:"AGENT_RUNNER_GEMINI_OAUTH_CLIENT_ID"`
	GeminiClientSecret string `env:"AGENT_RUNNER_GEMINI_OAUTH_CLIENT_SECRET"`
	GeminiRefreshToken string `env:"GEMINI_REFRESH_TOKEN"`
}

// LoadSecrets parses the environment.
func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := env.Parse(&s); err != nil {
		return Secrets{}, fmt.Errorf("op=config.LoadSecrets: %w", err)
	}
	return s, nil
}

// PlatformToken returns the platform auth token, first match wins:
// AGENT_GITHUB_TOKEN, then GITHUB_TOKEN, then GH_TOKEN.
func (s Secrets) PlatformToken() string {
	for _, t := range []string{s.AgentGitHubToken, s.GitHubToken, s.GHToken} {
		if t != "" {
			return t
		}
	}
	return ""
}

// ResolveNotifyToken returns the comment-posting token: the dedicated env
// variable, then a state-directory token file, then the platform token.
func (s Secrets) ResolveNotifyToken(stateDir string) string {
	if s.NotifyToken != "" {
		return s.NotifyToken
	}
	raw, err := os.ReadFile(filepath.Join(stateDir, "notify-token"))
	if err == nil {
		if tok := strings.TrimSpace(string(raw)); tok != "" {
			return tok
		}
	}
	return s.PlatformToken()
}
