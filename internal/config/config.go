// Package config defines configuration parsing and helpers.
//
// The orchestrator reads a YAML configuration file (schema-validated) plus a
// small set of environment variables carrying credentials.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ReposAll is the sentinel meaning "every repository of the owner".
const ReposAll = "all"

// Repos is either the literal "all" or an explicit list of repository names.
type Repos struct {
	All   bool
	Names []string
}

// UnmarshalYAML accepts either the string "all" or a sequence of names.
func (r *Repos) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		if s != ReposAll {
			return fmt.Errorf("repos: expected %q or a list, got %q", ReposAll, s)
		}
		r.All = true
		return nil
	case yaml.SequenceNode:
		return value.Decode(&r.Names)
	default:
		return fmt.Errorf("repos: unsupported YAML node kind %d", value.Kind)
	}
}

// MarshalYAML renders the value back in the same shape it was parsed from.
func (r Repos) MarshalYAML() (any, error) {
	if r.All {
		return ReposAll, nil
	}
	return r.Names, nil
}

// Labels names every label the orchestrator manages.
type Labels struct {
	Request                      string `yaml:"request"`
	Queued                       string `yaml:"queued" validate:"required"`
	Running                      string `yaml:"running" validate:"required"`
	Done                         string `yaml:"done" validate:"required"`
	Failed                       string `yaml:"failed" validate:"required"`
	NeedsUserReply               string `yaml:"needsUserReply" validate:"required"`
	ReviewFollowup               string `yaml:"reviewFollowup"`
	ReviewFollowupWaiting        string `yaml:"reviewFollowupWaiting"`
	ReviewFollowupActionRequired string `yaml:"reviewFollowupActionRequired"`
}

// Terminal returns the mutually exclusive lifecycle labels.
func (l Labels) Terminal() []string {
	return []string{l.Queued, l.Running, l.Done, l.Failed, l.NeedsUserReply}
}

// UsageGate configures a ramp schedule for one provider.
type UsageGate struct {
	StartMinutes           int     `yaml:"startMinutes" validate:"min=0"`
	MinRemainingPctAtStart float64 `yaml:"minRemainingPctAtStart" validate:"min=0,max=100"`
	MinRemainingPctAtEnd   float64 `yaml:"minRemainingPctAtEnd" validate:"min=0,max=100"`
}

// Engine configures one coding-agent CLI.
type Engine struct {
	Command        string     `yaml:"command" validate:"required"`
	Args           []string   `yaml:"args"`
	PromptTemplate string     `yaml:"promptTemplate"`
	PromptMode     string     `yaml:"promptMode" validate:"omitempty,oneof=stdin arg"`
	ResumeFlag     string     `yaml:"resumeFlag"`
	TimeoutMinutes int        `yaml:"timeoutMinutes" validate:"min=0"`
	Models         []string   `yaml:"models"`
	MonthlyLimit   int        `yaml:"monthlyLimit" validate:"min=0"`
	UsageGate      *UsageGate `yaml:"usageGate"`
}

// Timeout returns the per-run deadline, defaulting to 30 minutes.
func (e Engine) Timeout() time.Duration {
	if e.TimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(e.TimeoutMinutes) * time.Minute
}

// Idle configures opportunistic idle-task scheduling.
type Idle struct {
	Enabled          bool       `yaml:"enabled"`
	MaxRunsPerCycle  int        `yaml:"maxRunsPerCycle" validate:"min=0"`
	CooldownMinutes  int        `yaml:"cooldownMinutes" validate:"min=0"`
	Tasks            []string   `yaml:"tasks"`
	PromptTemplate   string     `yaml:"promptTemplate"`
	RepoScope        []string   `yaml:"repoScope"`
	UsageGate        *UsageGate `yaml:"usageGate"`
	CopilotUsageGate *UsageGate `yaml:"copilotUsageGate"`
	GeminiUsageGate  *UsageGate `yaml:"geminiUsageGate"`
}

// Cooldown returns the per-repo idle cooldown, defaulting to 6 hours.
func (i Idle) Cooldown() time.Duration {
	if i.CooldownMinutes <= 0 {
		return 6 * time.Hour
	}
	return time.Duration(i.CooldownMinutes) * time.Minute
}

// WebhookCatchup configures the periodic catch-up scan.
type WebhookCatchup struct {
	Enabled         bool `yaml:"enabled"`
	IntervalMinutes int  `yaml:"intervalMinutes" validate:"min=0"`
	MaxIssuesPerRun int  `yaml:"maxIssuesPerRun" validate:"min=0"`
}

// Interval returns the catch-up cadence, defaulting to 15 minutes.
func (c WebhookCatchup) Interval() time.Duration {
	if c.IntervalMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// Webhooks configures the HTTP ingress.
type Webhooks struct {
	Host            string         `yaml:"host"`
	Port            int            `yaml:"port" validate:"min=0,max=65535"`
	Path            string         `yaml:"path"`
	Secret          string         `yaml:"secret"`
	SecretEnv       string         `yaml:"secretEnv"`
	MaxPayloadBytes int64          `yaml:"maxPayloadBytes" validate:"min=0"`
	QueueFile       string         `yaml:"queueFile"`
	Catchup         WebhookCatchup `yaml:"catchup"`
}

// Enabled reports whether the listener should start.
func (w Webhooks) Enabled() bool { return w.Port > 0 }

// MaxPayload returns the request body cap, defaulting to 1 MiB.
func (w Webhooks) MaxPayload() int64 {
	if w.MaxPayloadBytes <= 0 {
		return 1 << 20
	}
	return w.MaxPayloadBytes
}

// ResolveSecret returns the shared webhook secret, preferring the inline value
// over the named environment variable.
func (w Webhooks) ResolveSecret() string {
	if w.Secret != "" {
		return w.Secret
	}
	if w.SecretEnv != "" {
		return os.Getenv(w.SecretEnv)
	}
	return ""
}

// LogMaintenance configures log pruning.
type LogMaintenance struct {
	MaxAgeDays        int `yaml:"maxAgeDays" validate:"min=0"`
	KeepLatest        int `yaml:"keepLatest" validate:"min=0"`
	MaxTotalMB        int `yaml:"maxTotalMB" validate:"min=0"`
	TaskRunKeepLatest int `yaml:"taskRunKeepLatest" validate:"min=0"`
}

// ServiceConcurrency caps in-flight runs per provider.
type ServiceConcurrency struct {
	Codex   int `yaml:"codex" validate:"min=0"`
	Copilot int `yaml:"copilot" validate:"min=0"`
	Gemini  int `yaml:"gemini" validate:"min=0"`
	AmazonQ int `yaml:"amazonQ" validate:"min=0"`
	Claude  int `yaml:"claude" validate:"min=0"`
}

// Config holds the full orchestrator configuration.
type Config struct {
	Owner               string             `yaml:"owner" validate:"required"`
	WorkdirRoot         string             `yaml:"workdirRoot" validate:"required"`
	PollIntervalSeconds int                `yaml:"pollIntervalSeconds" validate:"required,min=1"`
	Concurrency         int                `yaml:"concurrency" validate:"required,min=1"`
	Repos               Repos              `yaml:"repos"`
	ExcludeRepos        []string           `yaml:"excludeRepos"`
	Labels              Labels             `yaml:"labels"`
	Codex               Engine             `yaml:"codex" validate:"required"`
	AmazonQ             *Engine            `yaml:"amazonQ"`
	Copilot             *Engine            `yaml:"copilot"`
	Gemini              *Engine            `yaml:"gemini"`
	Claude              *Engine            `yaml:"claude"`
	Idle                Idle               `yaml:"idle"`
	Webhooks            Webhooks           `yaml:"webhooks"`
	LogMaintenance      LogMaintenance     `yaml:"logMaintenance"`
	ServiceConcurrency  ServiceConcurrency `yaml:"serviceConcurrency"`
}

// PollInterval returns the reconciliation cadence.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// StateDir returns the durable state directory.
func (c Config) StateDir() string {
	return filepath.Join(c.WorkdirRoot, "agent-runner", "state")
}

// LogsDir returns the log directory.
func (c Config) LogsDir() string {
	return filepath.Join(c.WorkdirRoot, "agent-runner", "logs")
}

// applyDefaults fills label names and webhook path defaults.
func (c *Config) applyDefaults() {
	if c.Labels.Request == "" {
		c.Labels.Request = "agent:request"
	}
	if c.Labels.ReviewFollowup == "" {
		c.Labels.ReviewFollowup = "review-followup"
	}
	if c.Labels.ReviewFollowupWaiting == "" {
		c.Labels.ReviewFollowupWaiting = c.Labels.ReviewFollowup + ":waiting"
	}
	if c.Labels.ReviewFollowupActionRequired == "" {
		c.Labels.ReviewFollowupActionRequired = c.Labels.ReviewFollowup + ":action-required"
	}
	if c.Webhooks.Path == "" {
		c.Webhooks.Path = "/webhook"
	}
	if c.Webhooks.Host == "" {
		c.Webhooks.Host = "127.0.0.1"
	}
	if !c.Repos.All && len(c.Repos.Names) == 0 {
		c.Repos.All = true
	}
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("op=config.Load path=%s: %w", path, err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load path=%s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load path=%s: %w", path, err)
	}
	return cfg, nil
}
