package app

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/adapter/state"
	"github.com/fairyhunter13/agent-runner/internal/config"
	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// StatusReport is the point-in-time view of the orchestrator's durable state,
// rendered by the `status` command.
type StatusReport struct {
	GeneratedAt  time.Time               `json:"generated_at"`
	Running      []domain.Activity       `json:"running"`
	Retries      []domain.ScheduledRetry `json:"scheduled_retries"`
	ReviewQueue  []domain.ReviewEntry    `json:"review_queue"`
	WebhookQueue []domain.WebhookItem    `json:"webhook_queue"`
	RepoCache    domain.RepoCache        `json:"repo_cache"`
	UIServer     state.UIServerInfo      `json:"ui_server,omitempty"`
	StopPending  bool                    `json:"stop_pending"`
}

// CollectStatus assembles the report from the state directory.
func CollectStatus(cfg config.Config, now time.Time) (StatusReport, error) {
	dir, err := state.NewDir(cfg.StateDir())
	if err != nil {
		return StatusReport{}, err
	}
	report := StatusReport{GeneratedAt: now.UTC(), StopPending: dir.StopRequested()}

	running := state.NewRunningStore(dir)
	if report.Running, err = running.List(); err != nil {
		return StatusReport{}, fmt.Errorf("op=app.CollectStatus: %w", err)
	}
	if report.Retries, err = state.NewRetryStore(dir).List(); err != nil {
		return StatusReport{}, fmt.Errorf("op=app.CollectStatus: %w", err)
	}
	if report.ReviewQueue, err = state.NewReviewQueueStore(dir).List(); err != nil {
		return StatusReport{}, fmt.Errorf("op=app.CollectStatus: %w", err)
	}
	if report.WebhookQueue, err = state.NewWebhookQueueStore(dir, cfg.Webhooks.QueueFile).List(); err != nil {
		return StatusReport{}, fmt.Errorf("op=app.CollectStatus: %w", err)
	}
	if report.RepoCache, err = state.NewRepoCacheStore(dir).Get(); err != nil {
		return StatusReport{}, fmt.Errorf("op=app.CollectStatus: %w", err)
	}
	if report.UIServer, err = dir.GetUIServerInfo(); err != nil {
		return StatusReport{}, fmt.Errorf("op=app.CollectStatus: %w", err)
	}
	return report, nil
}

// WriteJSON renders the report as indented JSON.
func (r StatusReport) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText renders a short human summary.
func (r StatusReport) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "running: %d\nscheduled retries: %d\nreview queue: %d\nwebhook queue: %d\nstop pending: %v\n",
		len(r.Running), len(r.Retries), len(r.ReviewQueue), len(r.WebhookQueue), r.StopPending)
	if err != nil {
		return err
	}
	for _, a := range r.Running {
		if _, err := fmt.Fprintf(w, "  %s engine=%s repo=%s pid=%d since=%s\n",
			a.ID, a.Engine, a.Repo, a.PID, a.StartedAt.Format(time.RFC3339)); err != nil {
			return err
		}
	}
	if r.UIServer.Addr != "" {
		if _, err := fmt.Fprintf(w, "webhook listener: %s pid=%d\n", r.UIServer.Addr, r.UIServer.PID); err != nil {
			return err
		}
	}
	return nil
}
