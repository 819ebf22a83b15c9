package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/adapter/state"
	"github.com/fairyhunter13/agent-runner/internal/config"
	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// Catchup periodically re-discovers items whose webhook deliveries were
// missed while the runner was down, and re-enqueues them.
type Catchup struct {
	cfg      config.WebhookCatchup
	owner    string
	label    string
	platform domain.PlatformClient
	queue    domain.WebhookQueue
	last     *state.CatchupState
}

// NewCatchup creates the catch-up scanner.
func NewCatchup(cfg config.WebhookCatchup, owner, requestLabel string,
	platform domain.PlatformClient, queue domain.WebhookQueue, last *state.CatchupState) *Catchup {
	return &Catchup{
		cfg:      cfg,
		owner:    owner,
		label:    requestLabel,
		platform: platform,
		queue:    queue,
		last:     last,
	}
}

// Due reports whether the scan interval has elapsed since the last run.
func (c *Catchup) Due(now time.Time) (bool, error) {
	if !c.cfg.Enabled {
		return false, nil
	}
	last, err := c.last.LastRun()
	if err != nil {
		return false, err
	}
	return last.IsZero() || now.Sub(last) >= c.cfg.Interval(), nil
}

// Run scans for open request-labeled items and open items with `/agent run`
// commands across the owner scope, and re-enqueues them. The run timestamp is
// persisted even when individual searches fail, to avoid hot-looping against
// a broken platform.
func (c *Catchup) Run(ctx context.Context, now time.Time) error {
	limit := c.cfg.MaxIssuesPerRun
	if limit <= 0 {
		limit = 50
	}

	queries := []string{
		fmt.Sprintf(`is:open user:%s label:"%s"`, c.owner, c.label),
		fmt.Sprintf(`is:open user:%s "/agent run" in:comments`, c.owner),
	}

	var firstErr error
	enqueued := 0
	for _, q := range queries {
		items, err := c.platform.SearchIssues(ctx, q, limit)
		if err != nil {
			slog.Warn("catch-up search failed", slog.String("query", q), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, it := range items {
			if !strings.HasPrefix(it.Repo(), c.owner+"/") {
				continue
			}
			werr := c.queue.Enqueue(domain.WebhookItem{
				ItemID:     it.ID,
				Repo:       it.Repo(),
				Number:     it.Number,
				URL:        it.URL,
				EnqueuedAt: now.UTC(),
			})
			if werr != nil {
				if firstErr == nil {
					firstErr = werr
				}
				continue
			}
			enqueued++
		}
	}

	if err := c.last.SetLastRun(now); err != nil {
		return fmt.Errorf("op=webhook.Catchup.Run: %w", err)
	}
	slog.Info("catch-up scan finished", slog.Int("enqueued", enqueued))
	return firstErr
}
