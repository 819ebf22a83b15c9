package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/agent-runner/internal/config"
	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// LabelCatalog returns every label the orchestrator manages, with colors and
// descriptions for `labels sync`.
func LabelCatalog(l config.Labels) []domain.Label {
	return []domain.Label{
		{Name: l.Request, Color: "0e8a16", Description: "Request an agent run on this item"},
		{Name: l.Queued, Color: "fbca04", Description: "Waiting for a free agent slot"},
		{Name: l.Running, Color: "1d76db", Description: "An agent is working on this item"},
		{Name: l.Done, Color: "0e8a16", Description: "The agent finished this item"},
		{Name: l.Failed, Color: "b60205", Description: "The agent run failed; reply to retry"},
		{Name: l.NeedsUserReply, Color: "d93f0b", Description: "The agent needs your input to continue"},
		{Name: l.ReviewFollowup, Color: "5319e7", Description: "Review feedback queued for an agent follow-up"},
		{Name: l.ReviewFollowupWaiting, Color: "bfd4f2", Description: "Follow-up waiting on reviewers"},
		{Name: l.ReviewFollowupActionRequired, Color: "e99695", Description: "Auto-merge needs a human decision"},
	}
}

// LabelEnsurer is the slice of the platform client label syncing needs.
type LabelEnsurer interface {
	EnsureLabel(ctx context.Context, repo string, label domain.Label) error
}

// SyncLabels ensures every managed label exists with the catalog color and
// description across the given repositories.
func SyncLabels(ctx context.Context, platform LabelEnsurer, labels config.Labels, repos []string) error {
	catalog := LabelCatalog(labels)
	for _, repo := range repos {
		for _, label := range catalog {
			if label.Name == "" {
				continue
			}
			if err := platform.EnsureLabel(ctx, repo, label); err != nil {
				return fmt.Errorf("op=app.SyncLabels repo=%s label=%s: %w", repo, label.Name, err)
			}
		}
		slog.Info("labels synced", slog.String("repo", repo), slog.Int("labels", len(catalog)))
	}
	return nil
}
