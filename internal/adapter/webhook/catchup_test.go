package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-runner/internal/adapter/state"
	"github.com/fairyhunter13/agent-runner/internal/config"
	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// stubPlatform panics on any call except SearchIssues.
type stubPlatform struct {
	domain.PlatformClient
	items   []domain.WorkItem
	queries []string
}

func (s *stubPlatform) SearchIssues(_ context.Context, query string, _ int) ([]domain.WorkItem, error) {
	s.queries = append(s.queries, query)
	return s.items, nil
}

func TestCatchupDue(t *testing.T) {
	dir, err := state.NewDir(t.TempDir())
	require.NoError(t, err)
	last := state.NewCatchupState(dir)
	cfg := config.WebhookCatchup{Enabled: true, IntervalMinutes: 15}
	c := NewCatchup(cfg, "acme", "agent:request", nil, nil, last)

	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	due, err := c.Due(now)
	require.NoError(t, err)
	require.True(t, due, "never ran means due")

	require.NoError(t, last.SetLastRun(now))
	due, err = c.Due(now.Add(5 * time.Minute))
	require.NoError(t, err)
	require.False(t, due)

	due, err = c.Due(now.Add(16 * time.Minute))
	require.NoError(t, err)
	require.True(t, due)
}

func TestCatchupDisabled(t *testing.T) {
	dir, err := state.NewDir(t.TempDir())
	require.NoError(t, err)
	c := NewCatchup(config.WebhookCatchup{Enabled: false}, "acme", "agent:request",
		nil, nil, state.NewCatchupState(dir))
	due, err := c.Due(time.Now())
	require.NoError(t, err)
	require.False(t, due)
}

func TestCatchupRunEnqueuesInScopeItems(t *testing.T) {
	dir, err := state.NewDir(t.TempDir())
	require.NoError(t, err)
	queue := state.NewWebhookQueueStore(dir, "")
	last := state.NewCatchupState(dir)

	platform := &stubPlatform{items: []domain.WorkItem{
		{RepoOwner: "acme", RepoName: "widgets", Number: 3, ID: 30, URL: "https://example.com/3"},
		{RepoOwner: "other", RepoName: "repo", Number: 8, ID: 80},
	}}
	cfg := config.WebhookCatchup{Enabled: true, MaxIssuesPerRun: 10}
	c := NewCatchup(cfg, "acme", "agent:request", platform, queue, last)

	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	require.NoError(t, c.Run(context.Background(), now))

	require.Len(t, platform.queries, 2)
	require.Contains(t, platform.queries[0], `label:"agent:request"`)
	require.Contains(t, platform.queries[1], "/agent run")

	items, err := queue.List()
	require.NoError(t, err)
	require.Len(t, items, 1, "out-of-scope owners skipped, duplicates collapsed")
	require.Equal(t, int64(30), items[0].ItemID)

	got, err := last.LastRun()
	require.NoError(t, err)
	require.Equal(t, now, got)
}
