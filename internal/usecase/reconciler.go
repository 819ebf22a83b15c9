package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/adapter/state"
	"github.com/fairyhunter13/agent-runner/internal/config"
	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// Reconciler turns platform state into actionable work items: it promotes
// request-labeled items to queued, harvests inline comment commands, and
// selects dispatch candidates.
type Reconciler struct {
	cfg      config.Config
	platform domain.PlatformClient
	scope    *Scope
	commands *state.CommandState
	sessions domain.SessionStore
	dryRun   bool
}

// NewReconciler creates the reconciler.
func NewReconciler(cfg config.Config, platform domain.PlatformClient, scope *Scope,
	commands *state.CommandState, sessions domain.SessionStore, dryRun bool) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		platform: platform,
		scope:    scope,
		commands: commands,
		sessions: sessions,
		dryRun:   dryRun,
	}
}

// Tick reconciles every in-scope repository and returns up to capacity
// dispatch candidates, ordered by item number within each repository.
// Platform failures skip the repository for this tick.
func (r *Reconciler) Tick(ctx context.Context, now time.Time, capacity int) ([]domain.WorkItem, error) {
	repos, err := r.scope.Repos(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.Reconciler.Tick: %w", err)
	}

	var candidates []domain.WorkItem
	for _, repo := range repos {
		items, rerr := r.reconcileRepo(ctx, repo)
		if rerr != nil {
			slog.Warn("repository reconciliation skipped",
				slog.String("repo", repo), slog.Any("error", rerr))
			continue
		}
		candidates = append(candidates, items...)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Repo() != candidates[j].Repo() {
			return candidates[i].Repo() < candidates[j].Repo()
		}
		return candidates[i].Number < candidates[j].Number
	})
	if capacity >= 0 && len(candidates) > capacity {
		candidates = candidates[:capacity]
	}
	return candidates, nil
}

// reconcileRepo promotes requests and returns the repo's queued candidates.
func (r *Reconciler) reconcileRepo(ctx context.Context, repo string) ([]domain.WorkItem, error) {
	labels := r.cfg.Labels

	requested, err := r.platform.ListIssuesByLabel(ctx, repo, labels.Request)
	if err != nil {
		return nil, err
	}
	for _, item := range requested {
		if item.HasAnyLabel(labels.Terminal()...) {
			continue
		}
		if r.dryRun {
			slog.Info("dry-run: would queue item", slog.String("item", item.Key()))
			continue
		}
		if err := r.platform.AddLabels(ctx, repo, item.Number, []string{labels.Queued}); err != nil {
			return nil, err
		}
		slog.Info("item queued", slog.String("item", item.Key()))
	}

	queued, err := r.platform.ListIssuesByLabel(ctx, repo, labels.Queued)
	if err != nil {
		return nil, err
	}
	var out []domain.WorkItem
	for _, item := range queued {
		if item.HasAnyLabel(labels.Running, labels.NeedsUserReply) {
			continue
		}
		out = append(out, item)
	}

	// Commands are harvested beyond the queued set: an owner's `/agent run`
	// must re-trigger items whose terminal labels hold them back.
	harvest := append([]domain.WorkItem{}, requested...)
	harvest = append(harvest, queued...)
	for _, label := range []string{labels.Failed, labels.NeedsUserReply, labels.Done} {
		held, lerr := r.platform.ListIssuesByLabel(ctx, repo, label)
		if lerr != nil {
			return nil, lerr
		}
		harvest = append(harvest, held...)
	}
	var scan []domain.WorkItem
	for _, item := range dedupeItems(harvest) {
		if item.HasLabel(labels.Running) {
			continue
		}
		scan = append(scan, item)
	}

	cmdItems, err := r.harvestRepoCommands(ctx, repo, scan)
	if err != nil {
		return nil, err
	}
	out = append(out, cmdItems...)
	return out, nil
}

// harvestRepoCommands scans the given items for new inline `/agent run`
// commands and re-yields those items as candidates even when their labels
// would otherwise hold them back.
func (r *Reconciler) harvestRepoCommands(ctx context.Context, repo string, seen []domain.WorkItem) ([]domain.WorkItem, error) {
	var out []domain.WorkItem
	for _, item := range seen {
		comments, err := r.platform.ListComments(ctx, repo, item.Number)
		if err != nil {
			return nil, err
		}
		cmds, err := HarvestCommands(comments, r.commands.Processed)
		if err != nil {
			return nil, err
		}
		for _, cmd := range cmds {
			switch cmd.Action {
			case "run":
				if r.dryRun {
					slog.Info("dry-run: would run command",
						slog.String("item", item.Key()), slog.Int64("comment", cmd.CommentID))
					continue
				}
				if err := r.commands.MarkProcessed(cmd.CommentID); err != nil {
					return nil, err
				}
				out = append(out, item)
				slog.Info("run command accepted",
					slog.String("item", item.Key()), slog.Int64("comment", cmd.CommentID))
			case "reset":
				if r.dryRun {
					slog.Info("dry-run: would reset session",
						slog.String("item", item.Key()), slog.Int64("comment", cmd.CommentID))
					continue
				}
				if err := r.sessions.Clear(item.ID); err != nil {
					return nil, err
				}
				if err := r.commands.MarkProcessed(cmd.CommentID); err != nil {
					return nil, err
				}
				slog.Info("session reset by command",
					slog.String("item", item.Key()), slog.Int64("comment", cmd.CommentID))
			default:
				// Unknown actions are consumed so they do not re-fire forever.
				if !r.dryRun {
					if err := r.commands.MarkProcessed(cmd.CommentID); err != nil {
						return nil, err
					}
				}
				slog.Warn("unknown inline command ignored",
					slog.String("item", item.Key()), slog.String("action", cmd.Action))
			}
		}
	}
	return out, nil
}
