package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/adapter/provider"
	"github.com/fairyhunter13/agent-runner/internal/adapter/state"
	"github.com/fairyhunter13/agent-runner/internal/config"
	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// IdleScheduler plans opportunistic maintenance runs across repositories when
// the orchestrator has spare capacity and no labeled work pending.
type IdleScheduler struct {
	cfg     config.Config
	scope   *Scope
	history *state.IdleHistoryStore
	// gates are the idle-specific ramp gates; any allowing gate enables a cycle.
	gates []*provider.Gate
}

// NewIdleScheduler creates the scheduler.
func NewIdleScheduler(cfg config.Config, scope *Scope, history *state.IdleHistoryStore, gates []*provider.Gate) *IdleScheduler {
	return &IdleScheduler{cfg: cfg, scope: scope, history: history, gates: gates}
}

// Plan selects up to spare idle candidates for this cycle. Each selected repo
// gets the next task in rotation; repos inside their cooldown are skipped.
// The rotation cursor and per-repo history persist across restarts.
func (s *IdleScheduler) Plan(ctx context.Context, now time.Time, spare int) ([]Candidate, error) {
	if !s.cfg.Idle.Enabled || spare <= 0 || len(s.cfg.Idle.Tasks) == 0 {
		return nil, nil
	}
	if !s.gateAllows(ctx, now) {
		slog.Debug("idle cycle skipped, no idle gate allows")
		return nil, nil
	}

	repos, err := s.eligibleRepos(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.IdleScheduler.Plan: %w", err)
	}

	hist, err := s.history.Get()
	if err != nil {
		return nil, fmt.Errorf("op=usecase.IdleScheduler.Plan: %w", err)
	}

	limit := spare
	if s.cfg.Idle.MaxRunsPerCycle > 0 && s.cfg.Idle.MaxRunsPerCycle < limit {
		limit = s.cfg.Idle.MaxRunsPerCycle
	}

	var (
		candidates []Candidate
		started    []string
		skipped    []string
	)
	cooldown := s.cfg.Idle.Cooldown()
	for _, repo := range repos {
		if len(candidates) >= limit {
			break
		}
		if h, ok := hist.Repos[repo]; ok && now.Sub(h.LastRunAt) < cooldown {
			skipped = append(skipped, repo)
			continue
		}
		task := s.cfg.Idle.Tasks[hist.TaskCursor%len(s.cfg.Idle.Tasks)]
		hist.TaskCursor++
		hist.Repos[repo] = domain.IdleRepoHistory{LastRunAt: now.UTC(), LastTask: task}
		candidates = append(candidates, Candidate{Tier: TierIdle, IdleRepo: repo, IdleTask: task})
		started = append(started, repo)
	}

	if err := s.history.Put(hist); err != nil {
		return nil, fmt.Errorf("op=usecase.IdleScheduler.Plan: %w", err)
	}
	if err := s.history.PutIdleReport(state.IdleReport{
		RanAt:   now.UTC(),
		Started: started,
		Skipped: skipped,
	}); err != nil {
		slog.Warn("idle report write failed", slog.Any("error", err))
	}
	if len(candidates) > 0 {
		slog.Info("idle cycle planned",
			slog.Int("runs", len(candidates)), slog.Int("skipped", len(skipped)))
	}
	return candidates, nil
}

// eligibleRepos returns the idle rotation order: the configured scope or the
// full resolved scope, sorted by least-recently-idled first.
func (s *IdleScheduler) eligibleRepos(ctx context.Context, now time.Time) ([]string, error) {
	var repos []string
	if len(s.cfg.Idle.RepoScope) > 0 {
		for _, name := range s.cfg.Idle.RepoScope {
			repos = append(repos, qualifyRepo(s.cfg.Owner, name))
		}
	} else {
		var err error
		repos, err = s.scope.Repos(ctx, now)
		if err != nil {
			return nil, err
		}
	}

	hist, err := s.history.Get()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(repos, func(i, j int) bool {
		return hist.Repos[repos[i]].LastRunAt.Before(hist.Repos[repos[j]].LastRunAt)
	})
	return repos, nil
}

func qualifyRepo(owner, name string) string {
	if strings.Contains(name, "/") {
		return name
	}
	return owner + "/" + name
}

func (s *IdleScheduler) gateAllows(ctx context.Context, now time.Time) bool {
	if len(s.gates) == 0 {
		return true
	}
	for _, g := range s.gates {
		if decision, _ := g.Check(ctx, now); decision.Allow {
			return true
		}
	}
	return false
}
