package usecase

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/adapter/state"
	"github.com/fairyhunter13/agent-runner/internal/config"
	"github.com/fairyhunter13/agent-runner/internal/domain"
)

const (
	// repoCacheMaxAge is how long the cached owner repo list stays fresh.
	repoCacheMaxAge = 60 * time.Minute

	// repoCacheBlockWindow is the backoff applied after a rate-limited
	// listing attempt.
	repoCacheBlockWindow = 30 * time.Minute
)

// Scope resolves the in-scope repository set for a tick.
type Scope struct {
	cfg      config.Config
	platform domain.PlatformClient
	cache    *state.RepoCacheStore
}

// NewScope creates the repository scope resolver.
func NewScope(cfg config.Config, platform domain.PlatformClient, cache *state.RepoCacheStore) *Scope {
	return &Scope{cfg: cfg, platform: platform, cache: cache}
}

// Repos returns owner/name repository keys in scope. Explicit lists pass
// through; "all" runs the cache -> API -> cache -> local fallback chain.
func (s *Scope) Repos(ctx context.Context, now time.Time) ([]string, error) {
	if !s.cfg.Repos.All {
		out := make([]string, 0, len(s.cfg.Repos.Names))
		for _, name := range s.cfg.Repos.Names {
			out = append(out, s.qualify(name))
		}
		return s.exclude(out), nil
	}

	cached, err := s.cache.Get()
	if err != nil {
		return nil, err
	}
	if cached.Fresh(now, repoCacheMaxAge) || cached.Blocked(now) {
		return s.exclude(cached.Repos), nil
	}

	repos, err := s.platform.ListOwnerRepos(ctx, s.cfg.Owner)
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			cached.BlockedUntil = now.Add(repoCacheBlockWindow)
			if perr := s.cache.Put(cached); perr != nil {
				return nil, perr
			}
			slog.Warn("repo listing rate limited, using cache",
				slog.Time("blocked_until", cached.BlockedUntil))
		} else {
			slog.Warn("repo listing failed, using cache", slog.Any("error", err))
		}
		if len(cached.Repos) > 0 {
			return s.exclude(cached.Repos), nil
		}
		return s.exclude(s.localRepos()), nil
	}

	sort.Strings(repos)
	if perr := s.cache.Put(domain.RepoCache{Repos: repos, UpdatedAt: now.UTC()}); perr != nil {
		return nil, perr
	}
	return s.exclude(repos), nil
}

// qualify turns a bare repo name into owner/name.
func (s *Scope) qualify(name string) string {
	if filepath.Base(name) != name {
		return name
	}
	return s.cfg.Owner + "/" + name
}

// localRepos is the last-resort scope: workdir children containing .git.
func (s *Scope) localRepos() []string {
	entries, err := os.ReadDir(s.cfg.WorkdirRoot)
	if err != nil {
		slog.Warn("local repo scan failed", slog.Any("error", err))
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		gitDir := filepath.Join(s.cfg.WorkdirRoot, e.Name(), ".git")
		if st, serr := os.Stat(gitDir); serr == nil && st.IsDir() {
			out = append(out, s.cfg.Owner+"/"+e.Name())
		}
	}
	sort.Strings(out)
	return out
}

// exclude drops configured exclusions, matching either bare or qualified
// names.
func (s *Scope) exclude(repos []string) []string {
	if len(s.cfg.ExcludeRepos) == 0 {
		return repos
	}
	drop := map[string]bool{}
	for _, x := range s.cfg.ExcludeRepos {
		drop[x] = true
		drop[s.qualify(x)] = true
	}
	out := repos[:0]
	for _, r := range repos {
		if !drop[r] && !drop[filepath.Base(r)] {
			out = append(out, r)
		}
	}
	return out
}

// ItemRepos resolves an item's target repositories from its body section,
// falling back to the item's own repository. Unknown names are qualified with
// the owner.
func (s *Scope) ItemRepos(item domain.WorkItem) []string {
	parsed := ParseIssueBody(item.Body)
	if len(parsed.Repos) == 0 {
		return []string{item.Repo()}
	}
	out := make([]string, 0, len(parsed.Repos))
	for _, r := range parsed.Repos {
		out = append(out, s.qualify(r))
	}
	return out
}

// WorkdirFor maps a repository key to its local working tree path.
func (s *Scope) WorkdirFor(repo string) string {
	return filepath.Join(s.cfg.WorkdirRoot, filepath.Base(repo))
}
