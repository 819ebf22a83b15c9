package usecase

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-runner/internal/adapter/state"
	"github.com/fairyhunter13/agent-runner/internal/config"
	"github.com/fairyhunter13/agent-runner/internal/domain"
)

func scopeFixture(t *testing.T, cfg config.Config) (*Scope, *fakePlatform, *state.RepoCacheStore) {
	t.Helper()
	dir, err := state.NewDir(t.TempDir())
	require.NoError(t, err)
	cache := state.NewRepoCacheStore(dir)
	platform := newFakePlatform()
	if cfg.WorkdirRoot == "" {
		cfg.WorkdirRoot = t.TempDir()
	}
	return NewScope(cfg, platform, cache), platform, cache
}

func TestScopeExplicitList(t *testing.T) {
	scope, _, _ := scopeFixture(t, config.Config{
		Owner:        "acme",
		Repos:        config.Repos{Names: []string{"api", "acme/web", "old"}},
		ExcludeRepos: []string{"old"},
	})

	repos, err := scope.Repos(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{"acme/api", "acme/web"}, repos)
}

func TestScopeAllUsesFreshCache(t *testing.T) {
	scope, platform, cache := scopeFixture(t, config.Config{Owner: "acme", Repos: config.Repos{All: true}})
	now := time.Now()
	require.NoError(t, cache.Put(domain.RepoCache{
		Repos: []string{"acme/api"}, UpdatedAt: now.Add(-time.Minute),
	}))
	platform.repos = []string{"acme/api", "acme/web"}

	repos, err := scope.Repos(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, []string{"acme/api"}, repos, "fresh cache wins over the API")
}

func TestScopeAllRefreshesStaleCache(t *testing.T) {
	scope, platform, cache := scopeFixture(t, config.Config{Owner: "acme", Repos: config.Repos{All: true}})
	now := time.Now()
	require.NoError(t, cache.Put(domain.RepoCache{
		Repos: []string{"acme/api"}, UpdatedAt: now.Add(-2 * time.Hour),
	}))
	platform.repos = []string{"acme/web", "acme/api"}

	repos, err := scope.Repos(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, []string{"acme/api", "acme/web"}, repos)

	cached, err := cache.Get()
	require.NoError(t, err)
	require.Equal(t, []string{"acme/api", "acme/web"}, cached.Repos)
}

func TestScopeRateLimitFallsBackToCache(t *testing.T) {
	scope, platform, cache := scopeFixture(t, config.Config{Owner: "acme", Repos: config.Repos{All: true}})
	now := time.Now()
	require.NoError(t, cache.Put(domain.RepoCache{
		Repos: []string{"acme/api"}, UpdatedAt: now.Add(-2 * time.Hour),
	}))
	platform.listReposErr = domain.ErrRateLimited

	repos, err := scope.Repos(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, []string{"acme/api"}, repos)

	cached, err := cache.Get()
	require.NoError(t, err)
	require.True(t, cached.Blocked(now.Add(time.Minute)), "listing is backed off")
}

func TestScopeLocalFallback(t *testing.T) {
	workdir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workdir, "api", ".git"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(workdir, "notes"), 0o755))

	scope, platform, _ := scopeFixture(t, config.Config{
		Owner: "acme", Repos: config.Repos{All: true}, WorkdirRoot: workdir,
	})
	platform.listReposErr = domain.ErrPlatformAPI

	repos, err := scope.Repos(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{"acme/api"}, repos, "only .git children count")
}

func TestItemRepos(t *testing.T) {
	scope, _, _ := scopeFixture(t, config.Config{Owner: "acme"})

	item := domain.WorkItem{
		RepoOwner: "acme", RepoName: "hub", Number: 1,
		Body: "Do things.\n\n### Repository list (if applicable)\n\n- api\n- acme/web\n",
	}
	require.Equal(t, []string{"acme/api", "acme/web"}, scope.ItemRepos(item))

	item.Body = "No section here."
	require.Equal(t, []string{"acme/hub"}, scope.ItemRepos(item))
}

func TestWorkdirFor(t *testing.T) {
	scope, _, _ := scopeFixture(t, config.Config{Owner: "acme", WorkdirRoot: "/srv/work"})
	require.Equal(t, "/srv/work/api", scope.WorkdirFor("acme/api"))
}
