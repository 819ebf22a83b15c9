package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-runner/internal/adapter/provider"
	"github.com/fairyhunter13/agent-runner/internal/adapter/state"
	"github.com/fairyhunter13/agent-runner/internal/config"
	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// capturingRunner hands every spec it is asked to run to a channel.
type capturingRunner struct {
	specs chan domain.RunSpec
}

func (r *capturingRunner) Run(_ context.Context, spec domain.RunSpec, onStart func(int)) (domain.RunResult, error) {
	if onStart != nil {
		onStart(4242)
	}
	r.specs <- spec
	return domain.RunResult{Success: true}, nil
}

func geminiUsageServer(t *testing.T, resetAt time.Time) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/v1/usage", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"buckets": []map[string]any{
				{"model": "pro", "percent_remaining": 100.0, "reset_at": resetAt.Format(time.RFC3339)},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunWarmupsFiresWhileRampBlocksForDistance(t *testing.T) {
	now := time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC)
	resetAt := now.Add(3000 * time.Minute)
	srv := geminiUsageServer(t, resetAt)

	dir, err := state.NewDir(t.TempDir())
	require.NoError(t, err)
	schedule := provider.ScheduleFromConfig(1440, 100, 0)
	gemini := provider.NewGemini(srv.URL, srv.URL+"/token", "id", "secret", "refresh",
		[]string{"pro"}, schedule, state.NewGeminiBackoffStore(dir), state.NewWarmupStore(dir))

	// A full bucket with a far reset is exactly the shape the dispatch ramp
	// refuses to start work on.
	decision := provider.EvaluateRamp(100, resetAt, schedule, now)
	require.False(t, decision.Allow)
	require.Contains(t, decision.Reason, "reset not close enough")

	runner := &capturingRunner{specs: make(chan domain.RunSpec, 1)}
	r := &Runner{
		cfg: config.Config{
			Owner:       "acme",
			WorkdirRoot: t.TempDir(),
			Gemini:      &config.Engine{Command: "gemini", Args: []string{"chat"}},
		},
		runner: runner,
		gemini: gemini,
	}

	r.runWarmups(context.Background(), now)

	select {
	case spec := <-runner.specs:
		require.Equal(t, "gemini", spec.Command)
		require.Contains(t, spec.Args, "--model")
		require.Contains(t, spec.Args, "pro")
	case <-time.After(2 * time.Second):
		t.Fatal("expected a warmup run for the blocked full bucket")
	}

	// The recorded attempt holds further warmups inside the cooldown.
	r.runWarmups(context.Background(), now.Add(time.Minute))
	select {
	case <-runner.specs:
		t.Fatal("warmup fired again within the cooldown")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFollowupSpare(t *testing.T) {
	require.Equal(t, 2, followupSpare(5, 2, 1))
	require.Equal(t, 0, followupSpare(2, 1, 3))
	require.Equal(t, 0, followupSpare(0, 0, 0))
}
