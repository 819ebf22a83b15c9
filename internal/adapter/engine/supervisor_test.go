package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

func shSpec(t *testing.T, script string) domain.RunSpec {
	t.Helper()
	return domain.RunSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", script},
		Dir:     t.TempDir(),
		LogPath: filepath.Join(t.TempDir(), "run.log"),
		Tag:     "test#1",
		Timeout: 30 * time.Second,
	}
}

func TestRunSuccessWithPayload(t *testing.T) {
	var console bytes.Buffer
	s := New(WithStdout(&console))

	spec := shSpec(t, `echo working
echo AGENT_RUNNER_SUMMARY_START
echo all done here
echo AGENT_RUNNER_SUMMARY_END
echo "AGENT_RUNNER_STATUS: done"
echo "AGENT_RUNNER_SESSION: tok-7"`)

	var gotPID int
	res, err := s.Run(context.Background(), spec, func(pid int) { gotPID = pid })
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Zero(t, res.ExitCode)
	require.Equal(t, domain.StatusDone, res.Status)
	require.Equal(t, "all done here", res.Summary)
	require.Equal(t, "tok-7", res.SessionToken)
	require.Positive(t, gotPID)

	require.Contains(t, console.String(), "[test#1] working")

	logged, rerr := os.ReadFile(spec.LogPath)
	require.NoError(t, rerr)
	require.Contains(t, string(logged), "=== ")
	require.Contains(t, string(logged), "working")
}

func TestRunPromptStdin(t *testing.T) {
	s := New(WithStdout(new(bytes.Buffer)))
	spec := shSpec(t, "cat")
	spec.Prompt = "fix the bug in parser.go"
	spec.PromptMode = domain.PromptStdin

	res, err := s.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	logged, rerr := os.ReadFile(spec.LogPath)
	require.NoError(t, rerr)
	require.Contains(t, string(logged), "fix the bug in parser.go")
}

func TestRunPromptArg(t *testing.T) {
	s := New(WithStdout(new(bytes.Buffer)))
	spec := domain.RunSpec{
		Command:    "/bin/echo",
		Dir:        t.TempDir(),
		LogPath:    filepath.Join(t.TempDir(), "run.log"),
		Prompt:     "prompt-as-argument",
		PromptMode: domain.PromptArg,
		Timeout:    30 * time.Second,
	}
	res, err := s.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	logged, rerr := os.ReadFile(spec.LogPath)
	require.NoError(t, rerr)
	require.Contains(t, string(logged), "prompt-as-argument")
}

func TestRunQuotaFailure(t *testing.T) {
	s := New(WithStdout(new(bytes.Buffer)))
	spec := shSpec(t, `echo "error: usage limit reached, try again in 30 minutes" >&2; exit 1`)

	res, err := s.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, 1, res.ExitCode)
	require.Equal(t, domain.FailureQuota, res.FailureKind)
	require.False(t, res.QuotaResumeAt.IsZero(), "resume hint parsed from output")
}

func TestRunExecutionFailure(t *testing.T) {
	s := New(WithStdout(new(bytes.Buffer)))
	spec := shSpec(t, "echo boom; exit 3")

	res, err := s.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, domain.FailureExecution, res.FailureKind)
}

func TestRunNeedsUserReplyExitZero(t *testing.T) {
	s := New(WithStdout(new(bytes.Buffer)))
	spec := shSpec(t, `echo "AGENT_RUNNER_STATUS: needs_user_reply"`)

	res, err := s.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, domain.FailureNeedsUser, res.FailureKind)
	require.Equal(t, domain.StatusNeedsUserReply, res.Status)
}

func TestRunTimeout(t *testing.T) {
	s := New(WithStdout(new(bytes.Buffer)), WithGrace(200*time.Millisecond))
	spec := shSpec(t, "sleep 30")
	spec.Timeout = 300 * time.Millisecond

	start := time.Now()
	res, err := s.Run(context.Background(), spec, nil)
	require.ErrorIs(t, err, domain.ErrSubprocessTimeout)
	require.False(t, res.Success)
	require.Equal(t, domain.FailureTimeout, res.FailureKind)
	require.Contains(t, res.FailureDetail, "timed out")
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestRunSpawnFailure(t *testing.T) {
	s := New(WithStdout(new(bytes.Buffer)))
	spec := shSpec(t, "true")
	spec.Command = filepath.Join(t.TempDir(), "does-not-exist")

	res, err := s.Run(context.Background(), spec, nil)
	require.ErrorIs(t, err, domain.ErrSpawn)
	require.Equal(t, domain.FailureSpawn, res.FailureKind)
}

func TestRunAppendsToExistingLog(t *testing.T) {
	s := New(WithStdout(new(bytes.Buffer)))
	spec := shSpec(t, "echo second")
	require.NoError(t, os.WriteFile(spec.LogPath, []byte("first run\n"), 0o644))

	_, err := s.Run(context.Background(), spec, nil)
	require.NoError(t, err)

	logged, rerr := os.ReadFile(spec.LogPath)
	require.NoError(t, rerr)
	require.Contains(t, string(logged), "first run")
	require.Contains(t, string(logged), "second")
}
