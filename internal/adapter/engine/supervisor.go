package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

const (
	// defaultGrace is how long a timed-out subprocess gets between the
	// graceful and the forceful termination signal.
	defaultGrace = 10 * time.Second

	// tailSize bounds the output kept in memory for payload parsing and
	// failure classification.
	tailSize = 64 * 1024

	readChunk = 4096
)

// Supervisor runs engine subprocesses to a classified outcome. It implements
// domain.EngineRunner.
type Supervisor struct {
	grace  time.Duration
	stdout io.Writer
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithGrace overrides the graceful-termination grace period.
func WithGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.grace = d }
}

// WithStdout redirects the tagged live output, used by tests.
func WithStdout(w io.Writer) Option {
	return func(s *Supervisor) { s.stdout = w }
}

// New creates a Supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{grace: defaultGrace, stdout: os.Stdout}
	for _, o := range opts {
		o(s)
	}
	return s
}

// openLog creates the run log. New runs get an exclusive create; an existing
// file (resume into the same log) is opened for append.
func openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o644)
	if errors.Is(err, os.ErrExist) {
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	}
	return f, err
}

// header writes the log preamble: timestamp, full command line and the
// overlay environment keys (values withheld, they may hold credentials).
func header(w io.Writer, spec domain.RunSpec) {
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "=== %s | %s %s | cwd=%s | env=[%s]\n",
		time.Now().UTC().Format(time.RFC3339),
		spec.Command, strings.Join(spec.Args, " "),
		spec.Dir, strings.Join(keys, " "))
}

// Run implements domain.EngineRunner.
func (s *Supervisor) Run(ctx context.Context, spec domain.RunSpec, onStart func(pid int)) (domain.RunResult, error) {
	res := domain.RunResult{LogPath: spec.LogPath}

	logFile, err := openLog(spec.LogPath)
	if err != nil {
		res.FailureKind = domain.FailureSpawn
		res.FailureStage = "open-log"
		res.FailureDetail = err.Error()
		return res, fmt.Errorf("op=engine.Run log=%s: %w: %w", spec.LogPath, domain.ErrSpawn, err)
	}
	defer func() { _ = logFile.Close() }()
	header(logFile, spec)

	args := spec.Args
	if spec.PromptMode == domain.PromptArg && spec.Prompt != "" {
		args = append(append([]string{}, args...), spec.Prompt)
	}

	cmd := exec.Command(spec.Command, args...)
	cmd.Dir = spec.Dir
	cmd.Env = overlayEnv(os.Environ(), spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if spec.PromptMode == domain.PromptStdin && spec.Prompt != "" {
		cmd.Stdin = strings.NewReader(spec.Prompt)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return spawnFailure(res, "pipe-stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return spawnFailure(res, "pipe-stderr", err)
	}

	tail := newTailBuffer(tailSize)
	console := newLineWriter(s.stdout, spec.Tag)
	sink := io.MultiWriter(logFile, console, tail)

	if err := cmd.Start(); err != nil {
		return spawnFailure(res, "spawn", err)
	}
	pid := cmd.Process.Pid
	if onStart != nil {
		onStart(pid)
	}
	slog.Info("engine subprocess started",
		slog.String("tag", spec.Tag), slog.Int("pid", pid), slog.String("log", spec.LogPath))

	var g errgroup.Group
	g.Go(func() error { return stream(stdout, sink) })
	g.Go(func() error { return stream(stderr, sink) })

	timedOut := make(chan struct{})
	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	exited := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				close(timedOut)
			}
			terminate(pid, s.grace)
		case <-exited:
		}
	}()

	streamErr := g.Wait()
	waitErr := cmd.Wait()
	close(exited)
	_ = console.Flush()

	res.ExitCode = cmd.ProcessState.ExitCode()
	out := tail.String()
	payload := ParsePayload(out)
	res.Status = payload.Status
	res.Summary = payload.Summary
	res.SessionToken = payload.SessionToken

	select {
	case <-timedOut:
		res.FailureKind = domain.FailureTimeout
		res.FailureStage = "timeout"
		res.FailureDetail = fmt.Sprintf("timed out after %s", spec.Timeout)
		return res, fmt.Errorf("op=engine.Run tag=%s: %w", spec.Tag, domain.ErrSubprocessTimeout)
	default:
	}

	if waitErr != nil || res.ExitCode != 0 {
		kind, detail := Classify(out, payload)
		res.FailureKind = kind
		res.FailureStage = "run"
		res.FailureDetail = detail
		if detail == "" && waitErr != nil {
			res.FailureDetail = waitErr.Error()
		}
		if kind == domain.FailureQuota {
			res.QuotaResumeAt = ExtractResumeHint(out, time.Now())
		}
		return res, nil
	}
	if streamErr != nil {
		slog.Warn("engine output stream error", slog.String("tag", spec.Tag), slog.Any("error", streamErr))
	}

	if payload.Status == domain.StatusNeedsUserReply {
		res.FailureKind = domain.FailureNeedsUser
		res.FailureStage = "run"
		res.FailureDetail = "engine requested a user reply"
		return res, nil
	}
	res.Success = true
	return res, nil
}

func spawnFailure(res domain.RunResult, stage string, err error) (domain.RunResult, error) {
	res.FailureKind = domain.FailureSpawn
	res.FailureStage = stage
	res.FailureDetail = err.Error()
	return res, fmt.Errorf("op=engine.Run stage=%s: %w: %w", stage, domain.ErrSpawn, err)
}

// stream pumps one pipe through chunk normalization into the sink.
func stream(r io.Reader, w io.Writer) error {
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(normalizeChunk(buf[:n])); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// terminate signals the process group gracefully, then forcefully after the
// grace period if it is still alive.
func terminate(pid int, grace time.Duration) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if syscall.Kill(-pid, 0) != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// overlayEnv applies the overlay on top of the inherited environment,
// replacing duplicated keys.
func overlayEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, shadowed := overlay[key]; !shadowed {
			out = append(out, kv)
		}
	}
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overlay[k])
	}
	return out
}
