// Package app wires the adapters into the orchestrator process: the poll
// loop, the webhook listener and the operational commands.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/agent-runner/internal/adapter/engine"
	"github.com/fairyhunter13/agent-runner/internal/adapter/platform/github"
	"github.com/fairyhunter13/agent-runner/internal/adapter/provider"
	"github.com/fairyhunter13/agent-runner/internal/adapter/state"
	"github.com/fairyhunter13/agent-runner/internal/adapter/webhook"
	"github.com/fairyhunter13/agent-runner/internal/config"
	"github.com/fairyhunter13/agent-runner/internal/domain"
	"github.com/fairyhunter13/agent-runner/internal/usecase"
)

// shutdownWait bounds how long Run waits for in-flight engine subprocesses
// after the loop stops.
const shutdownWait = 2 * time.Minute

// warmupTimeout bounds a gemini warmup probe run.
const warmupTimeout = 2 * time.Minute

// warmupCooldown spaces warmup attempts per model.
const warmupCooldown = 30 * time.Minute

// Options are the run-mode flags.
type Options struct {
	DryRun bool
	Once   bool
}

// Runner owns the wired object graph and drives the poll loop.
type Runner struct {
	cfg  config.Config
	opts Options

	platform domain.PlatformClient
	runner   domain.EngineRunner
	viewer   string

	dir       *state.Dir
	sessions  *state.SessionStore
	retries   *state.RetryStore
	running   *state.RunningStore
	reviewQ   *state.ReviewQueueStore
	webhookQ  *state.WebhookQueueStore
	managed   *state.ManagedPRStore
	catchupSt *state.CatchupState

	gemini *provider.Gemini

	scope      *usecase.Scope
	reconciler *usecase.Reconciler
	dispatcher *usecase.Dispatcher
	idle       *usecase.IdleScheduler
	review     *usecase.ReviewEngine
	catchup    *webhook.Catchup
	maint      *Maintenance
}

// scheduleFor converts an optional config gate into a ramp schedule; absent
// gates never block.
func scheduleFor(g *config.UsageGate) domain.RampSchedule {
	if g == nil {
		return provider.Permissive()
	}
	return provider.ScheduleFromConfig(g.StartMinutes, g.MinRemainingPctAtStart, g.MinRemainingPctAtEnd)
}

// NewRunner builds the full object graph. It talks to the platform once to
// resolve the bot identity used for comment deduplication.
func NewRunner(ctx context.Context, cfg config.Config, secrets config.Secrets, opts Options) (*Runner, error) {
	ghOpts := []github.Option{}
	if secrets.GitHubAPIURL != "" {
		ghOpts = append(ghOpts, github.WithBaseURL(secrets.GitHubAPIURL))
	}
	if tok := secrets.ResolveNotifyToken(cfg.StateDir()); tok != "" && tok != secrets.PlatformToken() {
		ghOpts = append(ghOpts, github.WithNotifyToken(tok))
	}
	platform := github.New(secrets.PlatformToken(), ghOpts...)

	viewer, err := platform.Viewer(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=app.NewRunner viewer: %w", err)
	}

	dir, err := state.NewDir(cfg.StateDir())
	if err != nil {
		return nil, fmt.Errorf("op=app.NewRunner: %w", err)
	}

	if cfg.Webhooks.Secret == "" && cfg.Webhooks.SecretEnv == "" && secrets.WebhookSecret != "" {
		cfg.Webhooks.Secret = secrets.WebhookSecret
	}

	r := &Runner{
		cfg:       cfg,
		opts:      opts,
		platform:  platform,
		runner:    engine.New(),
		viewer:    viewer,
		dir:       dir,
		sessions:  state.NewSessionStore(dir),
		retries:   state.NewRetryStore(dir),
		running:   state.NewRunningStore(dir),
		reviewQ:   state.NewReviewQueueStore(dir),
		webhookQ:  state.NewWebhookQueueStore(dir, cfg.Webhooks.QueueFile),
		managed:   state.NewManagedPRStore(dir),
		catchupSt: state.NewCatchupState(dir),
	}

	gates := map[string]*provider.Gate{}
	recorders := map[string]domain.UsageRecorder{}

	gates["codex"] = provider.NewGate(provider.NewCodex(
		secrets.CodexUsageURL, secrets.CodexToken, scheduleFor(cfg.Codex.UsageGate)))
	if cfg.Copilot != nil {
		gates["copilot"] = provider.NewGate(provider.NewCopilot(
			secrets.CopilotAPIURL, secrets.CopilotToken, scheduleFor(cfg.Copilot.UsageGate)))
	}
	if cfg.Gemini != nil {
		r.gemini = provider.NewGemini(
			secrets.GeminiUsageURL, secrets.GeminiTokenURL,
			secrets.GeminiClientID, secrets.GeminiClientSecret, secrets.GeminiRefreshToken,
			cfg.Gemini.Models, scheduleFor(cfg.Gemini.UsageGate),
			state.NewGeminiBackoffStore(dir), state.NewWarmupStore(dir))
		gates["gemini"] = provider.NewGate(r.gemini)
	}
	if cfg.AmazonQ != nil {
		amq := provider.NewAmazonQ(cfg.AmazonQ.MonthlyLimit,
			scheduleFor(cfg.AmazonQ.UsageGate), state.NewAmazonQUsageStore(dir))
		gates["amazonq"] = provider.NewGate(amq)
		recorders["amazonq"] = amq
	}
	if cfg.Claude != nil {
		gates["claude"] = provider.NewGate(provider.NewClaude(scheduleFor(cfg.Claude.UsageGate)))
	}

	r.scope = usecase.NewScope(cfg, platform, state.NewRepoCacheStore(dir))
	outcome := usecase.NewOutcomeHandler(cfg, platform, r.sessions, r.retries, viewer, opts.DryRun)
	r.dispatcher = usecase.NewDispatcher(cfg, usecase.DispatcherDeps{
		Platform:  platform,
		Runner:    r.runner,
		Running:   r.running,
		Sessions:  r.sessions,
		Retries:   r.retries,
		WebhookQ:  r.webhookQ,
		ReviewQ:   r.reviewQ,
		Outcome:   outcome,
		Scope:     r.scope,
		RepoLocks: state.NewRepoLocks(cfg.StateDir()),
		Gates:     gates,
		Recorders: recorders,
		Merger:    usecase.NewAutoMerger(platform),
		Viewer:    viewer,
		DryRun:    opts.DryRun,
	})
	r.reconciler = usecase.NewReconciler(cfg, platform, r.scope,
		state.NewCommandState(dir), r.sessions, opts.DryRun)
	r.idle = usecase.NewIdleScheduler(cfg, r.scope,
		state.NewIdleHistoryStore(dir), r.idleGates(secrets, dir))
	r.review = usecase.NewReviewEngine(cfg, platform, r.reviewQ, r.managed, viewer)
	r.catchup = webhook.NewCatchup(cfg.Webhooks.Catchup, cfg.Owner, cfg.Labels.Request,
		platform, r.webhookQ, r.catchupSt)
	r.maint = NewMaintenance(cfg.LogMaintenance, cfg.LogsDir())
	return r, nil
}

// idleGates builds the idle-specific quota gates. They share the providers'
// endpoints but carry the idle ramp schedules, which are typically stricter.
func (r *Runner) idleGates(secrets config.Secrets, dir *state.Dir) []*provider.Gate {
	idle := r.cfg.Idle
	gates := []*provider.Gate{
		provider.NewGate(provider.NewCodex(
			secrets.CodexUsageURL, secrets.CodexToken, scheduleFor(idle.UsageGate))),
	}
	if r.cfg.Copilot != nil {
		gates = append(gates, provider.NewGate(provider.NewCopilot(
			secrets.CopilotAPIURL, secrets.CopilotToken, scheduleFor(idle.CopilotUsageGate))))
	}
	if r.cfg.Gemini != nil {
		gates = append(gates, provider.NewGate(provider.NewGemini(
			secrets.GeminiUsageURL, secrets.GeminiTokenURL,
			secrets.GeminiClientID, secrets.GeminiClientSecret, secrets.GeminiRefreshToken,
			r.cfg.Gemini.Models, scheduleFor(idle.GeminiUsageGate),
			state.NewGeminiBackoffStore(dir), state.NewWarmupStore(dir))))
	}
	return gates
}

// Run executes the poll loop until the context is canceled, a stop is
// requested, or, with Once set, a single tick completes. It holds the
// singleton process lock for the whole run.
func (r *Runner) Run(ctx context.Context) error {
	lock, err := state.AcquireProcessLock(r.cfg.StateDir())
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := r.dir.ClearStop(); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(loopCtx)

	if r.cfg.Webhooks.Enabled() {
		srv := webhook.NewServer(r.cfg.Webhooks, webhook.NewProducer(r.webhookQ).Handle)
		if err := r.dir.PutUIServerInfo(state.UIServerInfo{
			Addr:      srv.Addr(),
			PID:       os.Getpid(),
			StartedAt: time.Now().UTC(),
		}); err != nil {
			slog.Warn("listener info write failed", slog.Any("error", err))
		}
		g.Go(func() error { return srv.Start(gctx) })
	}

	g.Go(func() error {
		defer cancel()
		return r.loop(gctx)
	})

	err = g.Wait()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), shutdownWait)
	defer waitCancel()
	r.dispatcher.Wait(waitCtx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("op=app.Runner.Run: %w", err)
	}
	return nil
}

func (r *Runner) loop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval())
	defer ticker.Stop()

	for {
		if r.dir.StopRequested() {
			slog.Info("stop requested, draining")
			return nil
		}
		r.tick(ctx, time.Now())
		if r.opts.Once {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// tick runs one reconciliation pass. Every stage degrades independently: a
// failing stage is logged and the rest of the pass still runs.
func (r *Runner) tick(ctx context.Context, now time.Time) {
	if due, err := r.catchup.Due(now); err == nil && due {
		if err := r.catchup.Run(ctx, now); err != nil {
			slog.Warn("webhook catch-up failed", slog.Any("error", err))
		}
	}

	repos, err := r.scope.Repos(ctx, now)
	if err != nil {
		slog.Warn("repository scope unavailable, skipping tick", slog.Any("error", err))
		return
	}

	stalled, err := r.dispatcher.DetectStalled(ctx, repos)
	if err != nil {
		slog.Warn("stalled detection failed", slog.Any("error", err))
	}

	if err := r.review.Scan(ctx, now); err != nil {
		slog.Warn("review scan failed", slog.Any("error", err))
	}

	capacity := r.cfg.Concurrency - r.dispatcher.InFlight()
	if capacity < 0 {
		capacity = 0
	}

	reconciled, err := r.reconciler.Tick(ctx, now, capacity)
	if err != nil {
		slog.Warn("reconciliation failed", slog.Any("error", err))
	}

	spare := capacity - len(reconciled)
	if spare < 0 {
		spare = 0
	}
	idleCands, err := r.idle.Plan(ctx, now, spare)
	if err != nil {
		slog.Warn("idle planning failed", slog.Any("error", err))
	}

	usable := r.dispatcher.EnginesUsable(ctx, now)
	entries, err := usecase.ScheduleFollowups(r.reviewQ,
		followupSpare(capacity, len(reconciled), len(idleCands)), usable)
	if err != nil {
		slog.Warn("follow-up scheduling failed", slog.Any("error", err))
	}

	candidates, err := r.dispatcher.Gather(ctx, now, stalled, reconciled, idleCands, entries)
	if err != nil {
		slog.Warn("candidate gathering failed", slog.Any("error", err))
		return
	}
	r.trackManagedPRs(candidates)

	r.dispatcher.Dispatch(ctx, now, candidates)
	r.runWarmups(ctx, now)

	if err := r.maint.Run(now); err != nil {
		slog.Warn("log maintenance failed", slog.Any("error", err))
	}
}

// followupSpare is the slot budget left for review follow-ups after this
// tick's reconciled and idle candidates claim theirs.
func followupSpare(capacity, reconciled, idle int) int {
	n := capacity - reconciled - idle
	if n < 0 {
		return 0
	}
	return n
}

// trackManagedPRs records PR-kind candidates so the review engine keeps
// scanning them after their runs finish.
func (r *Runner) trackManagedPRs(candidates []usecase.Candidate) {
	for _, c := range candidates {
		if c.Review != nil || c.Item.Kind != domain.KindPullRequest {
			continue
		}
		key := fmt.Sprintf("%s#%d", c.Item.Repo(), c.Item.Number)
		if err := r.managed.Add(key); err != nil {
			slog.Warn("managed PR tracking failed", slog.String("pr", key), slog.Any("error", err))
		}
	}
}

// runWarmups fires short probe runs against gemini models that look full but
// have not proven capacity recently. Probes are fire-and-forget and never
// consume dispatch slots.
func (r *Runner) runWarmups(ctx context.Context, now time.Time) {
	if r.gemini == nil || r.opts.DryRun {
		return
	}
	// No ramp gate here: warmups exist for buckets the ramp still blocks
	// because the reset is far away. WarmupCandidates filters per model.
	snap, err := r.gemini.FetchSnapshot(ctx, now)
	if err != nil {
		slog.Debug("warmup snapshot unavailable", slog.Any("error", err))
		return
	}
	models, err := r.gemini.WarmupCandidates(snap, warmupCooldown, now)
	if err != nil || len(models) == 0 {
		return
	}
	eng := *r.cfg.Gemini
	for _, model := range models {
		spec := domain.RunSpec{
			Command:    eng.Command,
			Args:       append(append([]string{}, eng.Args...), "--model", model),
			Dir:        r.cfg.WorkdirRoot,
			Prompt:     "Reply with a single word: ready.",
			PromptMode: domain.PromptStdin,
			Timeout:    warmupTimeout,
			LogPath:    filepath.Join(r.cfg.LogsDir(), fmt.Sprintf("warmup-%s-%d.log", model, now.UTC().Unix())),
			Tag:        "warmup:" + model,
		}
		go func(model string, spec domain.RunSpec) {
			res, err := r.runner.Run(ctx, spec, nil)
			if err != nil || !res.Success {
				if rerr := r.gemini.RecordNoCapacity(model, time.Now()); rerr != nil {
					slog.Warn("warmup backoff record failed", slog.Any("error", rerr))
				}
			}
			slog.Info("warmup probe finished",
				slog.String("model", model), slog.Bool("success", err == nil && res.Success))
		}(model, spec)
	}
}
