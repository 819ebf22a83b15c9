package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/agent-runner/internal/adapter/observability"
	"github.com/fairyhunter13/agent-runner/internal/adapter/provider"
	"github.com/fairyhunter13/agent-runner/internal/adapter/state"
	"github.com/fairyhunter13/agent-runner/internal/config"
	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// Tier orders candidate sources; lower runs first.
type Tier int

const (
	TierStalled Tier = iota
	TierRetry
	TierWebhook
	TierReconciler
	TierIdle
	TierReview
)

func (t Tier) String() string {
	switch t {
	case TierStalled:
		return "stalled"
	case TierRetry:
		return "retry"
	case TierWebhook:
		return "webhook"
	case TierReconciler:
		return "reconciler"
	case TierIdle:
		return "idle"
	case TierReview:
		return "review"
	default:
		return "unknown"
	}
}

// Candidate is one dispatchable unit of work.
type Candidate struct {
	Tier     Tier
	Item     domain.WorkItem
	Session  string
	IdleTask string
	IdleRepo string
	Review   *domain.ReviewEntry
}

func (c Candidate) repo() string {
	switch {
	case c.Review != nil:
		return c.Review.Repo
	case c.IdleRepo != "":
		return c.IdleRepo
	default:
		return c.Item.Repo()
	}
}

// Dispatcher runs candidates under the global and per-provider concurrency
// caps, and recovers stalled items.
type Dispatcher struct {
	cfg       config.Config
	platform  domain.PlatformClient
	runner    domain.EngineRunner
	running   *state.RunningStore
	sessions  domain.SessionStore
	retries   domain.RetryStore
	webhookQ  domain.WebhookQueue
	reviewQ   domain.ReviewQueue
	outcome   *OutcomeHandler
	scope     *Scope
	repoLocks *state.RepoLocks
	gates     map[string]*provider.Gate
	recorders map[string]domain.UsageRecorder
	merger    *AutoMerger
	viewer    string
	dryRun    bool

	global    *semaphore.Weighted
	perEngine map[string]*semaphore.Weighted

	wg sync.WaitGroup
}

// DispatcherDeps bundles the collaborators.
type DispatcherDeps struct {
	Platform  domain.PlatformClient
	Runner    domain.EngineRunner
	Running   *state.RunningStore
	Sessions  domain.SessionStore
	Retries   domain.RetryStore
	WebhookQ  domain.WebhookQueue
	ReviewQ   domain.ReviewQueue
	Outcome   *OutcomeHandler
	Scope     *Scope
	RepoLocks *state.RepoLocks
	Gates     map[string]*provider.Gate
	Recorders map[string]domain.UsageRecorder
	Merger    *AutoMerger
	Viewer    string
	DryRun    bool
}

// engineOrder is the dispatch preference across configured engines.
var engineOrder = []string{"codex", "amazonq", "copilot", "gemini", "claude"}

// NewDispatcher creates the dispatcher with its semaphores sized from config.
func NewDispatcher(cfg config.Config, d DispatcherDeps) *Dispatcher {
	per := map[string]*semaphore.Weighted{}
	caps := map[string]int{
		"codex":   d1(cfg.ServiceConcurrency.Codex),
		"copilot": d1(cfg.ServiceConcurrency.Copilot),
		"gemini":  d1(cfg.ServiceConcurrency.Gemini),
		"amazonq": d1(cfg.ServiceConcurrency.AmazonQ),
		"claude":  d1(cfg.ServiceConcurrency.Claude),
	}
	for name, n := range caps {
		per[name] = semaphore.NewWeighted(int64(n))
	}
	return &Dispatcher{
		cfg:       cfg,
		platform:  d.Platform,
		runner:    d.Runner,
		running:   d.Running,
		sessions:  d.Sessions,
		retries:   d.Retries,
		webhookQ:  d.WebhookQ,
		reviewQ:   d.ReviewQ,
		outcome:   d.Outcome,
		scope:     d.Scope,
		repoLocks: d.RepoLocks,
		gates:     d.Gates,
		recorders: d.Recorders,
		merger:    d.Merger,
		viewer:    d.Viewer,
		dryRun:    d.DryRun,
		global:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		perEngine: per,
	}
}

func d1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// InFlight returns the number of live activity records.
func (d *Dispatcher) InFlight() int {
	acts, err := d.running.List()
	if err != nil {
		return 0
	}
	return len(acts)
}

// Wait blocks until all spawned workers return or the context expires.
func (d *Dispatcher) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// DetectStalled finds items whose platform state and local records disagree:
// dead-PID records, and running-labeled items with no record at all.
func (d *Dispatcher) DetectStalled(ctx context.Context, repos []string) ([]domain.WorkItem, error) {
	acts, err := d.running.List()
	if err != nil {
		return nil, err
	}
	recorded := map[int64]bool{}
	var stalled []domain.WorkItem

	for _, a := range acts {
		if state.PIDAlive(a.PID) {
			if a.ItemID != 0 {
				recorded[a.ItemID] = true
			}
			continue
		}
		slog.Warn("dead supervised process detected",
			slog.String("activity", a.ID), slog.Int("pid", a.PID))
		if a.ItemID == 0 {
			// Orphan idle run: just drop the record.
			if !d.dryRun {
				_ = d.running.Delete(a.ID)
			}
			continue
		}
		item, gerr := d.platform.GetIssue(ctx, a.Repo, a.ItemNumber)
		if gerr != nil {
			slog.Warn("stalled item fetch failed", slog.Any("error", gerr))
			continue
		}
		stalled = append(stalled, item)
	}

	for _, repo := range repos {
		items, lerr := d.platform.ListIssuesByLabel(ctx, repo, d.cfg.Labels.Running)
		if lerr != nil {
			slog.Warn("running-label scan skipped", slog.String("repo", repo), slog.Any("error", lerr))
			continue
		}
		for _, item := range items {
			if !recorded[item.ID] {
				stalled = append(stalled, item)
			}
		}
	}
	return dedupeItems(stalled), nil
}

// Recover resets a stalled item to queued. Every step is idempotent; dry-run
// only logs intent.
func (d *Dispatcher) Recover(ctx context.Context, item domain.WorkItem, now time.Time) error {
	if d.dryRun {
		slog.Info("dry-run: would recover stalled item", slog.String("item", item.Key()))
		return nil
	}
	labels := d.cfg.Labels
	repo := item.Repo()

	if err := d.retries.Delete(item.ID); err != nil {
		return fmt.Errorf("op=usecase.Dispatcher.Recover item=%s: %w", item.Key(), err)
	}
	if err := d.running.Delete(state.IssueActivityID(item.ID)); err != nil {
		return fmt.Errorf("op=usecase.Dispatcher.Recover item=%s: %w", item.Key(), err)
	}
	if err := d.running.DeleteIssue(item.ID); err != nil {
		return fmt.Errorf("op=usecase.Dispatcher.Recover item=%s: %w", item.Key(), err)
	}
	if err := d.platform.AddLabels(ctx, repo, item.Number, []string{labels.Queued}); err != nil {
		return fmt.Errorf("op=usecase.Dispatcher.Recover item=%s: %w", item.Key(), err)
	}
	for _, l := range []string{labels.Running, labels.Failed, labels.NeedsUserReply} {
		if err := d.platform.RemoveLabel(ctx, repo, item.Number, l); err != nil {
			return fmt.Errorf("op=usecase.Dispatcher.Recover item=%s: %w", item.Key(), err)
		}
	}
	if err := d.webhookQ.Enqueue(domain.WebhookItem{
		ItemID:     item.ID,
		Repo:       repo,
		Number:     item.Number,
		URL:        item.URL,
		EnqueuedAt: now.UTC(),
	}); err != nil {
		return fmt.Errorf("op=usecase.Dispatcher.Recover item=%s: %w", item.Key(), err)
	}

	comments, err := d.platform.ListComments(ctx, repo, item.Number)
	if err != nil {
		return fmt.Errorf("op=usecase.Dispatcher.Recover item=%s: %w", item.Key(), err)
	}
	if ShouldRepostMarker(comments, markerRecovery, d.viewer) {
		body := markerRecovery + "\nThe previous agent run stopped unexpectedly. The item was re-queued."
		if err := d.platform.PostComment(ctx, repo, item.Number, body); err != nil {
			return fmt.Errorf("op=usecase.Dispatcher.Recover item=%s: %w", item.Key(), err)
		}
	}
	observability.StalledRecoveriesTotal.Inc()
	slog.Info("stalled item recovered", slog.String("item", item.Key()))
	return nil
}

// Gather merges this tick's candidates in priority order.
func (d *Dispatcher) Gather(ctx context.Context, now time.Time,
	stalled []domain.WorkItem, reconciled []domain.WorkItem, idle []Candidate,
	review []domain.ReviewEntry) ([]Candidate, error) {

	var out []Candidate
	for _, item := range stalled {
		out = append(out, Candidate{Tier: TierStalled, Item: item})
	}

	due, err := d.retries.TakeDue(now)
	if err != nil {
		return nil, err
	}
	for _, r := range due {
		item, gerr := d.platform.GetIssue(ctx, r.Repo, r.Number)
		if gerr != nil {
			slog.Warn("retry item fetch failed", slog.Any("error", gerr))
			// Push back so the retry is not lost.
			_ = d.retries.Put(r)
			continue
		}
		out = append(out, Candidate{Tier: TierRetry, Item: item, Session: r.SessionToken})
	}

	webhooks, err := d.webhookQ.Drain()
	if err != nil {
		return nil, err
	}
	for _, w := range webhooks {
		item, gerr := d.platform.GetIssue(ctx, w.Repo, w.Number)
		if gerr != nil {
			slog.Warn("webhook item fetch failed", slog.Any("error", gerr))
			continue
		}
		out = append(out, Candidate{Tier: TierWebhook, Item: item})
	}

	for _, item := range reconciled {
		out = append(out, Candidate{Tier: TierReconciler, Item: item})
	}
	out = append(out, idle...)
	for i := range review {
		out = append(out, Candidate{Tier: TierReview, Review: &review[i]})
	}

	return dedupeCandidates(out), nil
}

// Dispatch walks candidates in order, acquiring slots non-blockingly;
// candidates that cannot get all slots are skipped for this tick.
func (d *Dispatcher) Dispatch(ctx context.Context, now time.Time, candidates []Candidate) {
	for i, c := range candidates {
		if c.Tier == TierStalled {
			if err := d.Recover(ctx, c.Item, now); err != nil {
				slog.Warn("stalled recovery failed", slog.String("item", c.Item.Key()), slog.Any("error", err))
			}
			continue
		}
		if c.Tier == TierReview && !c.Review.RequiresEngine {
			d.dispatchMerge(ctx, *c.Review)
			continue
		}

		engine, ok := d.pickEngine(ctx, now)
		if !ok {
			slog.Debug("no engine usable, skipping candidate", slog.String("tier", c.Tier.String()))
			d.requeueWebhook(c)
			continue
		}
		if !d.global.TryAcquire(1) {
			slog.Debug("global slots exhausted for this tick")
			for _, rest := range candidates[i:] {
				d.requeueWebhook(rest)
			}
			return
		}
		sem := d.perEngine[engine]
		if !sem.TryAcquire(1) {
			d.global.Release(1)
			d.requeueWebhook(c)
			continue
		}
		releaseRepo, got := d.repoLocks.TryAcquire(c.repo())
		if !got {
			sem.Release(1)
			d.global.Release(1)
			d.requeueWebhook(c)
			continue
		}

		if d.dryRun {
			slog.Info("dry-run: would dispatch",
				slog.String("tier", c.Tier.String()), slog.String("repo", c.repo()),
				slog.String("engine", engine))
			releaseRepo()
			sem.Release(1)
			d.global.Release(1)
			continue
		}

		d.wg.Add(1)
		go func(c Candidate, engine string, releaseRepo func()) {
			defer d.wg.Done()
			defer d.global.Release(1)
			defer d.perEngine[engine].Release(1)
			defer releaseRepo()
			d.runCandidate(ctx, c, engine, now)
		}(c, engine, releaseRepo)
	}
}

// requeueWebhook puts a webhook-sourced candidate back on the webhook queue.
// Those candidates were drained during Gather; dropping one on a slot-race
// loss would leave it waiting for the next catch-up scan.
func (d *Dispatcher) requeueWebhook(c Candidate) {
	if c.Tier != TierWebhook {
		return
	}
	item := c.Item
	if err := d.webhookQ.Enqueue(domain.WebhookItem{
		ItemID:     item.ID,
		Repo:       item.Repo(),
		Number:     item.Number,
		URL:        item.URL,
		EnqueuedAt: time.Now().UTC(),
	}); err != nil {
		slog.Warn("webhook candidate requeue failed",
			slog.String("item", item.Key()), slog.Any("error", err))
	}
}

// pickEngine returns the first configured engine whose quota gate allows a
// start right now.
func (d *Dispatcher) pickEngine(ctx context.Context, now time.Time) (string, bool) {
	for _, name := range engineOrder {
		if !d.engineConfigured(name) {
			continue
		}
		gate, ok := d.gates[name]
		if !ok {
			continue
		}
		if decision, _ := gate.Check(ctx, now); decision.Allow {
			return name, true
		}
	}
	return "", false
}

// EnginesUsable reports whether any engine gate currently allows work.
func (d *Dispatcher) EnginesUsable(ctx context.Context, now time.Time) bool {
	_, ok := d.pickEngine(ctx, now)
	return ok
}

func (d *Dispatcher) engineConfigured(name string) bool {
	switch name {
	case "codex":
		return true
	case "amazonq":
		return d.cfg.AmazonQ != nil
	case "copilot":
		return d.cfg.Copilot != nil
	case "gemini":
		return d.cfg.Gemini != nil
	case "claude":
		return d.cfg.Claude != nil
	default:
		return false
	}
}

func (d *Dispatcher) engineConfig(name string) config.Engine {
	switch name {
	case "amazonq":
		if d.cfg.AmazonQ != nil {
			return *d.cfg.AmazonQ
		}
	case "copilot":
		if d.cfg.Copilot != nil {
			return *d.cfg.Copilot
		}
	case "gemini":
		if d.cfg.Gemini != nil {
			return *d.cfg.Gemini
		}
	case "claude":
		if d.cfg.Claude != nil {
			return *d.cfg.Claude
		}
	}
	return d.cfg.Codex
}

// runCandidate supervises one run end to end: record, label, run, outcome.
func (d *Dispatcher) runCandidate(ctx context.Context, c Candidate, engine string, now time.Time) {
	switch {
	case c.Tier == TierIdle:
		d.runIdle(ctx, c, engine)
	case c.Tier == TierReview:
		d.runReviewFollowup(ctx, *c.Review, engine)
	default:
		d.runItem(ctx, c, engine, now)
	}
}

func (d *Dispatcher) runItem(ctx context.Context, c Candidate, engine string, now time.Time) {
	item := c.Item
	eng := d.engineConfig(engine)

	// The body's repository list overrides the item's own repo as the run
	// target. The dispatch loop already holds the item-repo lock; any other
	// targets are locked here.
	targets := d.scope.ItemRepos(item)
	var extra []string
	for _, repo := range targets {
		if repo != item.Repo() {
			extra = append(extra, repo)
		}
	}
	if len(extra) > 0 {
		release, lerr := d.repoLocks.AcquireAll(extra)
		if lerr != nil {
			slog.Warn("target repo locks unavailable", slog.String("item", item.Key()), slog.Any("error", lerr))
			return
		}
		defer release()
	}
	releaseCache, cerr := d.repoLocks.AcquireGitCache(targets[0])
	if cerr != nil {
		slog.Warn("git cache lock unavailable", slog.String("item", item.Key()), slog.Any("error", cerr))
		return
	}
	defer releaseCache()

	session := c.Session
	if session == "" {
		if sess, ok, err := d.sessions.Get(item.ID); err == nil && ok {
			session = sess.Token
		}
	}

	if err := d.platform.AddLabels(ctx, item.Repo(), item.Number, []string{d.cfg.Labels.Running}); err != nil {
		slog.Warn("running label add failed", slog.String("item", item.Key()), slog.Any("error", err))
		return
	}
	if err := d.platform.RemoveLabel(ctx, item.Repo(), item.Number, d.cfg.Labels.Queued); err != nil {
		slog.Warn("queued label remove failed", slog.String("item", item.Key()), slog.Any("error", err))
	}

	spec := RunSpecFor(eng, engine, item, d.scope.WorkdirFor(targets[0]), d.cfg.LogsDir(), session)
	observability.RunsStartedTotal.WithLabelValues(engine, "issue").Inc()
	observability.RunsInFlight.WithLabelValues(engine).Inc()
	started := time.Now()

	res, err := d.runner.Run(ctx, spec, func(pid int) {
		activity := domain.Activity{
			ID:         state.IssueActivityID(item.ID),
			Kind:       domain.ActivityIssue,
			Engine:     engine,
			Repo:       item.Repo(),
			StartedAt:  now.UTC(),
			PID:        pid,
			LogPath:    spec.LogPath,
			ItemID:     item.ID,
			ItemNumber: item.Number,
		}
		if perr := d.running.Put(activity); perr != nil {
			slog.Warn("activity record write failed", slog.Any("error", perr))
		}
		if perr := d.running.PutIssue(domain.RunningIssue{
			ItemID:    item.ID,
			Number:    item.Number,
			Repo:      item.Repo(),
			Engine:    engine,
			PID:       pid,
			StartedAt: now.UTC(),
			LogPath:   spec.LogPath,
		}); perr != nil {
			slog.Warn("running-issue record write failed", slog.Any("error", perr))
		}
	})

	observability.RunsInFlight.WithLabelValues(engine).Dec()
	observability.RunDuration.WithLabelValues(engine).Observe(time.Since(started).Seconds())
	observability.RunOutcomesTotal.WithLabelValues(engine, outcomeLabel(res, err)).Inc()

	if derr := d.running.Delete(state.IssueActivityID(item.ID)); derr != nil {
		slog.Warn("activity record delete failed", slog.Any("error", derr))
	}
	if derr := d.running.DeleteIssue(item.ID); derr != nil {
		slog.Warn("running-issue record delete failed", slog.Any("error", derr))
	}
	if err != nil {
		slog.Warn("engine run errored", slog.String("item", item.Key()), slog.Any("error", err))
	}

	if lg, logFile, lerr := observability.OpenRunLog(spec.LogPath, spec.Tag); lerr == nil {
		lg.Info("run finished",
			slog.String("item", item.Key()),
			slog.Bool("success", res.Success),
			slog.String("failure", string(res.FailureKind)))
		_ = logFile.Close()
	}

	if rec, ok := d.recorders[engine]; ok {
		if rerr := rec.RecordUsage(1); rerr != nil {
			slog.Warn("usage record failed", slog.String("engine", engine), slog.Any("error", rerr))
		}
	}

	if herr := d.outcome.Handle(ctx, item, res, time.Now()); herr != nil {
		slog.Error("outcome handling failed", slog.String("item", item.Key()), slog.Any("error", herr))
	}
}

func (d *Dispatcher) runIdle(ctx context.Context, c Candidate, engine string) {
	eng := d.engineConfig(engine)
	prompt := c.IdleTask
	if d.cfg.Idle.PromptTemplate != "" {
		prompt = strings.NewReplacer(
			"{{task}}", c.IdleTask,
			"{{repo}}", c.IdleRepo,
		).Replace(d.cfg.Idle.PromptTemplate)
	}

	id := "idle:" + uuid.NewString()
	slug := strings.ReplaceAll(c.IdleRepo, "/", "--")
	logName := fmt.Sprintf("idle-%s-%d.log", slug, time.Now().UTC().Unix())
	spec := domain.RunSpec{
		Command:    eng.Command,
		Args:       append([]string{}, eng.Args...),
		Dir:        d.scope.WorkdirFor(c.IdleRepo),
		Prompt:     prompt,
		PromptMode: promptModeOf(eng),
		Timeout:    eng.Timeout(),
		LogPath:    filepath.Join(d.cfg.LogsDir(), logName),
		Tag:        "idle:" + slug,
	}

	observability.RunsStartedTotal.WithLabelValues(engine, "idle").Inc()
	observability.RunsInFlight.WithLabelValues(engine).Inc()
	started := time.Now()

	res, err := d.runner.Run(ctx, spec, func(pid int) {
		if perr := d.running.Put(domain.Activity{
			ID:        id,
			Kind:      domain.ActivityIdle,
			Engine:    engine,
			Repo:      c.IdleRepo,
			StartedAt: time.Now().UTC(),
			PID:       pid,
			LogPath:   spec.LogPath,
			Task:      c.IdleTask,
		}); perr != nil {
			slog.Warn("idle activity record write failed", slog.Any("error", perr))
		}
	})

	observability.RunsInFlight.WithLabelValues(engine).Dec()
	observability.RunDuration.WithLabelValues(engine).Observe(time.Since(started).Seconds())
	observability.RunOutcomesTotal.WithLabelValues(engine, outcomeLabel(res, err)).Inc()

	if derr := d.running.Delete(id); derr != nil {
		slog.Warn("idle activity delete failed", slog.Any("error", derr))
	}
	if err != nil {
		slog.Warn("idle run errored", slog.String("repo", c.IdleRepo), slog.Any("error", err))
	}
	if rec, ok := d.recorders[engine]; ok {
		_ = rec.RecordUsage(1)
	}
}

// runReviewFollowup drives an engine at a PR needing review responses.
func (d *Dispatcher) runReviewFollowup(ctx context.Context, entry domain.ReviewEntry, engine string) {
	eng := d.engineConfig(engine)
	item := domain.WorkItem{
		RepoOwner: ownerOf(entry.Repo),
		RepoName:  nameOf(entry.Repo),
		Number:    entry.PRNumber,
		ID:        entry.ItemID,
		Kind:      domain.KindPullRequest,
		URL:       entry.URL,
		Title:     fmt.Sprintf("review follow-up for %s#%d", entry.Repo, entry.PRNumber),
		Body:      "Address the open review feedback on this pull request.",
	}

	spec := RunSpecFor(eng, engine, item, d.scope.WorkdirFor(entry.Repo), d.cfg.LogsDir(), "")
	observability.RunsStartedTotal.WithLabelValues(engine, "review").Inc()
	observability.RunsInFlight.WithLabelValues(engine).Inc()
	started := time.Now()

	res, err := d.runner.Run(ctx, spec, func(pid int) {
		if perr := d.running.Put(domain.Activity{
			ID:         state.IssueActivityID(entry.ItemID),
			Kind:       domain.ActivityIssue,
			Engine:     engine,
			Repo:       entry.Repo,
			StartedAt:  time.Now().UTC(),
			PID:        pid,
			LogPath:    spec.LogPath,
			ItemID:     entry.ItemID,
			ItemNumber: entry.PRNumber,
		}); perr != nil {
			slog.Warn("review activity record write failed", slog.Any("error", perr))
		}
	})

	observability.RunsInFlight.WithLabelValues(engine).Dec()
	observability.RunDuration.WithLabelValues(engine).Observe(time.Since(started).Seconds())
	observability.RunOutcomesTotal.WithLabelValues(engine, outcomeLabel(res, err)).Inc()

	if derr := d.running.Delete(state.IssueActivityID(entry.ItemID)); derr != nil {
		slog.Warn("review activity delete failed", slog.Any("error", derr))
	}
	if err != nil || !res.Success {
		// Keep the entry alive for a later pass.
		if qerr := d.reviewQ.Enqueue(entry); qerr != nil {
			slog.Warn("review entry requeue failed", slog.Any("error", qerr))
		}
	} else {
		d.markWaiting(ctx, entry)
	}
	if rec, ok := d.recorders[engine]; ok {
		_ = rec.RecordUsage(1)
	}
}

// markWaiting flips the PR into the waiting follow-up state after the engine
// addressed the feedback, posting the waiting marker when users have spoken
// since the last one.
func (d *Dispatcher) markWaiting(ctx context.Context, entry domain.ReviewEntry) {
	pr, err := d.platform.GetPullRequest(ctx, entry.Repo, entry.PRNumber)
	if err != nil {
		slog.Warn("waiting-state fetch failed", slog.Any("error", err))
		return
	}
	if err := MaterializeFollowupState(ctx, d.platform, d.cfg.Labels, pr, domain.FollowupWaiting); err != nil {
		slog.Warn("waiting-state labels failed", slog.Any("error", err))
	}
	comments, err := d.platform.ListComments(ctx, entry.Repo, entry.PRNumber)
	if err != nil {
		slog.Warn("waiting-state comments fetch failed", slog.Any("error", err))
		return
	}
	if ShouldRepostMarker(comments, markerWaiting, d.viewer) {
		body := markerWaiting + "\nReview feedback was addressed. Waiting on reviewers."
		if perr := d.platform.PostComment(ctx, entry.Repo, entry.PRNumber, body); perr != nil {
			slog.Warn("waiting-state comment failed", slog.Any("error", perr))
		}
	}
}

// dispatchMerge runs the auto-merge machine for an approval entry.
func (d *Dispatcher) dispatchMerge(ctx context.Context, entry domain.ReviewEntry) {
	if d.dryRun {
		slog.Info("dry-run: would auto-merge",
			slog.String("pr", fmt.Sprintf("%s#%d", entry.Repo, entry.PRNumber)))
		return
	}
	res := d.merger.Merge(ctx, entry)
	switch {
	case res.Retry:
		if err := d.reviewQ.Enqueue(entry); err != nil {
			slog.Warn("merge retry requeue failed", slog.Any("error", err))
		}
	case res.ActionRequired:
		d.markActionRequired(ctx, entry, res.Reason)
	case res.Merged:
		d.clearFollowupLabels(ctx, entry)
	}
}

// clearFollowupLabels drops the managed follow-up labels once a PR is merged.
func (d *Dispatcher) clearFollowupLabels(ctx context.Context, entry domain.ReviewEntry) {
	pr, err := d.platform.GetPullRequest(ctx, entry.Repo, entry.PRNumber)
	if err != nil {
		slog.Warn("follow-up label clear fetch failed", slog.Any("error", err))
		return
	}
	if err := MaterializeFollowupState(ctx, d.platform, d.cfg.Labels, pr, domain.FollowupNone); err != nil {
		slog.Warn("follow-up label clear failed", slog.Any("error", err))
	}
}

func (d *Dispatcher) markActionRequired(ctx context.Context, entry domain.ReviewEntry, reason string) {
	pr, err := d.platform.GetPullRequest(ctx, entry.Repo, entry.PRNumber)
	if err != nil {
		slog.Warn("action-required fetch failed", slog.Any("error", err))
		return
	}
	if err := MaterializeFollowupState(ctx, d.platform, d.cfg.Labels, pr, domain.FollowupActionRequired); err != nil {
		slog.Warn("action-required labels failed", slog.Any("error", err))
	}
	comments, err := d.platform.ListComments(ctx, entry.Repo, entry.PRNumber)
	if err != nil {
		slog.Warn("action-required comments fetch failed", slog.Any("error", err))
		return
	}
	if ShouldRepostMarker(comments, markerActionRequired, d.viewer) {
		body := fmt.Sprintf("%s\nAuto-merge needs a human: %s", markerActionRequired, reason)
		if perr := d.platform.PostComment(ctx, entry.Repo, entry.PRNumber, body); perr != nil {
			slog.Warn("action-required comment failed", slog.Any("error", perr))
		}
	}
}

func outcomeLabel(res domain.RunResult, err error) string {
	switch {
	case res.Success:
		return "success"
	case res.FailureKind != "":
		return string(res.FailureKind)
	case err != nil:
		return "error"
	default:
		return "unknown"
	}
}

func dedupeItems(items []domain.WorkItem) []domain.WorkItem {
	seen := map[int64]bool{}
	out := items[:0]
	for _, it := range items {
		if seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		out = append(out, it)
	}
	return out
}

// dedupeCandidates keeps the first (highest-priority) candidate per item.
func dedupeCandidates(cs []Candidate) []Candidate {
	seen := map[int64]bool{}
	out := cs[:0]
	for _, c := range cs {
		id := c.Item.ID
		if c.Review != nil {
			id = c.Review.ItemID
		}
		if id != 0 && seen[id] {
			continue
		}
		if id != 0 {
			seen[id] = true
		}
		out = append(out, c)
	}
	return out
}

func ownerOf(repo string) string {
	owner, _, _ := strings.Cut(repo, "/")
	return owner
}

func nameOf(repo string) string {
	_, name, _ := strings.Cut(repo, "/")
	return name
}

func promptModeOf(eng config.Engine) domain.PromptMode {
	if eng.PromptMode == "" {
		return domain.PromptStdin
	}
	return domain.PromptMode(eng.PromptMode)
}
