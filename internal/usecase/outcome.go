package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/config"
	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// defaultQuotaBackoff delays a quota retry when the engine gave no explicit
// resume hint.
const defaultQuotaBackoff = 30 * time.Minute

// BuildPrompt renders an engine prompt template. Tokens: {{title}}, {{body}},
// {{task}}, {{url}}, {{repo}}, {{number}}.
func BuildPrompt(template string, item domain.WorkItem) string {
	parsed := ParseIssueBody(item.Body)
	if template == "" {
		return parsed.Task
	}
	r := strings.NewReplacer(
		"{{title}}", item.Title,
		"{{body}}", item.Body,
		"{{task}}", parsed.Task,
		"{{url}}", item.URL,
		"{{repo}}", item.Repo(),
		"{{number}}", strconv.Itoa(item.Number),
	)
	return r.Replace(template)
}

// RunSpecFor builds the supervisor spec for one item run against one engine.
func RunSpecFor(eng config.Engine, engineName string, item domain.WorkItem,
	workdir, logsDir, sessionToken string) domain.RunSpec {
	args := append([]string{}, eng.Args...)
	if sessionToken != "" && eng.ResumeFlag != "" {
		args = append(args, eng.ResumeFlag, sessionToken)
	}
	mode := domain.PromptMode(eng.PromptMode)
	if mode == "" {
		mode = domain.PromptStdin
	}
	logName := fmt.Sprintf("repo-issue-%s-%d-%d.log",
		strings.ReplaceAll(item.Repo(), "/", "--"), item.Number, time.Now().UTC().Unix())
	return domain.RunSpec{
		Command:    eng.Command,
		Args:       args,
		Dir:        workdir,
		Prompt:     BuildPrompt(eng.PromptTemplate, item),
		PromptMode: mode,
		Timeout:    eng.Timeout(),
		LogPath:    filepath.Join(logsDir, logName),
		Tag:        fmt.Sprintf("%s#%d", engineName, item.Number),
	}
}

// OutcomeHandler applies a supervisor result to platform labels, comments,
// sessions and retries.
type OutcomeHandler struct {
	cfg      config.Config
	platform domain.PlatformClient
	sessions domain.SessionStore
	retries  domain.RetryStore
	viewer   string
	dryRun   bool
}

// NewOutcomeHandler creates the handler.
func NewOutcomeHandler(cfg config.Config, platform domain.PlatformClient,
	sessions domain.SessionStore, retries domain.RetryStore, viewer string, dryRun bool) *OutcomeHandler {
	return &OutcomeHandler{
		cfg:      cfg,
		platform: platform,
		sessions: sessions,
		retries:  retries,
		viewer:   viewer,
		dryRun:   dryRun,
	}
}

// Handle applies the state transition for one finished run.
func (h *OutcomeHandler) Handle(ctx context.Context, item domain.WorkItem, res domain.RunResult, now time.Time) error {
	if h.dryRun {
		slog.Info("dry-run: would apply outcome",
			slog.String("item", item.Key()), slog.Bool("success", res.Success),
			slog.String("failure", string(res.FailureKind)))
		return nil
	}

	// The session survives every outcome except an explicit user-reply stop.
	if res.SessionToken != "" && res.FailureKind != domain.FailureNeedsUser {
		if err := h.sessions.Put(item.ID, res.SessionToken); err != nil {
			return fmt.Errorf("op=usecase.Outcome.Handle item=%s: %w", item.Key(), err)
		}
	}

	labels := h.cfg.Labels
	switch {
	case res.Success:
		if err := h.transition(ctx, item,
			[]string{labels.Queued, labels.Running, labels.NeedsUserReply}, labels.Done); err != nil {
			return err
		}
		return h.comment(ctx, item, markerDone, doneCommentBody(res))

	case res.FailureKind == domain.FailureNeedsUser:
		if err := h.transition(ctx, item,
			[]string{labels.Queued, labels.Running}, labels.NeedsUserReply); err != nil {
			return err
		}
		return h.comment(ctx, item, markerNeedsReply, needsReplyCommentBody(res))

	case res.FailureKind == domain.FailureQuota:
		if err := h.transition(ctx, item, []string{labels.Running}, labels.Queued); err != nil {
			return err
		}
		runAfter := res.QuotaResumeAt
		if runAfter.IsZero() {
			runAfter = now.Add(defaultQuotaBackoff)
		}
		token := res.SessionToken
		if token == "" {
			if sess, ok, serr := h.sessions.Get(item.ID); serr == nil && ok {
				token = sess.Token
			}
		}
		err := h.retries.Put(domain.ScheduledRetry{
			ItemID:       item.ID,
			Repo:         item.Repo(),
			Number:       item.Number,
			RunAfter:     runAfter.UTC(),
			Reason:       domain.RetryReasonQuota,
			SessionToken: token,
		})
		if err != nil {
			return fmt.Errorf("op=usecase.Outcome.Handle item=%s: %w", item.Key(), err)
		}
		slog.Info("quota retry scheduled",
			slog.String("item", item.Key()), slog.Time("run_after", runAfter))
		return nil

	default:
		if err := h.transition(ctx, item, []string{labels.Running}, labels.Failed); err != nil {
			return err
		}
		return h.comment(ctx, item, markerFailure, failureCommentBody(res))
	}
}

// transition removes the listed labels and adds the target one.
func (h *OutcomeHandler) transition(ctx context.Context, item domain.WorkItem, remove []string, add string) error {
	for _, l := range remove {
		if err := h.platform.RemoveLabel(ctx, item.Repo(), item.Number, l); err != nil {
			return fmt.Errorf("op=usecase.Outcome.transition item=%s label=%s: %w", item.Key(), l, err)
		}
	}
	if err := h.platform.AddLabels(ctx, item.Repo(), item.Number, []string{add}); err != nil {
		return fmt.Errorf("op=usecase.Outcome.transition item=%s label=%s: %w", item.Key(), add, err)
	}
	return nil
}

// comment posts a marker comment unless the latest marker is still the last
// word on the thread.
func (h *OutcomeHandler) comment(ctx context.Context, item domain.WorkItem, marker, body string) error {
	comments, err := h.platform.ListComments(ctx, item.Repo(), item.Number)
	if err != nil {
		return fmt.Errorf("op=usecase.Outcome.comment item=%s: %w", item.Key(), err)
	}
	if !ShouldRepostMarker(comments, marker, h.viewer) {
		return nil
	}
	if err := h.platform.PostComment(ctx, item.Repo(), item.Number, marker+"\n"+body); err != nil {
		return fmt.Errorf("op=usecase.Outcome.comment item=%s: %w", item.Key(), err)
	}
	return nil
}

func doneCommentBody(res domain.RunResult) string {
	if res.Summary != "" {
		return "The agent finished this item.\n\n" + res.Summary
	}
	return "The agent finished this item."
}

func needsReplyCommentBody(res domain.RunResult) string {
	body := "The agent needs your input before it can continue."
	if res.Summary != "" {
		body += "\n\n" + res.Summary
	}
	return body
}

func failureCommentBody(res domain.RunResult) string {
	detail := res.FailureDetail
	if detail == "" {
		detail = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return fmt.Sprintf("The agent run failed (%s): %s\nReply to this issue to retry.", res.FailureKind, detail)
}
