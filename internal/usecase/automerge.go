package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/adapter/observability"
	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// MergeResult is the outcome of one auto-merge attempt.
type MergeResult struct {
	Merged         bool
	Retry          bool
	ActionRequired bool
	Reason         string
}

// mergePreference is the method order tried against repo settings.
var mergePreference = []domain.MergeMethod{domain.MergeSquash, domain.MergeMerge, domain.MergeRebase}

const (
	mergeablePolls    = 10
	mergeablePollWait = 500 * time.Millisecond
)

// AutoMerger drives approved PRs through the merge state machine.
type AutoMerger struct {
	platform domain.PlatformClient
	// pollWait is overridable in tests.
	pollWait time.Duration
}

// NewAutoMerger creates the merger.
func NewAutoMerger(platform domain.PlatformClient) *AutoMerger {
	return &AutoMerger{platform: platform, pollWait: mergeablePollWait}
}

// Merge runs Fetch, Gate, WaitMergeable, Merge, DeleteHead for one approval
// entry. RetryLater outcomes leave the entry eligible for a later pass;
// ActionRequired outcomes need a human.
func (m *AutoMerger) Merge(ctx context.Context, entry domain.ReviewEntry) MergeResult {
	res := m.merge(ctx, entry)
	outcome := "merged"
	switch {
	case res.Retry:
		outcome = "retry"
	case res.ActionRequired:
		outcome = "action_required"
	case !res.Merged:
		outcome = "skipped"
	}
	observability.AutoMergeResultsTotal.WithLabelValues(outcome).Inc()
	slog.Info("auto-merge finished",
		slog.String("pr", fmt.Sprintf("%s#%d", entry.Repo, entry.PRNumber)),
		slog.String("outcome", outcome), slog.String("reason", res.Reason))
	return res
}

func (m *AutoMerger) merge(ctx context.Context, entry domain.ReviewEntry) MergeResult {
	// Fetch.
	pr, err := m.platform.GetPullRequest(ctx, entry.Repo, entry.PRNumber)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return MergeResult{Reason: "not_found"}
		}
		return MergeResult{Retry: true, Reason: "fetch_failed"}
	}
	if !pr.Open() {
		return MergeResult{Reason: "not_open"}
	}

	// Gate.
	if pr.Draft {
		return MergeResult{Retry: true, Reason: "draft"}
	}
	threads, err := m.platform.ListReviewThreads(ctx, entry.Repo, entry.PRNumber)
	if err != nil {
		return MergeResult{Retry: true, Reason: "threads_fetch_failed"}
	}
	if hasUnresolved(threads) {
		return MergeResult{Retry: true, Reason: "unresolved_review_threads"}
	}
	requested, err := m.platform.ListRequestedReviewers(ctx, entry.Repo, entry.PRNumber)
	if err != nil {
		return MergeResult{Retry: true, Reason: "reviewers_fetch_failed"}
	}
	if len(requested) > 0 {
		return MergeResult{Retry: true, Reason: "awaiting_reviewer_feedback"}
	}
	reviews, err := m.platform.ListReviews(ctx, entry.Repo, entry.PRNumber)
	if err != nil {
		return MergeResult{Retry: true, Reason: "reviews_fetch_failed"}
	}
	summary := SummarizeReviews(reviews, requested)
	if summary.Actionable > 0 {
		return MergeResult{ActionRequired: true, Reason: "actionable_review_feedback"}
	}
	if !summary.Approved() {
		return MergeResult{ActionRequired: true, Reason: "not_approved"}
	}

	// WaitMergeable.
	for i := 0; pr.Mergeable == nil && i < mergeablePolls; i++ {
		select {
		case <-ctx.Done():
			return MergeResult{Retry: true, Reason: "canceled"}
		case <-time.After(m.pollWait):
		}
		pr, err = m.platform.GetPullRequest(ctx, entry.Repo, entry.PRNumber)
		if err != nil {
			return MergeResult{Retry: true, Reason: "fetch_failed"}
		}
	}
	if pr.Mergeable == nil || pr.MergeableState != "clean" {
		return MergeResult{Retry: true, Reason: "not_mergeable:" + orUnknown(pr.MergeableState)}
	}

	// Merge.
	settings, err := m.platform.GetRepoSettings(ctx, entry.Repo)
	if err != nil {
		return MergeResult{Retry: true, Reason: "settings_fetch_failed"}
	}
	if res, ok := m.tryMerge(ctx, entry, settings); !ok {
		return res
	}

	// DeleteHead.
	if pr.HeadRepo == pr.BaseRepo && pr.HeadRef != "" {
		if derr := m.platform.DeleteRef(ctx, entry.Repo, pr.HeadRef); derr != nil {
			slog.Warn("head branch deletion failed",
				slog.String("pr", fmt.Sprintf("%s#%d", entry.Repo, entry.PRNumber)),
				slog.Any("error", derr))
		}
	}
	return MergeResult{Merged: true, Reason: "merged"}
}

// tryMerge walks the allowed methods in preference order, falling through on
// method-not-allowed responses.
func (m *AutoMerger) tryMerge(ctx context.Context, entry domain.ReviewEntry, settings domain.RepoSettings) (MergeResult, bool) {
	allowed := allowedMethods(settings)
	if len(allowed) == 0 {
		return MergeResult{ActionRequired: true, Reason: "merge_failed:no method allowed"}, false
	}
	var lastErr error
	for _, method := range allowed {
		err := m.platform.MergePullRequest(ctx, entry.Repo, entry.PRNumber, method)
		if err == nil {
			return MergeResult{}, true
		}
		lastErr = err
		if errors.Is(err, domain.ErrMergeMethodDenied) {
			continue
		}
		if errors.Is(err, domain.ErrNotMergeable) || domain.Retryable(err) {
			return MergeResult{Retry: true, Reason: "not_mergeable:head_changed"}, false
		}
		break
	}
	return MergeResult{ActionRequired: true, Reason: fmt.Sprintf("merge_failed:%v", lastErr)}, false
}

func allowedMethods(s domain.RepoSettings) []domain.MergeMethod {
	var out []domain.MergeMethod
	for _, method := range mergePreference {
		switch method {
		case domain.MergeSquash:
			if s.AllowSquash {
				out = append(out, method)
			}
		case domain.MergeMerge:
			if s.AllowMerge {
				out = append(out, method)
			}
		case domain.MergeRebase:
			if s.AllowRebase {
				out = append(out, method)
			}
		}
	}
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
