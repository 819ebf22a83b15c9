// Package domain defines the orchestrator's entities, error taxonomy and ports.
package domain

import (
	"fmt"
	"time"
)

// ItemKind enumerates work item kinds.
type ItemKind string

const (
	// KindIssue is a platform issue.
	KindIssue ItemKind = "issue"
	// KindPullRequest is a platform pull request.
	KindPullRequest ItemKind = "pull-request"
)

// Comment is a single item comment, ordered by creation time.
type Comment struct {
	ID                int64     `json:"id"`
	Author            string    `json:"author"`
	AuthorAssociation string    `json:"author_association"`
	Body              string    `json:"body"`
	CreatedAt         time.Time `json:"created_at"`
}

// WorkItem is an issue or pull request the orchestrator may act on.
// Invariant: at rest between reconciliations the queued/running/done/failed/
// needs-user-reply labels are mutually exclusive.
type WorkItem struct {
	RepoOwner string    `json:"repo_owner"`
	RepoName  string    `json:"repo_name"`
	Number    int       `json:"number"`
	ID        int64     `json:"id"`
	Kind      ItemKind  `json:"kind"`
	Labels    []string  `json:"labels"`
	Author    string    `json:"author"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	URL       string    `json:"url"`
	Comments  []Comment `json:"comments,omitempty"`
}

// Repo returns the owner/name form of the item's repository.
func (w WorkItem) Repo() string { return w.RepoOwner + "/" + w.RepoName }

// Key returns the canonical owner/repo#number key.
func (w WorkItem) Key() string { return fmt.Sprintf("%s#%d", w.Repo(), w.Number) }

// HasLabel reports whether the item carries the named label.
func (w WorkItem) HasLabel(name string) bool {
	for _, l := range w.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// HasAnyLabel reports whether the item carries any of the named labels.
func (w WorkItem) HasAnyLabel(names ...string) bool {
	for _, n := range names {
		if w.HasLabel(n) {
			return true
		}
	}
	return false
}

// ActivityKind enumerates supervised subprocess kinds.
type ActivityKind string

const (
	// ActivityIssue is a run driven by a work item.
	ActivityIssue ActivityKind = "issue"
	// ActivityIdle is an opportunistic idle-task run.
	ActivityIdle ActivityKind = "idle"
)

// Activity is the supervision record of a live subprocess. Created on spawn,
// removed on terminal outcome; survivors after a crash are recovered by the
// dispatcher.
type Activity struct {
	ID         string       `json:"id"`
	Kind       ActivityKind `json:"kind"`
	Engine     string       `json:"engine"`
	Repo       string       `json:"repo"`
	StartedAt  time.Time    `json:"started_at"`
	PID        int          `json:"pid"`
	LogPath    string       `json:"log_path"`
	ItemID     int64        `json:"item_id,omitempty"`
	ItemNumber int          `json:"item_number,omitempty"`
	Task       string       `json:"task,omitempty"`
}

// RunningIssue is the legacy per-issue projection of Activity, kept in sync so
// recovery code can find orphans.
type RunningIssue struct {
	ItemID    int64     `json:"item_id"`
	Number    int       `json:"number"`
	Repo      string    `json:"repo"`
	Engine    string    `json:"engine"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	LogPath   string    `json:"log_path"`
}

// Session maps an item to the engine's opaque resume token.
type Session struct {
	ItemID    int64     `json:"item_id"`
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RetryReasonQuota marks a retry scheduled because the engine ran out of quota.
const RetryReasonQuota = "quota"

// ScheduledRetry is a deferred re-dispatch of an item. Due when RunAfter <= now.
type ScheduledRetry struct {
	ItemID       int64     `json:"item_id"`
	Repo         string    `json:"repo"`
	Number       int       `json:"number"`
	RunAfter     time.Time `json:"run_after"`
	Reason       string    `json:"reason"`
	SessionToken string    `json:"session_token,omitempty"`
}

// Due reports whether the retry should be dispatched at now.
func (r ScheduledRetry) Due(now time.Time) bool { return !r.RunAfter.After(now) }

// ReviewReason enumerates why a PR entered the review follow-up queue.
type ReviewReason string

const (
	// ReviewReasonComment means unresolved review threads need replies.
	ReviewReasonComment ReviewReason = "review_comment"
	// ReviewReasonReview means actionable review feedback needs addressing.
	ReviewReasonReview ReviewReason = "review"
	// ReviewReasonApproval means the PR is approved and eligible for auto-merge.
	ReviewReasonApproval ReviewReason = "approval"
)

// ReviewEntry is one review-queue element, deduplicated by ItemID.
type ReviewEntry struct {
	ItemID         int64        `json:"item_id"`
	PRNumber       int          `json:"pr_number"`
	Repo           string       `json:"repo"`
	URL            string       `json:"url"`
	Reason         ReviewReason `json:"reason"`
	RequiresEngine bool         `json:"requires_engine"`
	EnqueuedAt     time.Time    `json:"enqueued_at"`
}

// WebhookItem is a serialized work item reference awaiting dispatch,
// deduplicated by ItemID.
type WebhookItem struct {
	ItemID     int64     `json:"item_id"`
	Repo       string    `json:"repo"`
	Number     int       `json:"number"`
	URL        string    `json:"url,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// RepoCache is the last-known list of in-scope repositories for "all" mode.
type RepoCache struct {
	Repos        []string  `json:"repos"`
	UpdatedAt    time.Time `json:"updated_at"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
}

// Fresh reports whether the cache is usable without a platform call.
func (c RepoCache) Fresh(now time.Time, maxAge time.Duration) bool {
	return !c.UpdatedAt.IsZero() && now.Sub(c.UpdatedAt) <= maxAge
}

// Blocked reports whether repo listing is rate-limit blocked at now.
func (c RepoCache) Blocked(now time.Time) bool {
	return !c.BlockedUntil.IsZero() && now.Before(c.BlockedUntil)
}

// ModelQuota is one per-model bucket of a multi-model provider snapshot.
type ModelQuota struct {
	PercentRemaining float64   `json:"percent_remaining"`
	ResetAt          time.Time `json:"reset_at"`
}

// QuotaSnapshot is a point-in-time view of a provider's remaining usage.
type QuotaSnapshot struct {
	PercentRemaining float64               `json:"percent_remaining"`
	ResetAt          time.Time             `json:"reset_at"`
	Limit            float64               `json:"limit,omitempty"`
	Used             float64               `json:"used,omitempty"`
	Models           map[string]ModelQuota `json:"models,omitempty"`
}

// RampSchedule is a linear interpolation defining the minimum remaining quota
// percentage required as a function of how close the reset is.
type RampSchedule struct {
	StartMinutes           int     `json:"start_minutes"`
	MinRemainingPctAtStart float64 `json:"min_remaining_pct_at_start"`
	MinRemainingPctAtEnd   float64 `json:"min_remaining_pct_at_end"`
}

// GateDecision is the outcome of evaluating a ramp schedule.
type GateDecision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

// IdleRepoHistory records the most recent idle run against one repository.
type IdleRepoHistory struct {
	LastRunAt time.Time `json:"last_run_at"`
	LastTask  string    `json:"last_task"`
}

// IdleHistory tracks idle-task rotation across repositories.
type IdleHistory struct {
	Repos      map[string]IdleRepoHistory `json:"repos"`
	TaskCursor int                        `json:"task_cursor"`
}

// FollowupState is the logical review follow-up state of a managed PR,
// materialized to labels on the platform.
type FollowupState string

const (
	// FollowupNone clears all follow-up labels.
	FollowupNone FollowupState = "none"
	// FollowupQueued means a follow-up run is pending.
	FollowupQueued FollowupState = "queued"
	// FollowupWaiting means the follow-up waits on reviewer or CI input.
	FollowupWaiting FollowupState = "waiting"
	// FollowupActionRequired means a human must intervene.
	FollowupActionRequired FollowupState = "action-required"
)

// RunStatus is the explicit status an engine reports in its final payload.
type RunStatus string

const (
	// StatusDone means the engine finished the requested work.
	StatusDone RunStatus = "done"
	// StatusNeedsUserReply means the engine is blocked on a human answer.
	StatusNeedsUserReply RunStatus = "needs_user_reply"
)

// FailureKind classifies a failed engine run.
type FailureKind string

const (
	// FailureQuota is a quota or rate-limit exhaustion; retried, never fatal.
	FailureQuota FailureKind = "quota"
	// FailureAuth is an authentication problem with the engine or platform.
	FailureAuth FailureKind = "auth"
	// FailureNetwork is a transient network problem.
	FailureNetwork FailureKind = "network"
	// FailureNeedsUser means the engine asked for user input.
	FailureNeedsUser FailureKind = "needs_user_reply"
	// FailureTimeout means the supervisor killed the run after its deadline.
	FailureTimeout FailureKind = "timeout"
	// FailureSpawn means the subprocess could not be started.
	FailureSpawn FailureKind = "spawn"
	// FailureExecution is any other non-zero exit.
	FailureExecution FailureKind = "execution_error"
)

// RunResult is the supervisor's classified outcome of one engine run.
type RunResult struct {
	Success       bool        `json:"success"`
	ExitCode      int         `json:"exit_code"`
	LogPath       string      `json:"log_path"`
	FailureKind   FailureKind `json:"failure_kind,omitempty"`
	FailureStage  string      `json:"failure_stage,omitempty"`
	FailureDetail string      `json:"failure_detail,omitempty"`
	QuotaResumeAt time.Time   `json:"quota_resume_at,omitempty"`
	SessionToken  string      `json:"session_token,omitempty"`
	Summary       string      `json:"summary,omitempty"`
	Status        RunStatus   `json:"status,omitempty"`
}
