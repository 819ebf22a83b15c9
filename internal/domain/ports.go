package domain

import (
	"context"
	"time"
)

// PullRequest is the platform-side view of a pull request, limited to the
// fields the core consumes.
type PullRequest struct {
	ID             int64    `json:"id"`
	Number         int      `json:"number"`
	Repo           string   `json:"repo"`
	Title          string   `json:"title"`
	URL            string   `json:"url"`
	State          string   `json:"state"`
	Draft          bool     `json:"draft"`
	Merged         bool     `json:"merged"`
	Mergeable      *bool    `json:"mergeable"`
	MergeableState string   `json:"mergeable_state"`
	Author         string   `json:"author"`
	HeadRef        string   `json:"head_ref"`
	HeadRepo       string   `json:"head_repo"`
	BaseRepo       string   `json:"base_repo"`
	Labels         []string `json:"labels"`
}

// Open reports whether the PR is open and not merged.
func (p PullRequest) Open() bool { return p.State == "open" && !p.Merged }

// Review is one submitted PR review.
type Review struct {
	Reviewer    string    `json:"reviewer"`
	State       string    `json:"state"`
	Body        string    `json:"body"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Review states as reported by the platform.
const (
	ReviewApproved         = "APPROVED"
	ReviewChangesRequested = "CHANGES_REQUESTED"
	ReviewCommented        = "COMMENTED"
)

// ReviewThread is one review conversation on a PR.
type ReviewThread struct {
	ID       string `json:"id"`
	Resolved bool   `json:"resolved"`
}

// RepoSettings carries the merge-method allowances of a repository.
type RepoSettings struct {
	AllowSquash bool `json:"allow_squash"`
	AllowMerge  bool `json:"allow_merge"`
	AllowRebase bool `json:"allow_rebase"`
}

// MergeMethod enumerates platform merge strategies in preference order.
type MergeMethod string

const (
	MergeSquash MergeMethod = "squash"
	MergeMerge  MergeMethod = "merge"
	MergeRebase MergeMethod = "rebase"
)

// Label describes a platform label for `labels sync`.
type Label struct {
	Name        string `json:"name"`
	Color       string `json:"color"`
	Description string `json:"description"`
}

// PlatformClient is the hosting-platform API surface the core consumes. The
// implementation is a collaborator; the core never talks HTTP directly.
type PlatformClient interface {
	// Viewer returns the authenticated bot identity login.
	Viewer(ctx context.Context) (string, error)

	ListIssuesByLabel(ctx context.Context, repo, label string) ([]WorkItem, error)
	GetIssue(ctx context.Context, repo string, number int) (WorkItem, error)
	ListComments(ctx context.Context, repo string, number int) ([]Comment, error)
	AddLabels(ctx context.Context, repo string, number int, labels []string) error
	RemoveLabel(ctx context.Context, repo string, number int, label string) error
	PostComment(ctx context.Context, repo string, number int, body string) error

	GetPullRequest(ctx context.Context, repo string, number int) (PullRequest, error)
	ListOpenPRsByAuthor(ctx context.Context, owner, author string, limit int) ([]PullRequest, error)
	ListReviews(ctx context.Context, repo string, number int) ([]Review, error)
	ListReviewThreads(ctx context.Context, repo string, number int) ([]ReviewThread, error)
	ListRequestedReviewers(ctx context.Context, repo string, number int) ([]string, error)
	MergePullRequest(ctx context.Context, repo string, number int, method MergeMethod) error
	DeleteRef(ctx context.Context, repo, ref string) error
	GetRepoSettings(ctx context.Context, repo string) (RepoSettings, error)

	SearchIssues(ctx context.Context, query string, limit int) ([]WorkItem, error)
	ListOwnerRepos(ctx context.Context, owner string) ([]string, error)
	EnsureLabel(ctx context.Context, repo string, label Label) error
}

// PromptMode selects how the prompt reaches the engine subprocess.
type PromptMode string

const (
	// PromptStdin pipes the prompt through standard input.
	PromptStdin PromptMode = "stdin"
	// PromptArg appends the prompt as the final command argument.
	PromptArg PromptMode = "arg"
)

// RunSpec fully describes one engine subprocess invocation.
type RunSpec struct {
	Command    string
	Args       []string
	Dir        string
	Env        map[string]string
	Prompt     string
	PromptMode PromptMode
	Timeout    time.Duration
	LogPath    string
	Tag        string
}

// EngineRunner supervises a single engine subprocess from spawn to
// classified outcome.
type EngineRunner interface {
	Run(ctx context.Context, spec RunSpec, onStart func(pid int)) (RunResult, error)
}

// UsageProvider exposes one engine's quota model to the gate evaluator.
type UsageProvider interface {
	Name() string
	Schedule() RampSchedule
	FetchSnapshot(ctx context.Context, now time.Time) (QuotaSnapshot, error)
}

// UsageRecorder is implemented by providers whose usage is counted locally.
type UsageRecorder interface {
	RecordUsage(n int) error
}

// SessionStore persists item -> engine session token mappings.
// Invariant: UpdatedAt never decreases for a given item.
type SessionStore interface {
	Get(itemID int64) (Session, bool, error)
	Put(itemID int64, token string) error
	Clear(itemID int64) error
}

// ActivityStore persists supervision records for live subprocesses.
type ActivityStore interface {
	List() ([]Activity, error)
	Put(a Activity) error
	Delete(id string) error
}

// RunningIssueStore persists the legacy per-issue projection of Activity.
type RunningIssueStore interface {
	Issues() ([]RunningIssue, error)
	PutIssue(r RunningIssue) error
	DeleteIssue(itemID int64) error
}

// RetryStore persists scheduled retries keyed by item.
type RetryStore interface {
	List() ([]ScheduledRetry, error)
	Put(r ScheduledRetry) error
	Delete(itemID int64) error
	// TakeDue removes and returns every retry due at now.
	TakeDue(now time.Time) ([]ScheduledRetry, error)
}

// ReviewQueue is the bounded FIFO of review follow-up entries, deduplicated
// by item id.
type ReviewQueue interface {
	Enqueue(e ReviewEntry) error
	// Take removes and returns up to n entries matching pred, preserving FIFO
	// order. A nil pred matches everything.
	Take(n int, pred func(ReviewEntry) bool) ([]ReviewEntry, error)
	List() ([]ReviewEntry, error)
}

// WebhookQueue is the deduplicated queue of webhook-derived work items.
type WebhookQueue interface {
	Enqueue(w WebhookItem) error
	Drain() ([]WebhookItem, error)
	List() ([]WebhookItem, error)
}

// ManagedPRSet is the bounded, ordered set of PRs authored by the bot.
type ManagedPRSet interface {
	Add(key string) error
	Recent(n int) ([]string, error)
}
