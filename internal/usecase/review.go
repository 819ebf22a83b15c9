package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/adapter/observability"
	"github.com/fairyhunter13/agent-runner/internal/config"
	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// okPhrases matches reviewer comments that carry no actionable feedback,
// including common localized phrasings and quota noise from automated
// reviewers.
var okPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)no new comments`),
	regexp.MustCompile(`(?i)no issues found`),
	regexp.MustCompile(`(?i)looks good`),
	regexp.MustCompile(`(?i)\blgtm\b`),
	regexp.MustCompile(`(?i)\bapproved?\b`),
	regexp.MustCompile(`(?i)usage limit`),
	regexp.MustCompile(`(?i)rate limit`),
	regexp.MustCompile(`(?i)quota`),
	regexp.MustCompile(`(?i)unable to review`),
	regexp.MustCompile(`(?i)keine neuen kommentare`),
	regexp.MustCompile(`(?i)aucun nouveau commentaire`),
	regexp.MustCompile(`(?i)sin comentarios nuevos`),
	regexp.MustCompile(`問題ありません`),
	regexp.MustCompile(`没有新的评论`),
}

// IsOKComment reports whether a COMMENTED review body is non-actionable.
func IsOKComment(body string) bool {
	for _, re := range okPhrases {
		if re.MatchString(body) {
			return true
		}
	}
	return false
}

// ReviewSummary is the per-PR classification outcome.
type ReviewSummary struct {
	Approvals  int
	Changes    int
	OKComments int
	Actionable int
	Pending    int
	Reviewers  int
}

// Approved applies the approval predicate.
func (s ReviewSummary) Approved() bool {
	return s.Reviewers > 0 && s.Pending == 0 && s.Changes == 0 &&
		s.Actionable == 0 && s.Approvals+s.OKComments > 0
}

// LatestReviewPerReviewer keeps each reviewer's most recent review, limited
// to the approved / changes-requested / commented states.
func LatestReviewPerReviewer(reviews []domain.Review) map[string]domain.Review {
	out := map[string]domain.Review{}
	for _, r := range reviews {
		switch r.State {
		case domain.ReviewApproved, domain.ReviewChangesRequested, domain.ReviewCommented:
		default:
			continue
		}
		if prev, ok := out[r.Reviewer]; !ok || r.SubmittedAt.After(prev.SubmittedAt) {
			out[r.Reviewer] = r
		}
	}
	return out
}

// SummarizeReviews merges the latest review per reviewer with the requested
// reviewer set into a classification summary.
func SummarizeReviews(reviews []domain.Review, requested []string) ReviewSummary {
	latest := LatestReviewPerReviewer(reviews)

	reviewers := map[string]bool{}
	for name := range latest {
		reviewers[name] = true
	}
	for _, name := range requested {
		reviewers[name] = true
	}

	var s ReviewSummary
	s.Reviewers = len(reviewers)
	for name := range reviewers {
		r, ok := latest[name]
		if !ok {
			s.Pending++
			continue
		}
		switch r.State {
		case domain.ReviewApproved:
			s.Approvals++
		case domain.ReviewChangesRequested:
			s.Changes++
		case domain.ReviewCommented:
			if IsOKComment(r.Body) {
				s.OKComments++
			} else {
				s.Actionable++
			}
		}
	}
	return s
}

// ReviewEngine scans managed PRs, classifies review outcomes and feeds the
// review queue.
type ReviewEngine struct {
	cfg      config.Config
	platform domain.PlatformClient
	queue    domain.ReviewQueue
	managed  domain.ManagedPRSet
	viewer   string
}

// NewReviewEngine creates the follow-up scanner.
func NewReviewEngine(cfg config.Config, platform domain.PlatformClient,
	queue domain.ReviewQueue, managed domain.ManagedPRSet, viewer string) *ReviewEngine {
	return &ReviewEngine{cfg: cfg, platform: platform, queue: queue, managed: managed, viewer: viewer}
}

// managedScanLimit bounds both the managed-set slice and the platform search.
const managedScanLimit = 100

// Scan gathers candidate PRs and enqueues follow-ups. Per-PR failures are
// logged and skipped.
func (e *ReviewEngine) Scan(ctx context.Context, now time.Time) error {
	keys, err := e.candidates(ctx)
	if err != nil {
		return fmt.Errorf("op=usecase.ReviewEngine.Scan: %w", err)
	}
	for _, key := range keys {
		repo, number, ok := splitPRKey(key)
		if !ok {
			continue
		}
		if err := e.classify(ctx, repo, number, now); err != nil {
			slog.Warn("review classification skipped",
				slog.String("pr", key), slog.Any("error", err))
		}
	}
	if entries, qerr := e.queue.List(); qerr == nil {
		observability.ReviewQueueDepth.Set(float64(len(entries)))
	}
	return nil
}

// candidates merges the managed set with a bounded search for open PRs
// authored by the bot identity, deduplicated, filtered to scope.
func (e *ReviewEngine) candidates(ctx context.Context) ([]string, error) {
	keys, err := e.managed.Recent(managedScanLimit)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, k := range keys {
		seen[k] = true
	}

	prs, err := e.platform.ListOpenPRsByAuthor(ctx, e.cfg.Owner, e.viewer, managedScanLimit)
	if err != nil {
		slog.Warn("managed PR search failed", slog.Any("error", err))
	} else {
		for _, pr := range prs {
			key := fmt.Sprintf("%s#%d", pr.Repo, pr.Number)
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// classify runs the per-candidate classification and enqueues at most one
// entry for the PR.
func (e *ReviewEngine) classify(ctx context.Context, repo string, number int, now time.Time) error {
	pr, err := e.platform.GetPullRequest(ctx, repo, number)
	if err != nil {
		return err
	}
	if !pr.Open() || pr.Draft {
		return nil
	}

	threads, err := e.platform.ListReviewThreads(ctx, repo, number)
	if err != nil {
		return err
	}
	if hasUnresolved(threads) {
		return e.enqueue(ctx, pr, domain.ReviewReasonComment, true, now)
	}

	reviews, err := e.platform.ListReviews(ctx, repo, number)
	if err != nil {
		return err
	}
	requested, err := e.platform.ListRequestedReviewers(ctx, repo, number)
	if err != nil {
		return err
	}
	summary := SummarizeReviews(reviews, requested)

	switch {
	case summary.Changes > 0 || summary.Actionable > 0:
		return e.enqueue(ctx, pr, domain.ReviewReasonReview, true, now)
	case summary.Approved():
		return e.enqueue(ctx, pr, domain.ReviewReasonApproval, false, now)
	default:
		return nil
	}
}

func (e *ReviewEngine) enqueue(ctx context.Context, pr domain.PullRequest,
	reason domain.ReviewReason, requiresEngine bool, now time.Time) error {
	err := e.queue.Enqueue(domain.ReviewEntry{
		ItemID:         pr.ID,
		PRNumber:       pr.Number,
		Repo:           pr.Repo,
		URL:            pr.URL,
		Reason:         reason,
		RequiresEngine: requiresEngine,
		EnqueuedAt:     now.UTC(),
	})
	if err != nil {
		return err
	}
	if merr := MaterializeFollowupState(ctx, e.platform, e.cfg.Labels, pr, domain.FollowupQueued); merr != nil {
		slog.Warn("follow-up labels failed",
			slog.String("pr", fmt.Sprintf("%s#%d", pr.Repo, pr.Number)), slog.Any("error", merr))
	}
	slog.Info("review follow-up enqueued",
		slog.String("pr", fmt.Sprintf("%s#%d", pr.Repo, pr.Number)),
		slog.String("reason", string(reason)))
	return nil
}

func hasUnresolved(threads []domain.ReviewThread) bool {
	for _, t := range threads {
		if !t.Resolved {
			return true
		}
	}
	return false
}

func splitPRKey(key string) (repo string, number int, ok bool) {
	repo, numStr, found := strings.Cut(key, "#")
	if !found {
		return "", 0, false
	}
	n := 0
	for _, c := range numStr {
		if c < '0' || c > '9' {
			return "", 0, false
		}
		n = n*10 + int(c-'0')
	}
	if n == 0 {
		return "", 0, false
	}
	return repo, n, true
}

// ScheduleFollowups takes review entries against spare capacity. When no
// engine provider is usable, only merge-only entries are taken.
func ScheduleFollowups(queue domain.ReviewQueue, spare int, enginesUsable bool) ([]domain.ReviewEntry, error) {
	if spare <= 0 {
		return nil, nil
	}
	pred := func(domain.ReviewEntry) bool { return true }
	if !enginesUsable {
		pred = func(e domain.ReviewEntry) bool { return !e.RequiresEngine }
	}
	return queue.Take(spare, pred)
}

// AssignEngines distributes engine names round-robin over the entries that
// need one; merge-only entries get the primary engine pseudo-assignment.
func AssignEngines(entries []domain.ReviewEntry, engines []string) map[int64]string {
	out := map[int64]string{}
	if len(engines) == 0 {
		engines = []string{"codex"}
	}
	i := 0
	for _, e := range entries {
		if !e.RequiresEngine {
			out[e.ItemID] = "codex"
			continue
		}
		out[e.ItemID] = engines[i%len(engines)]
		i++
	}
	return out
}

// FollowupLabels maps the logical follow-up state to the label set that must
// be present on the PR.
func FollowupLabels(labels config.Labels, st domain.FollowupState) []string {
	switch st {
	case domain.FollowupQueued:
		return []string{labels.ReviewFollowup}
	case domain.FollowupWaiting:
		return []string{labels.ReviewFollowup, labels.ReviewFollowupWaiting}
	case domain.FollowupActionRequired:
		return []string{labels.ReviewFollowupActionRequired}
	default:
		return nil
	}
}

// MaterializeFollowupState diffs the desired follow-up labels against the
// PR's current labels and applies adds/removes.
func MaterializeFollowupState(ctx context.Context, platform domain.PlatformClient,
	labels config.Labels, pr domain.PullRequest, st domain.FollowupState) error {
	managedSet := map[string]bool{
		labels.ReviewFollowup:               true,
		labels.ReviewFollowupWaiting:        true,
		labels.ReviewFollowupActionRequired: true,
	}
	want := map[string]bool{}
	for _, l := range FollowupLabels(labels, st) {
		want[l] = true
	}

	var add []string
	for l := range want {
		has := false
		for _, cur := range pr.Labels {
			if cur == l {
				has = true
				break
			}
		}
		if !has {
			add = append(add, l)
		}
	}
	sort.Strings(add)
	if len(add) > 0 {
		if err := platform.AddLabels(ctx, pr.Repo, pr.Number, add); err != nil {
			return err
		}
	}
	for _, cur := range pr.Labels {
		if managedSet[cur] && !want[cur] {
			if err := platform.RemoveLabel(ctx, pr.Repo, pr.Number, cur); err != nil {
				return err
			}
		}
	}
	return nil
}

// Marker comments carry an invisible HTML marker so reposts can be detected.
const (
	markerWaiting        = "<!-- agent-runner:review-waiting -->"
	markerActionRequired = "<!-- agent-runner:action-required -->"
	markerRecovery       = "<!-- agent-runner:stalled-recovery -->"
	markerFailure        = "<!-- agent-runner:run-failed -->"
	markerNeedsReply     = "<!-- agent-runner:needs-user-reply -->"
	markerDone           = "<!-- agent-runner:run-done -->"
)

// ShouldRepostMarker reports whether a marker comment must be (re)posted:
// there is no prior marker, or a user replied after the latest one.
func ShouldRepostMarker(comments []domain.Comment, marker, viewer string) bool {
	lastMarker := -1
	for i, c := range comments {
		if c.Author == viewer && strings.Contains(c.Body, marker) {
			lastMarker = i
		}
	}
	if lastMarker < 0 {
		return true
	}
	for _, c := range comments[lastMarker+1:] {
		if c.Author != viewer {
			return true
		}
	}
	return false
}
