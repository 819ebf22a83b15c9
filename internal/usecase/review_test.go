package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-runner/internal/adapter/state"
	"github.com/fairyhunter13/agent-runner/internal/config"
	"github.com/fairyhunter13/agent-runner/internal/domain"
)

func TestIsOKComment(t *testing.T) {
	ok := []string{
		"Generated no new comments.",
		"LGTM!",
		"Looks good to me",
		"No issues found in this change",
		"I hit my usage limit, unable to review",
		"Keine neuen Kommentare",
		"Aucun nouveau commentaire",
		"Sin comentarios nuevos",
		"問題ありません",
		"没有新的评论",
	}
	for _, body := range ok {
		require.True(t, IsOKComment(body), "expected OK: %q", body)
	}
	require.False(t, IsOKComment("Please rename this function and add a test."))
}

func TestLatestReviewPerReviewer(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	reviews := []domain.Review{
		{Reviewer: "alice", State: domain.ReviewChangesRequested, SubmittedAt: base},
		{Reviewer: "alice", State: domain.ReviewApproved, SubmittedAt: base.Add(time.Hour)},
		{Reviewer: "bob", State: "DISMISSED", SubmittedAt: base},
	}
	latest := LatestReviewPerReviewer(reviews)
	require.Len(t, latest, 1)
	require.Equal(t, domain.ReviewApproved, latest["alice"].State)
}

func TestSummarizeReviewsApproved(t *testing.T) {
	reviews := []domain.Review{
		{Reviewer: "alice", State: domain.ReviewApproved, SubmittedAt: time.Now()},
		{Reviewer: "copilot", State: domain.ReviewCommented, Body: "Generated no new comments.", SubmittedAt: time.Now()},
	}
	s := SummarizeReviews(reviews, nil)
	require.Equal(t, 2, s.Reviewers)
	require.Equal(t, 1, s.Approvals)
	require.Equal(t, 1, s.OKComments)
	require.True(t, s.Approved())
}

func TestSummarizeReviewsPendingBlocksApproval(t *testing.T) {
	reviews := []domain.Review{
		{Reviewer: "alice", State: domain.ReviewApproved, SubmittedAt: time.Now()},
	}
	s := SummarizeReviews(reviews, []string{"bob"})
	require.Equal(t, 1, s.Pending)
	require.False(t, s.Approved())
}

func TestSummarizeReviewsActionableBlocksApproval(t *testing.T) {
	reviews := []domain.Review{
		{Reviewer: "alice", State: domain.ReviewCommented, Body: "Please split this function.", SubmittedAt: time.Now()},
	}
	s := SummarizeReviews(reviews, nil)
	require.Equal(t, 1, s.Actionable)
	require.False(t, s.Approved())
}

func TestSummarizeReviewsNoReviewers(t *testing.T) {
	s := SummarizeReviews(nil, nil)
	require.False(t, s.Approved())
}

func newReviewFixture(t *testing.T) (*ReviewEngine, *fakePlatform, *state.ReviewQueueStore, *state.ManagedPRStore) {
	t.Helper()
	dir, err := state.NewDir(t.TempDir())
	require.NoError(t, err)
	queue := state.NewReviewQueueStore(dir)
	managed := state.NewManagedPRStore(dir)
	platform := newFakePlatform()
	cfg := config.Config{Owner: "acme", Labels: testLabels()}
	return NewReviewEngine(cfg, platform, queue, managed, testViewer), platform, queue, managed
}

func TestScanUnresolvedThreadEnqueuesOnce(t *testing.T) {
	engine, platform, queue, managed := newReviewFixture(t)
	require.NoError(t, managed.Add("acme/api#7"))

	platform.prs["acme/api#7"] = domain.PullRequest{
		ID: 70, Number: 7, Repo: "acme/api", State: "open",
	}
	platform.threads["acme/api#7"] = []domain.ReviewThread{
		{ID: "t1", Resolved: true},
		{ID: "t2", Resolved: false},
	}

	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	require.NoError(t, engine.Scan(context.Background(), now))
	require.NoError(t, engine.Scan(context.Background(), now.Add(time.Minute)))

	entries, err := queue.List()
	require.NoError(t, err)
	require.Len(t, entries, 1, "rescan must not duplicate the entry")
	require.Equal(t, domain.ReviewReasonComment, entries[0].Reason)
	require.True(t, entries[0].RequiresEngine)
}

func TestScanEnqueueAppliesQueuedLabel(t *testing.T) {
	engine, platform, queue, managed := newReviewFixture(t)
	require.NoError(t, managed.Add("acme/api#7"))

	platform.addItem(domain.WorkItem{
		RepoOwner: "acme", RepoName: "api", Number: 7, ID: 70,
		Kind: domain.KindPullRequest,
	})
	platform.prs["acme/api#7"] = domain.PullRequest{
		ID: 70, Number: 7, Repo: "acme/api", State: "open",
	}
	platform.threads["acme/api#7"] = []domain.ReviewThread{{ID: "t1", Resolved: false}}

	require.NoError(t, engine.Scan(context.Background(), time.Now()))

	entries, err := queue.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, platform.itemLabels(70), "review-followup")
	require.NotContains(t, platform.itemLabels(70), "review-followup:waiting")
}

func TestScanApprovedEnqueuesMergeOnly(t *testing.T) {
	engine, platform, queue, managed := newReviewFixture(t)
	require.NoError(t, managed.Add("acme/api#8"))

	platform.prs["acme/api#8"] = domain.PullRequest{
		ID: 80, Number: 8, Repo: "acme/api", State: "open",
	}
	platform.reviews["acme/api#8"] = []domain.Review{
		{Reviewer: "alice", State: domain.ReviewApproved, SubmittedAt: time.Now()},
		{Reviewer: "copilot", State: domain.ReviewCommented, Body: "Generated no new comments.", SubmittedAt: time.Now()},
	}

	require.NoError(t, engine.Scan(context.Background(), time.Now()))

	entries, err := queue.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, domain.ReviewReasonApproval, entries[0].Reason)
	require.False(t, entries[0].RequiresEngine)
}

func TestScanChangesRequestedEnqueuesEngineEntry(t *testing.T) {
	engine, platform, queue, managed := newReviewFixture(t)
	require.NoError(t, managed.Add("acme/api#9"))

	platform.prs["acme/api#9"] = domain.PullRequest{
		ID: 90, Number: 9, Repo: "acme/api", State: "open",
	}
	platform.reviews["acme/api#9"] = []domain.Review{
		{Reviewer: "alice", State: domain.ReviewChangesRequested, SubmittedAt: time.Now()},
	}

	require.NoError(t, engine.Scan(context.Background(), time.Now()))

	entries, err := queue.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, domain.ReviewReasonReview, entries[0].Reason)
	require.True(t, entries[0].RequiresEngine)
}

func TestScanSkipsDraftAndClosed(t *testing.T) {
	engine, platform, queue, managed := newReviewFixture(t)
	require.NoError(t, managed.Add("acme/api#1"))
	require.NoError(t, managed.Add("acme/api#2"))

	platform.prs["acme/api#1"] = domain.PullRequest{ID: 10, Number: 1, Repo: "acme/api", State: "open", Draft: true}
	platform.prs["acme/api#2"] = domain.PullRequest{ID: 20, Number: 2, Repo: "acme/api", State: "closed"}

	require.NoError(t, engine.Scan(context.Background(), time.Now()))

	entries, err := queue.List()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestScheduleFollowupsMergeOnlyWhenNoEngineUsable(t *testing.T) {
	dir, err := state.NewDir(t.TempDir())
	require.NoError(t, err)
	queue := state.NewReviewQueueStore(dir)

	require.NoError(t, queue.Enqueue(domain.ReviewEntry{ItemID: 1, RequiresEngine: true}))
	require.NoError(t, queue.Enqueue(domain.ReviewEntry{ItemID: 2, RequiresEngine: false}))

	taken, err := ScheduleFollowups(queue, 5, false)
	require.NoError(t, err)
	require.Len(t, taken, 1)
	require.Equal(t, int64(2), taken[0].ItemID)

	taken, err = ScheduleFollowups(queue, 5, true)
	require.NoError(t, err)
	require.Len(t, taken, 1)
	require.Equal(t, int64(1), taken[0].ItemID)
}

func TestAssignEnginesRoundRobin(t *testing.T) {
	entries := []domain.ReviewEntry{
		{ItemID: 1, RequiresEngine: true},
		{ItemID: 2, RequiresEngine: false},
		{ItemID: 3, RequiresEngine: true},
		{ItemID: 4, RequiresEngine: true},
	}
	got := AssignEngines(entries, []string{"codex", "gemini"})
	require.Equal(t, "codex", got[1])
	require.Equal(t, "codex", got[2])
	require.Equal(t, "gemini", got[3])
	require.Equal(t, "codex", got[4])
}

func TestShouldRepostMarker(t *testing.T) {
	marker := markerWaiting

	require.True(t, ShouldRepostMarker(nil, marker, testViewer), "no prior marker")

	withMarker := []domain.Comment{
		{Author: testViewer, Body: marker + "\nwaiting on reviews"},
	}
	require.False(t, ShouldRepostMarker(withMarker, marker, testViewer), "marker is the last word")

	replied := append(withMarker, domain.Comment{Author: "alice", Body: "done, take another look"})
	require.True(t, ShouldRepostMarker(replied, marker, testViewer), "user replied after marker")

	reposted := append(replied, domain.Comment{Author: testViewer, Body: marker + "\nstill waiting"})
	require.False(t, ShouldRepostMarker(reposted, marker, testViewer))
}

func TestMaterializeFollowupState(t *testing.T) {
	platform := newFakePlatform()
	labels := config.Labels{
		ReviewFollowup:               "review-followup",
		ReviewFollowupWaiting:        "review-followup:waiting",
		ReviewFollowupActionRequired: "review-followup:action-required",
	}
	platform.addItem(domain.WorkItem{
		RepoOwner: "acme", RepoName: "api", Number: 3, ID: 30,
		Labels: []string{"review-followup", "review-followup:waiting"},
	})
	pr := domain.PullRequest{
		Repo: "acme/api", Number: 3,
		Labels: []string{"review-followup", "review-followup:waiting"},
	}

	err := MaterializeFollowupState(context.Background(), platform, labels, pr, domain.FollowupActionRequired)
	require.NoError(t, err)

	got := platform.itemLabels(30)
	require.Contains(t, got, "review-followup:action-required")
	require.NotContains(t, got, "review-followup")
	require.NotContains(t, got, "review-followup:waiting")
}
