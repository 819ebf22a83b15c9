package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

func mergeableClean() domain.PullRequest {
	mergeable := true
	return domain.PullRequest{
		ID: 50, Number: 5, Repo: "acme/api", State: "open",
		Mergeable: &mergeable, MergeableState: "clean",
		HeadRef: "agent/fix-5", HeadRepo: "acme/api", BaseRepo: "acme/api",
	}
}

func approvedReviews() []domain.Review {
	return []domain.Review{
		{Reviewer: "alice", State: domain.ReviewApproved, SubmittedAt: time.Now()},
	}
}

func testMerger(platform *fakePlatform) *AutoMerger {
	m := NewAutoMerger(platform)
	m.pollWait = time.Millisecond
	return m
}

func TestAutoMergeHappyPath(t *testing.T) {
	platform := newFakePlatform()
	platform.prs["acme/api#5"] = mergeableClean()
	platform.reviews["acme/api#5"] = approvedReviews()

	res := testMerger(platform).Merge(context.Background(), domain.ReviewEntry{
		ItemID: 50, PRNumber: 5, Repo: "acme/api", Reason: domain.ReviewReasonApproval,
	})

	require.True(t, res.Merged)
	require.Equal(t, []string{"acme/api#5:squash"}, platform.merged)
	require.Equal(t, []string{"acme/api:agent/fix-5"}, platform.deletedRefs)
}

func TestAutoMergeSkipsForkHeadDeletion(t *testing.T) {
	platform := newFakePlatform()
	pr := mergeableClean()
	pr.HeadRepo = "fork/api"
	platform.prs["acme/api#5"] = pr
	platform.reviews["acme/api#5"] = approvedReviews()

	res := testMerger(platform).Merge(context.Background(), domain.ReviewEntry{
		ItemID: 50, PRNumber: 5, Repo: "acme/api",
	})

	require.True(t, res.Merged)
	require.Empty(t, platform.deletedRefs)
}

func TestAutoMergeMethodFallthrough(t *testing.T) {
	platform := newFakePlatform()
	platform.prs["acme/api#5"] = mergeableClean()
	platform.reviews["acme/api#5"] = approvedReviews()
	platform.mergeErrs = []error{domain.ErrMergeMethodDenied}

	res := testMerger(platform).Merge(context.Background(), domain.ReviewEntry{
		ItemID: 50, PRNumber: 5, Repo: "acme/api",
	})

	require.True(t, res.Merged)
	require.Equal(t, []string{"acme/api#5:merge"}, platform.merged)
}

func TestAutoMergeHeadChangedRetries(t *testing.T) {
	platform := newFakePlatform()
	platform.prs["acme/api#5"] = mergeableClean()
	platform.reviews["acme/api#5"] = approvedReviews()
	platform.mergeErrs = []error{domain.ErrNotMergeable}

	res := testMerger(platform).Merge(context.Background(), domain.ReviewEntry{
		ItemID: 50, PRNumber: 5, Repo: "acme/api",
	})

	require.False(t, res.Merged)
	require.True(t, res.Retry)
	require.Equal(t, "not_mergeable:head_changed", res.Reason)
}

func TestAutoMergeDraftRetriesLater(t *testing.T) {
	platform := newFakePlatform()
	pr := mergeableClean()
	pr.Draft = true
	platform.prs["acme/api#5"] = pr

	res := testMerger(platform).Merge(context.Background(), domain.ReviewEntry{
		ItemID: 50, PRNumber: 5, Repo: "acme/api",
	})

	require.True(t, res.Retry)
	require.Equal(t, "draft", res.Reason)
}

func TestAutoMergeUnresolvedThreadsRetryLater(t *testing.T) {
	platform := newFakePlatform()
	platform.prs["acme/api#5"] = mergeableClean()
	platform.threads["acme/api#5"] = []domain.ReviewThread{{ID: "t1", Resolved: false}}

	res := testMerger(platform).Merge(context.Background(), domain.ReviewEntry{
		ItemID: 50, PRNumber: 5, Repo: "acme/api",
	})

	require.True(t, res.Retry)
	require.Equal(t, "unresolved_review_threads", res.Reason)
}

func TestAutoMergeAwaitingRequestedReviewer(t *testing.T) {
	platform := newFakePlatform()
	platform.prs["acme/api#5"] = mergeableClean()
	platform.reviews["acme/api#5"] = approvedReviews()
	platform.reqRev["acme/api#5"] = []string{"bob"}

	res := testMerger(platform).Merge(context.Background(), domain.ReviewEntry{
		ItemID: 50, PRNumber: 5, Repo: "acme/api",
	})

	require.True(t, res.Retry)
	require.Equal(t, "awaiting_reviewer_feedback", res.Reason)
}

func TestAutoMergeNotApprovedNeedsAction(t *testing.T) {
	platform := newFakePlatform()
	platform.prs["acme/api#5"] = mergeableClean()

	res := testMerger(platform).Merge(context.Background(), domain.ReviewEntry{
		ItemID: 50, PRNumber: 5, Repo: "acme/api",
	})

	require.True(t, res.ActionRequired)
	require.Equal(t, "not_approved", res.Reason)
}

func TestAutoMergeDirtyStateRetries(t *testing.T) {
	platform := newFakePlatform()
	pr := mergeableClean()
	mergeable := false
	pr.Mergeable = &mergeable
	pr.MergeableState = "dirty"
	platform.prs["acme/api#5"] = pr
	platform.reviews["acme/api#5"] = approvedReviews()

	res := testMerger(platform).Merge(context.Background(), domain.ReviewEntry{
		ItemID: 50, PRNumber: 5, Repo: "acme/api",
	})

	require.False(t, res.Merged)
	require.True(t, res.Retry)
	require.Equal(t, "not_mergeable:dirty", res.Reason)
	require.Empty(t, platform.merged)
}

func TestAutoMergeMergeablePollTimeout(t *testing.T) {
	platform := newFakePlatform()
	pr := mergeableClean()
	pr.Mergeable = nil
	pr.MergeableState = ""
	platform.prs["acme/api#5"] = pr
	platform.reviews["acme/api#5"] = approvedReviews()

	res := testMerger(platform).Merge(context.Background(), domain.ReviewEntry{
		ItemID: 50, PRNumber: 5, Repo: "acme/api",
	})

	require.True(t, res.Retry)
	require.Equal(t, "not_mergeable:unknown", res.Reason)
}

func TestAutoMergeClosedPRSkipped(t *testing.T) {
	platform := newFakePlatform()
	pr := mergeableClean()
	pr.State = "closed"
	platform.prs["acme/api#5"] = pr

	res := testMerger(platform).Merge(context.Background(), domain.ReviewEntry{
		ItemID: 50, PRNumber: 5, Repo: "acme/api",
	})

	require.False(t, res.Merged)
	require.False(t, res.Retry)
	require.Equal(t, "not_open", res.Reason)
}
