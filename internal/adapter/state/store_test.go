package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

func newDir(t *testing.T) *Dir {
	t.Helper()
	d, err := NewDir(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	return d
}

func TestReadJSONAbsentReturnsZero(t *testing.T) {
	v, err := readJSON[[]domain.ReviewEntry](filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestReadJSONCorruptFailsFast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := readJSON[map[string]string](path)
	require.ErrorIs(t, err, domain.ErrStateCorrupt)
	require.Contains(t, err.Error(), path)
}

func TestWriteJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rt.json")
	in := domain.ScheduledRetry{
		ItemID:   42,
		Repo:     "acme/tools",
		Number:   7,
		RunAfter: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		Reason:   domain.RetryReasonQuota,
	}
	require.NoError(t, writeJSON(path, in))
	out, err := readJSON[domain.ScheduledRetry](path)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestSessionMonotonicUpdatedAt(t *testing.T) {
	s := NewSessionStore(newDir(t))

	require.NoError(t, s.Put(1, "tok-a"))
	first, ok, err := s.Get(1)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Put(1, "tok-b"))
	second, ok, err := s.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tok-b", second.Token)
	require.False(t, second.UpdatedAt.Before(first.UpdatedAt), "UpdatedAt must never decrease")

	require.NoError(t, s.Clear(1))
	_, ok, err = s.Get(1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunningStoreActivityAndProjection(t *testing.T) {
	s := NewRunningStore(newDir(t))

	a := domain.Activity{
		ID:         IssueActivityID(9),
		Kind:       domain.ActivityIssue,
		Engine:     "codex",
		Repo:       "acme/tools",
		StartedAt:  nowUTC(),
		PID:        1234,
		ItemID:     9,
		ItemNumber: 3,
	}
	require.NoError(t, s.Put(a))
	require.NoError(t, s.PutIssue(domain.RunningIssue{ItemID: 9, Number: 3, Repo: "acme/tools", PID: 1234}))

	acts, err := s.List()
	require.NoError(t, err)
	require.Len(t, acts, 1)
	require.Equal(t, "issue:9", acts[0].ID)

	issues, err := s.Issues()
	require.NoError(t, err)
	require.Len(t, issues, 1)

	require.NoError(t, s.Delete(a.ID))
	require.NoError(t, s.DeleteIssue(9))
	acts, err = s.List()
	require.NoError(t, err)
	require.Empty(t, acts)
	issues, err = s.Issues()
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestReviewQueueDedupAndTake(t *testing.T) {
	q := NewReviewQueueStore(newDir(t))

	e := domain.ReviewEntry{ItemID: 5, PRNumber: 11, Repo: "acme/tools", Reason: domain.ReviewReasonComment, RequiresEngine: true}
	require.NoError(t, q.Enqueue(e))
	require.NoError(t, q.Enqueue(e)) // deduped by item id

	entries, err := q.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, q.Enqueue(domain.ReviewEntry{ItemID: 6, Reason: domain.ReviewReasonApproval}))
	require.NoError(t, q.Enqueue(domain.ReviewEntry{ItemID: 7, Reason: domain.ReviewReasonComment, RequiresEngine: true}))

	// Take only merge-only entries.
	taken, err := q.Take(10, func(e domain.ReviewEntry) bool { return !e.RequiresEngine })
	require.NoError(t, err)
	require.Len(t, taken, 1)
	require.Equal(t, int64(6), taken[0].ItemID)

	remaining, err := q.List()
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	require.Equal(t, int64(5), remaining[0].ItemID, "FIFO order preserved")
}

func TestWebhookQueueDedupAndDrain(t *testing.T) {
	q := NewWebhookQueueStore(newDir(t), "")

	require.NoError(t, q.Enqueue(domain.WebhookItem{ItemID: 1, Repo: "acme/tools", Number: 2}))
	require.NoError(t, q.Enqueue(domain.WebhookItem{ItemID: 1, Repo: "acme/tools", Number: 2}))
	require.NoError(t, q.Enqueue(domain.WebhookItem{ItemID: 2, Repo: "acme/infra", Number: 8}))

	items, err := q.Drain()
	require.NoError(t, err)
	require.Len(t, items, 2)

	items, err = q.Drain()
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestManagedPRSetBoundedMostRecent(t *testing.T) {
	s := NewManagedPRStore(newDir(t))

	require.NoError(t, s.Add("acme/tools#1"))
	require.NoError(t, s.Add("acme/tools#2"))
	require.NoError(t, s.Add("acme/tools#1")) // moves to most-recent

	keys, err := s.Recent(0)
	require.NoError(t, err)
	require.Equal(t, []string{"acme/tools#2", "acme/tools#1"}, keys)

	keys, err = s.Recent(1)
	require.NoError(t, err)
	require.Equal(t, []string{"acme/tools#1"}, keys)
}

func TestRetryStoreTakeDue(t *testing.T) {
	s := NewRetryStore(newDir(t))
	now := time.Now().UTC()

	require.NoError(t, s.Put(domain.ScheduledRetry{ItemID: 1, RunAfter: now.Add(-time.Minute), Reason: domain.RetryReasonQuota}))
	require.NoError(t, s.Put(domain.ScheduledRetry{ItemID: 2, RunAfter: now.Add(time.Hour), Reason: domain.RetryReasonQuota}))

	due, err := s.TakeDue(now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, int64(1), due[0].ItemID)

	rest, err := s.List()
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, int64(2), rest[0].ItemID)
}

func TestAmazonQUsagePeriodRoll(t *testing.T) {
	s := NewAmazonQUsageStore(newDir(t))
	july := time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)
	august := time.Date(2026, 8, 1, 0, 0, 1, 0, time.UTC)

	require.NoError(t, s.Add(july, 3))
	u, err := s.Get(july)
	require.NoError(t, err)
	require.Equal(t, "2026-07", u.PeriodKey)
	require.Equal(t, 3, u.Used)

	// New UTC month: used resets and the period key advances once.
	u, err = s.Get(august)
	require.NoError(t, err)
	require.Equal(t, "2026-08", u.PeriodKey)
	require.Zero(t, u.Used)

	u, err = s.Get(august.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, "2026-08", u.PeriodKey)
}

func TestCommandStateAtMostOnce(t *testing.T) {
	s := NewCommandState(newDir(t))

	done, err := s.Processed(77)
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, s.MarkProcessed(77))
	done, err = s.Processed(77)
	require.NoError(t, err)
	require.True(t, done)
}

func TestStopFlag(t *testing.T) {
	d := newDir(t)
	require.False(t, d.StopRequested())
	require.NoError(t, d.RequestStop())
	require.True(t, d.StopRequested())
	require.NoError(t, d.ClearStop())
	require.False(t, d.StopRequested())
}
