package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

const testViewer = "agent-bot"

// fakePlatform is an in-memory PlatformClient used across the package tests.
// Unconfigured lookups return ErrNotFound.
type fakePlatform struct {
	mu sync.Mutex

	items    map[int64]domain.WorkItem
	comments map[string][]domain.Comment
	prs      map[string]domain.PullRequest
	reviews  map[string][]domain.Review
	threads  map[string][]domain.ReviewThread
	reqRev   map[string][]string
	settings domain.RepoSettings
	repos    []string

	posted      map[string][]string
	merged      []string
	mergeErrs   []error
	deletedRefs []string

	listReposErr error
	commentSeq   int64
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		items:    map[int64]domain.WorkItem{},
		comments: map[string][]domain.Comment{},
		prs:      map[string]domain.PullRequest{},
		reviews:  map[string][]domain.Review{},
		threads:  map[string][]domain.ReviewThread{},
		reqRev:   map[string][]string{},
		settings: domain.RepoSettings{AllowSquash: true, AllowMerge: true, AllowRebase: true},
		posted:   map[string][]string{},
	}
}

func prKey(repo string, number int) string { return fmt.Sprintf("%s#%d", repo, number) }

func (f *fakePlatform) addItem(item domain.WorkItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[item.ID] = item
}

func (f *fakePlatform) itemLabels(id int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.items[id].Labels...)
}

func (f *fakePlatform) Viewer(context.Context) (string, error) { return testViewer, nil }

func (f *fakePlatform) ListIssuesByLabel(_ context.Context, repo, label string) ([]domain.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.WorkItem
	for _, item := range f.items {
		if item.Repo() == repo && item.HasLabel(label) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakePlatform) GetIssue(_ context.Context, repo string, number int) (domain.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.items {
		if item.Repo() == repo && item.Number == number {
			return item, nil
		}
	}
	return domain.WorkItem{}, domain.ErrNotFound
}

func (f *fakePlatform) ListComments(_ context.Context, repo string, number int) ([]domain.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Comment{}, f.comments[prKey(repo, number)]...), nil
}

func (f *fakePlatform) AddLabels(_ context.Context, repo string, number int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, item := range f.items {
		if item.Repo() != repo || item.Number != number {
			continue
		}
		for _, l := range labels {
			if !item.HasLabel(l) {
				item.Labels = append(item.Labels, l)
			}
		}
		f.items[id] = item
		return nil
	}
	return domain.ErrNotFound
}

func (f *fakePlatform) RemoveLabel(_ context.Context, repo string, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, item := range f.items {
		if item.Repo() != repo || item.Number != number {
			continue
		}
		out := item.Labels[:0]
		for _, l := range item.Labels {
			if l != label {
				out = append(out, l)
			}
		}
		item.Labels = out
		f.items[id] = item
		return nil
	}
	return nil
}

func (f *fakePlatform) PostComment(_ context.Context, repo string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := prKey(repo, number)
	f.posted[key] = append(f.posted[key], body)
	f.commentSeq++
	f.comments[key] = append(f.comments[key], domain.Comment{
		ID:        f.commentSeq,
		Author:    testViewer,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (f *fakePlatform) GetPullRequest(_ context.Context, repo string, number int) (domain.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[prKey(repo, number)]
	if !ok {
		return domain.PullRequest{}, domain.ErrNotFound
	}
	return pr, nil
}

func (f *fakePlatform) ListOpenPRsByAuthor(context.Context, string, string, int) ([]domain.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.PullRequest
	for _, pr := range f.prs {
		if pr.Open() {
			out = append(out, pr)
		}
	}
	return out, nil
}

func (f *fakePlatform) ListReviews(_ context.Context, repo string, number int) ([]domain.Review, error) {
	return f.reviews[prKey(repo, number)], nil
}

func (f *fakePlatform) ListReviewThreads(_ context.Context, repo string, number int) ([]domain.ReviewThread, error) {
	return f.threads[prKey(repo, number)], nil
}

func (f *fakePlatform) ListRequestedReviewers(_ context.Context, repo string, number int) ([]string, error) {
	return f.reqRev[prKey(repo, number)], nil
}

func (f *fakePlatform) MergePullRequest(_ context.Context, repo string, number int, method domain.MergeMethod) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.mergeErrs) > 0 {
		err := f.mergeErrs[0]
		f.mergeErrs = f.mergeErrs[1:]
		if err != nil {
			return err
		}
	}
	f.merged = append(f.merged, fmt.Sprintf("%s#%d:%s", repo, number, method))
	return nil
}

func (f *fakePlatform) DeleteRef(_ context.Context, repo, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedRefs = append(f.deletedRefs, repo+":"+ref)
	return nil
}

func (f *fakePlatform) GetRepoSettings(context.Context, string) (domain.RepoSettings, error) {
	return f.settings, nil
}

func (f *fakePlatform) SearchIssues(context.Context, string, int) ([]domain.WorkItem, error) {
	return nil, nil
}

func (f *fakePlatform) ListOwnerRepos(context.Context, string) ([]string, error) {
	if f.listReposErr != nil {
		return nil, f.listReposErr
	}
	return append([]string{}, f.repos...), nil
}

func (f *fakePlatform) EnsureLabel(context.Context, string, domain.Label) error { return nil }

// fakeRunner returns a canned result and records the spec it was given.
type fakeRunner struct {
	mu     sync.Mutex
	specs  []domain.RunSpec
	result domain.RunResult
	err    error
	pid    int
}

func (r *fakeRunner) Run(_ context.Context, spec domain.RunSpec, onStart func(pid int)) (domain.RunResult, error) {
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	r.mu.Unlock()
	pid := r.pid
	if pid == 0 {
		pid = 4242
	}
	if onStart != nil {
		onStart(pid)
	}
	return r.result, r.err
}
