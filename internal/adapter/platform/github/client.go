// Package github implements the platform port against the GitHub REST and
// GraphQL APIs.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

const (
	defaultBaseURL = "https://api.github.com"
	perPage        = 100

	// requestsPerSecond keeps the client well under GitHub's secondary
	// rate limits.
	requestsPerSecond = 5
)

// Client talks to GitHub. Comment posting can use a dedicated notify token so
// notifications come from a distinct identity.
type Client struct {
	baseURL     string
	token       string
	notifyToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base, used by tests and GHE deployments.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithNotifyToken sets the token used for comment posting.
func WithNotifyToken(t string) Option {
	return func(c *Client) { c.notifyToken = t }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// New creates a GitHub client.
func New(token string, opts ...Option) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("GitHub %s %s", r.Method, r.URL.Path)
		}),
	)
	c := &Client{
		baseURL:    defaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second, Transport: transport},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
	for _, o := range opts {
		o(c)
	}
	if c.notifyToken == "" {
		c.notifyToken = token
	}
	return c
}

// apiError is GitHub's error envelope.
type apiError struct {
	Message string `json:"message"`
}

// do executes one API call with rate limiting and bounded retry on transient
// failures. out may be nil for calls whose body is discarded.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	return c.doToken(ctx, method, path, c.token, in, out)
}

func (c *Client) doToken(ctx context.Context, method, path, token string, in, out any) error {
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		var body io.Reader
		if in != nil {
			raw, err := json.Marshal(in)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("marshal: %w", err))
			}
			body = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/vnd.github+json")
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode: %w", err))
			}
			return nil
		}

		var ae apiError
		_ = json.NewDecoder(resp.Body).Decode(&ae)
		err = statusError(resp, ae.Message)
		if resp.StatusCode >= 500 {
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("op=github.%s %s: %w", method, path, err)
	}
	return nil
}

// statusError maps an API status to the domain error taxonomy.
func statusError(resp *http.Response, message string) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("status=401 %s: %w", message, domain.ErrAuth)
	case http.StatusForbidden:
		if resp.Header.Get("X-RateLimit-Remaining") == "0" ||
			strings.Contains(strings.ToLower(message), "rate limit") {
			return fmt.Errorf("status=403 %s: %w", message, domain.ErrRateLimited)
		}
		return fmt.Errorf("status=403 %s: %w", message, domain.ErrAuth)
	case http.StatusNotFound:
		return fmt.Errorf("status=404 %s: %w", message, domain.ErrNotFound)
	case http.StatusMethodNotAllowed:
		return fmt.Errorf("status=405 %s: %w", message, domain.ErrMergeMethodDenied)
	case http.StatusConflict:
		return fmt.Errorf("status=409 %s: %w", message, domain.ErrNotMergeable)
	case http.StatusTooManyRequests:
		return fmt.Errorf("status=429 %s: %w", message, domain.ErrRateLimited)
	default:
		return fmt.Errorf("status=%d %s: %w", resp.StatusCode, message, domain.ErrPlatformAPI)
	}
}

// Wire shapes, limited to consumed fields.

type ghUser struct {
	Login string `json:"login"`
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghIssue struct {
	ID          int64     `json:"id"`
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	User        ghUser    `json:"user"`
	Labels      []ghLabel `json:"labels"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
	RepoURL     string    `json:"repository_url"`
}

type ghComment struct {
	ID                int64     `json:"id"`
	Body              string    `json:"body"`
	User              ghUser    `json:"user"`
	AuthorAssociation string    `json:"author_association"`
	CreatedAt         time.Time `json:"created_at"`
}

type ghPull struct {
	ID             int64     `json:"id"`
	Number         int       `json:"number"`
	Title          string    `json:"title"`
	HTMLURL        string    `json:"html_url"`
	State          string    `json:"state"`
	Draft          bool      `json:"draft"`
	Merged         bool      `json:"merged"`
	Mergeable      *bool     `json:"mergeable"`
	MergeableState string    `json:"mergeable_state"`
	User           ghUser    `json:"user"`
	Labels         []ghLabel `json:"labels"`
	Head           struct {
		Ref  string `json:"ref"`
		Repo struct {
			FullName string `json:"full_name"`
		} `json:"repo"`
	} `json:"head"`
	Base struct {
		Repo struct {
			FullName string `json:"full_name"`
		} `json:"repo"`
	} `json:"base"`
}

func splitRepo(repo string) (owner, name string) {
	owner, name, _ = strings.Cut(repo, "/")
	return owner, name
}

// repoFromAPIURL extracts owner/name from a repository_url field.
func repoFromAPIURL(u string) string {
	i := strings.Index(u, "/repos/")
	if i < 0 {
		return ""
	}
	return u[i+len("/repos/"):]
}

func (c *Client) itemFromIssue(repo string, is ghIssue) domain.WorkItem {
	if repo == "" {
		repo = repoFromAPIURL(is.RepoURL)
	}
	owner, name := splitRepo(repo)
	labels := make([]string, 0, len(is.Labels))
	for _, l := range is.Labels {
		labels = append(labels, l.Name)
	}
	kind := domain.KindIssue
	if is.PullRequest != nil {
		kind = domain.KindPullRequest
	}
	return domain.WorkItem{
		RepoOwner: owner,
		RepoName:  name,
		Number:    is.Number,
		ID:        is.ID,
		Kind:      kind,
		Labels:    labels,
		Author:    is.User.Login,
		Title:     is.Title,
		Body:      is.Body,
		URL:       is.HTMLURL,
	}
}

func pullFromGH(repo string, p ghPull) domain.PullRequest {
	labels := make([]string, 0, len(p.Labels))
	for _, l := range p.Labels {
		labels = append(labels, l.Name)
	}
	return domain.PullRequest{
		ID:             p.ID,
		Number:         p.Number,
		Repo:           repo,
		Title:          p.Title,
		URL:            p.HTMLURL,
		State:          p.State,
		Draft:          p.Draft,
		Merged:         p.Merged,
		Mergeable:      p.Mergeable,
		MergeableState: p.MergeableState,
		Author:         p.User.Login,
		HeadRef:        p.Head.Ref,
		HeadRepo:       p.Head.Repo.FullName,
		BaseRepo:       p.Base.Repo.FullName,
		Labels:         labels,
	}
}

// Viewer implements domain.PlatformClient.
func (c *Client) Viewer(ctx context.Context) (string, error) {
	var u ghUser
	if err := c.do(ctx, http.MethodGet, "/user", nil, &u); err != nil {
		return "", err
	}
	return u.Login, nil
}

// ListIssuesByLabel implements domain.PlatformClient.
func (c *Client) ListIssuesByLabel(ctx context.Context, repo, label string) ([]domain.WorkItem, error) {
	path := fmt.Sprintf("/repos/%s/issues?state=open&labels=%s&per_page=%d",
		repo, url.QueryEscape(label), perPage)
	var issues []ghIssue
	if err := c.do(ctx, http.MethodGet, path, nil, &issues); err != nil {
		return nil, err
	}
	items := make([]domain.WorkItem, 0, len(issues))
	for _, is := range issues {
		items = append(items, c.itemFromIssue(repo, is))
	}
	return items, nil
}

// GetIssue implements domain.PlatformClient.
func (c *Client) GetIssue(ctx context.Context, repo string, number int) (domain.WorkItem, error) {
	var is ghIssue
	path := fmt.Sprintf("/repos/%s/issues/%d", repo, number)
	if err := c.do(ctx, http.MethodGet, path, nil, &is); err != nil {
		return domain.WorkItem{}, err
	}
	return c.itemFromIssue(repo, is), nil
}

// ListComments implements domain.PlatformClient.
func (c *Client) ListComments(ctx context.Context, repo string, number int) ([]domain.Comment, error) {
	path := fmt.Sprintf("/repos/%s/issues/%d/comments?per_page=%d", repo, number, perPage)
	var ghc []ghComment
	if err := c.do(ctx, http.MethodGet, path, nil, &ghc); err != nil {
		return nil, err
	}
	out := make([]domain.Comment, 0, len(ghc))
	for _, cm := range ghc {
		out = append(out, domain.Comment{
			ID:                cm.ID,
			Author:            cm.User.Login,
			AuthorAssociation: cm.AuthorAssociation,
			Body:              cm.Body,
			CreatedAt:         cm.CreatedAt,
		})
	}
	return out, nil
}

// AddLabels implements domain.PlatformClient.
func (c *Client) AddLabels(ctx context.Context, repo string, number int, labels []string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/labels", repo, number)
	return c.do(ctx, http.MethodPost, path, map[string][]string{"labels": labels}, nil)
}

// RemoveLabel implements domain.PlatformClient. A missing label is not an
// error; removal is idempotent.
func (c *Client) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/labels/%s", repo, number, url.PathEscape(label))
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// PostComment implements domain.PlatformClient, posting with the notify token.
func (c *Client) PostComment(ctx context.Context, repo string, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number)
	return c.doToken(ctx, http.MethodPost, path, c.notifyToken, map[string]string{"body": body}, nil)
}

// GetPullRequest implements domain.PlatformClient.
func (c *Client) GetPullRequest(ctx context.Context, repo string, number int) (domain.PullRequest, error) {
	var p ghPull
	path := fmt.Sprintf("/repos/%s/pulls/%d", repo, number)
	if err := c.do(ctx, http.MethodGet, path, nil, &p); err != nil {
		return domain.PullRequest{}, err
	}
	return pullFromGH(repo, p), nil
}

// ListOpenPRsByAuthor implements domain.PlatformClient via the search API.
func (c *Client) ListOpenPRsByAuthor(ctx context.Context, owner, author string, limit int) ([]domain.PullRequest, error) {
	q := fmt.Sprintf("is:pr is:open author:%s user:%s", author, owner)
	items, err := c.SearchIssues(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	prs := make([]domain.PullRequest, 0, len(items))
	for _, it := range items {
		prs = append(prs, domain.PullRequest{
			ID:     it.ID,
			Number: it.Number,
			Repo:   it.Repo(),
			Title:  it.Title,
			URL:    it.URL,
			State:  "open",
			Author: it.Author,
			Labels: it.Labels,
		})
	}
	return prs, nil
}

// ListReviews implements domain.PlatformClient.
func (c *Client) ListReviews(ctx context.Context, repo string, number int) ([]domain.Review, error) {
	path := fmt.Sprintf("/repos/%s/pulls/%d/reviews?per_page=%d", repo, number, perPage)
	var raw []struct {
		User        ghUser    `json:"user"`
		State       string    `json:"state"`
		Body        string    `json:"body"`
		SubmittedAt time.Time `json:"submitted_at"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]domain.Review, 0, len(raw))
	for _, r := range raw {
		out = append(out, domain.Review{
			Reviewer:    r.User.Login,
			State:       r.State,
			Body:        r.Body,
			SubmittedAt: r.SubmittedAt,
		})
	}
	return out, nil
}

// ListRequestedReviewers implements domain.PlatformClient.
func (c *Client) ListRequestedReviewers(ctx context.Context, repo string, number int) ([]string, error) {
	path := fmt.Sprintf("/repos/%s/pulls/%d/requested_reviewers", repo, number)
	var raw struct {
		Users []ghUser `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw.Users))
	for _, u := range raw.Users {
		out = append(out, u.Login)
	}
	return out, nil
}

// MergePullRequest implements domain.PlatformClient. 405 surfaces as the
// merge-method sentinel so callers can fall back to the next method.
func (c *Client) MergePullRequest(ctx context.Context, repo string, number int, method domain.MergeMethod) error {
	path := fmt.Sprintf("/repos/%s/pulls/%d/merge", repo, number)
	return c.do(ctx, http.MethodPut, path, map[string]string{"merge_method": string(method)}, nil)
}

// DeleteRef implements domain.PlatformClient. The ref is a branch name.
func (c *Client) DeleteRef(ctx context.Context, repo, ref string) error {
	path := fmt.Sprintf("/repos/%s/git/refs/heads/%s", repo, url.PathEscape(ref))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// GetRepoSettings implements domain.PlatformClient.
func (c *Client) GetRepoSettings(ctx context.Context, repo string) (domain.RepoSettings, error) {
	var raw struct {
		AllowSquashMerge bool `json:"allow_squash_merge"`
		AllowMergeCommit bool `json:"allow_merge_commit"`
		AllowRebaseMerge bool `json:"allow_rebase_merge"`
	}
	if err := c.do(ctx, http.MethodGet, "/repos/"+repo, nil, &raw); err != nil {
		return domain.RepoSettings{}, err
	}
	return domain.RepoSettings{
		AllowSquash: raw.AllowSquashMerge,
		AllowMerge:  raw.AllowMergeCommit,
		AllowRebase: raw.AllowRebaseMerge,
	}, nil
}

// SearchIssues implements domain.PlatformClient.
func (c *Client) SearchIssues(ctx context.Context, query string, limit int) ([]domain.WorkItem, error) {
	if limit <= 0 || limit > perPage {
		limit = perPage
	}
	path := "/search/issues?q=" + url.QueryEscape(query) + "&per_page=" + strconv.Itoa(limit)
	var raw struct {
		Items []ghIssue `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	items := make([]domain.WorkItem, 0, len(raw.Items))
	for _, is := range raw.Items {
		items = append(items, c.itemFromIssue("", is))
	}
	return items, nil
}

// ListOwnerRepos implements domain.PlatformClient, paginating until the last
// page.
func (c *Client) ListOwnerRepos(ctx context.Context, owner string) ([]string, error) {
	var out []string
	for page := 1; ; page++ {
		path := fmt.Sprintf("/users/%s/repos?per_page=%d&page=%d", owner, perPage, page)
		var raw []struct {
			FullName string `json:"full_name"`
			Archived bool   `json:"archived"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
			return nil, err
		}
		for _, r := range raw {
			if !r.Archived {
				out = append(out, r.FullName)
			}
		}
		if len(raw) < perPage {
			return out, nil
		}
	}
}

// EnsureLabel implements domain.PlatformClient: create the label, update it
// in place when it already exists.
func (c *Client) EnsureLabel(ctx context.Context, repo string, label domain.Label) error {
	body := map[string]string{
		"name":        label.Name,
		"color":       label.Color,
		"description": label.Description,
	}
	err := c.do(ctx, http.MethodPost, "/repos/"+repo+"/labels", body, nil)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "status=422") {
		return err
	}
	path := "/repos/" + repo + "/labels/" + url.PathEscape(label.Name)
	if uerr := c.do(ctx, http.MethodPatch, path, body, nil); uerr != nil {
		slog.Warn("label update failed", slog.String("repo", repo),
			slog.String("label", label.Name), slog.Any("error", uerr))
		return uerr
	}
	return nil
}
