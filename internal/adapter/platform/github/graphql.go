package github

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// Review-thread resolution state only exists in the GraphQL API.
const reviewThreadsQuery = `query($owner: String!, $name: String!, $number: Int!) {
  repository(owner: $owner, name: $name) {
    pullRequest(number: $number) {
      reviewThreads(first: 100) {
        nodes { id isResolved }
      }
    }
  }
}`

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type reviewThreadsResponse struct {
	Data struct {
		Repository struct {
			PullRequest struct {
				ReviewThreads struct {
					Nodes []struct {
						ID         string `json:"id"`
						IsResolved bool   `json:"isResolved"`
					} `json:"nodes"`
				} `json:"reviewThreads"`
			} `json:"pullRequest"`
		} `json:"repository"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// ListReviewThreads implements domain.PlatformClient.
func (c *Client) ListReviewThreads(ctx context.Context, repo string, number int) ([]domain.ReviewThread, error) {
	owner, name := splitRepo(repo)
	req := graphqlRequest{
		Query: reviewThreadsQuery,
		Variables: map[string]any{
			"owner":  owner,
			"name":   name,
			"number": number,
		},
	}
	var resp reviewThreadsResponse
	if err := c.do(ctx, http.MethodPost, "/graphql", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("op=github.ListReviewThreads %s#%d: %s: %w",
			repo, number, resp.Errors[0].Message, domain.ErrPlatformAPI)
	}
	nodes := resp.Data.Repository.PullRequest.ReviewThreads.Nodes
	out := make([]domain.ReviewThread, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, domain.ReviewThread{ID: n.ID, Resolved: n.IsResolved})
	}
	return out, nil
}
