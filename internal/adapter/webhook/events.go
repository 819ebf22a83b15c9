package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// eventEnvelope is the common shape of the supported platform events. Issue
// events carry "issue"; pull-request events carry "pull_request".
type eventEnvelope struct {
	Action string `json:"action"`
	Issue  *struct {
		ID      int64  `json:"id"`
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	} `json:"issue"`
	PullRequest *struct {
		ID      int64  `json:"id"`
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// supportedEvents is the minimum set the producer reacts to.
var supportedEvents = map[string]bool{
	"issues":                      true,
	"issue_comment":               true,
	"pull_request":                true,
	"pull_request_review":         true,
	"pull_request_review_comment": true,
	"pull_request_review_thread":  true,
}

// Producer turns verified deliveries into webhook-queue entries. It never
// touches any other store; the dispatcher picks the items up on its next tick.
type Producer struct {
	queue domain.WebhookQueue
}

// NewProducer creates the queue producer.
func NewProducer(queue domain.WebhookQueue) *Producer {
	return &Producer{queue: queue}
}

// Handle implements Handler.
func (p *Producer) Handle(_ context.Context, event, delivery string, payload []byte) error {
	if !supportedEvents[event] {
		slog.Debug("webhook event ignored",
			slog.String("event", event), slog.String("delivery", delivery))
		return nil
	}

	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("op=webhook.Handle event=%s: %w: %w", event, domain.ErrWebhookPayload, err)
	}

	item := domain.WebhookItem{Repo: env.Repository.FullName, EnqueuedAt: time.Now().UTC()}
	switch {
	case env.Issue != nil:
		item.ItemID = env.Issue.ID
		item.Number = env.Issue.Number
		item.URL = env.Issue.HTMLURL
	case env.PullRequest != nil:
		item.ItemID = env.PullRequest.ID
		item.Number = env.PullRequest.Number
		item.URL = env.PullRequest.HTMLURL
	default:
		slog.Debug("webhook event without item",
			slog.String("event", event), slog.String("delivery", delivery))
		return nil
	}

	if err := p.queue.Enqueue(item); err != nil {
		return fmt.Errorf("op=webhook.Handle event=%s item=%d: %w", event, item.ItemID, err)
	}
	slog.Info("webhook item enqueued",
		slog.String("event", event), slog.String("action", env.Action),
		slog.String("repo", item.Repo), slog.Int("number", item.Number))
	return nil
}
