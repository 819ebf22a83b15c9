package state

import (
	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// Queue bounds. Inserts beyond the cap trim the oldest entries.
const (
	MaxReviewQueue = 10000
	MaxManagedPRs  = 20000
)

// ReviewQueueStore is the bounded FIFO review follow-up queue in
// review-queue.json, deduplicated by item id.
type ReviewQueueStore struct {
	dir *Dir
}

// NewReviewQueueStore creates the review queue.
func NewReviewQueueStore(dir *Dir) *ReviewQueueStore { return &ReviewQueueStore{dir: dir} }

func (s *ReviewQueueStore) path() string { return s.dir.Path(FileReviewQueue) }

// List returns the queue contents in FIFO order.
func (s *ReviewQueueStore) List() ([]domain.ReviewEntry, error) {
	return readJSON[[]domain.ReviewEntry](s.path())
}

// Enqueue appends an entry unless the item is already queued. The queue is
// trimmed from the front when it exceeds its bound.
func (s *ReviewQueueStore) Enqueue(e domain.ReviewEntry) error {
	release, err := AcquireShortLock(s.path())
	if err != nil {
		return err
	}
	defer release()

	entries, err := readJSON[[]domain.ReviewEntry](s.path())
	if err != nil {
		return err
	}
	for _, existing := range entries {
		if existing.ItemID == e.ItemID {
			return nil
		}
	}
	entries = append(entries, e)
	if len(entries) > MaxReviewQueue {
		entries = entries[len(entries)-MaxReviewQueue:]
	}
	return writeJSON(s.path(), entries)
}

// Take removes and returns up to n entries matching pred, preserving FIFO
// order. A nil pred matches everything.
func (s *ReviewQueueStore) Take(n int, pred func(domain.ReviewEntry) bool) ([]domain.ReviewEntry, error) {
	release, err := AcquireShortLock(s.path())
	if err != nil {
		return nil, err
	}
	defer release()

	entries, err := readJSON[[]domain.ReviewEntry](s.path())
	if err != nil {
		return nil, err
	}
	var taken []domain.ReviewEntry
	var rest []domain.ReviewEntry
	for _, e := range entries {
		if len(taken) < n && (pred == nil || pred(e)) {
			taken = append(taken, e)
			continue
		}
		rest = append(rest, e)
	}
	if len(taken) == 0 {
		return nil, nil
	}
	if err := writeJSON(s.path(), rest); err != nil {
		return nil, err
	}
	return taken, nil
}

// WebhookQueueStore is the deduplicated webhook work-item queue.
type WebhookQueueStore struct {
	path string
}

// NewWebhookQueueStore creates the webhook queue. An explicit file path from
// config overrides the default location.
func NewWebhookQueueStore(dir *Dir, override string) *WebhookQueueStore {
	path := dir.Path(FileWebhookQueue)
	if override != "" {
		path = override
	}
	return &WebhookQueueStore{path: path}
}

// List returns queued items without consuming them.
func (s *WebhookQueueStore) List() ([]domain.WebhookItem, error) {
	return readJSON[[]domain.WebhookItem](s.path)
}

// Enqueue appends an item unless it is already queued.
func (s *WebhookQueueStore) Enqueue(w domain.WebhookItem) error {
	release, err := AcquireShortLock(s.path)
	if err != nil {
		return err
	}
	defer release()

	items, err := readJSON[[]domain.WebhookItem](s.path)
	if err != nil {
		return err
	}
	for _, existing := range items {
		if existing.ItemID == w.ItemID {
			return nil
		}
	}
	items = append(items, w)
	return writeJSON(s.path, items)
}

// Drain removes and returns every queued item.
func (s *WebhookQueueStore) Drain() ([]domain.WebhookItem, error) {
	release, err := AcquireShortLock(s.path)
	if err != nil {
		return nil, err
	}
	defer release()

	items, err := readJSON[[]domain.WebhookItem](s.path)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	if err := writeJSON(s.path, []domain.WebhookItem{}); err != nil {
		return nil, err
	}
	return items, nil
}

// ManagedPRStore is the bounded ordered set of PRs authored by the bot
// identity, keyed owner/repo#number.
type ManagedPRStore struct {
	dir *Dir
}

// NewManagedPRStore creates the managed-PR set.
func NewManagedPRStore(dir *Dir) *ManagedPRStore { return &ManagedPRStore{dir: dir} }

func (s *ManagedPRStore) path() string { return s.dir.Path(FileManagedPRs) }

// Add appends a key under lock; duplicates move to the most-recent position.
func (s *ManagedPRStore) Add(key string) error {
	release, err := AcquireShortLock(s.path())
	if err != nil {
		return err
	}
	defer release()

	keys, err := readJSON[[]string](s.path())
	if err != nil {
		return err
	}
	out := keys[:0]
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	out = append(out, key)
	if len(out) > MaxManagedPRs {
		out = out[len(out)-MaxManagedPRs:]
	}
	return writeJSON(s.path(), out)
}

// Recent returns up to n keys, most recent last.
func (s *ManagedPRStore) Recent(n int) ([]string, error) {
	keys, err := readJSON[[]string](s.path())
	if err != nil {
		return nil, err
	}
	if n > 0 && len(keys) > n {
		keys = keys[len(keys)-n:]
	}
	return keys, nil
}
