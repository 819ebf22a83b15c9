package state

import (
	"time"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// RetryStore persists scheduled retries in scheduled-retries.json, keyed by
// item id.
type RetryStore struct {
	dir *Dir
}

// NewRetryStore creates the scheduled-retry store.
func NewRetryStore(dir *Dir) *RetryStore { return &RetryStore{dir: dir} }

func (s *RetryStore) path() string { return s.dir.Path(FileRetries) }

// List returns all scheduled retries.
func (s *RetryStore) List() ([]domain.ScheduledRetry, error) {
	return readJSON[[]domain.ScheduledRetry](s.path())
}

// Put inserts or replaces the retry for an item.
func (s *RetryStore) Put(r domain.ScheduledRetry) error {
	release, err := AcquireShortLock(s.path())
	if err != nil {
		return err
	}
	defer release()

	retries, err := readJSON[[]domain.ScheduledRetry](s.path())
	if err != nil {
		return err
	}
	out := retries[:0]
	for _, existing := range retries {
		if existing.ItemID != r.ItemID {
			out = append(out, existing)
		}
	}
	out = append(out, r)
	return writeJSON(s.path(), out)
}

// Delete drops the retry for an item, if any.
func (s *RetryStore) Delete(itemID int64) error {
	release, err := AcquireShortLock(s.path())
	if err != nil {
		return err
	}
	defer release()

	retries, err := readJSON[[]domain.ScheduledRetry](s.path())
	if err != nil {
		return err
	}
	out := retries[:0]
	for _, existing := range retries {
		if existing.ItemID != itemID {
			out = append(out, existing)
		}
	}
	return writeJSON(s.path(), out)
}

// TakeDue removes and returns every retry due at now, preserving schedule
// order.
func (s *RetryStore) TakeDue(now time.Time) ([]domain.ScheduledRetry, error) {
	release, err := AcquireShortLock(s.path())
	if err != nil {
		return nil, err
	}
	defer release()

	retries, err := readJSON[[]domain.ScheduledRetry](s.path())
	if err != nil {
		return nil, err
	}
	var due []domain.ScheduledRetry
	var rest []domain.ScheduledRetry
	for _, r := range retries {
		if r.Due(now) {
			due = append(due, r)
		} else {
			rest = append(rest, r)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	if err := writeJSON(s.path(), rest); err != nil {
		return nil, err
	}
	return due, nil
}
