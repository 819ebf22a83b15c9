package state

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

func nowUTC() time.Time { return time.Now().UTC() }

// runningFile is the single-document representation of live runs: the
// activity table plus the legacy per-issue projection, kept in sync so
// recovery code can find orphans either way.
type runningFile struct {
	Activities []domain.Activity     `json:"activities"`
	Issues     []domain.RunningIssue `json:"issues"`
}

// RunningStore persists Activity and RunningIssue records in running.json.
// It implements both domain.ActivityStore and domain.RunningIssueStore.
type RunningStore struct {
	dir *Dir
}

// NewRunningStore creates the running-record store.
func NewRunningStore(dir *Dir) *RunningStore { return &RunningStore{dir: dir} }

func (s *RunningStore) path() string { return s.dir.Path(FileRunning) }

func (s *RunningStore) load() (runningFile, error) {
	return readJSON[runningFile](s.path())
}

func (s *RunningStore) save(f runningFile) error {
	return writeJSON(s.path(), f)
}

// List returns all live activity records.
func (s *RunningStore) List() ([]domain.Activity, error) {
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	return f.Activities, nil
}

// Put inserts or replaces an activity record by id.
func (s *RunningStore) Put(a domain.Activity) error {
	release, err := AcquireShortLock(s.path())
	if err != nil {
		return err
	}
	defer release()

	f, err := s.load()
	if err != nil {
		return err
	}
	out := f.Activities[:0]
	for _, existing := range f.Activities {
		if existing.ID != a.ID {
			out = append(out, existing)
		}
	}
	f.Activities = append(out, a)
	return s.save(f)
}

// Delete removes an activity record by id.
func (s *RunningStore) Delete(id string) error {
	release, err := AcquireShortLock(s.path())
	if err != nil {
		return err
	}
	defer release()

	f, err := s.load()
	if err != nil {
		return err
	}
	out := f.Activities[:0]
	for _, existing := range f.Activities {
		if existing.ID != id {
			out = append(out, existing)
		}
	}
	f.Activities = out
	return s.save(f)
}

// Issues returns the legacy per-issue projections.
func (s *RunningStore) Issues() ([]domain.RunningIssue, error) {
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	return f.Issues, nil
}

// PutIssue inserts or replaces a running-issue projection.
func (s *RunningStore) PutIssue(r domain.RunningIssue) error {
	release, err := AcquireShortLock(s.path())
	if err != nil {
		return err
	}
	defer release()

	f, err := s.load()
	if err != nil {
		return err
	}
	out := f.Issues[:0]
	for _, existing := range f.Issues {
		if existing.ItemID != r.ItemID {
			out = append(out, existing)
		}
	}
	f.Issues = append(out, r)
	return s.save(f)
}

// DeleteIssue removes a running-issue projection by item id.
func (s *RunningStore) DeleteIssue(itemID int64) error {
	release, err := AcquireShortLock(s.path())
	if err != nil {
		return err
	}
	defer release()

	f, err := s.load()
	if err != nil {
		return err
	}
	out := f.Issues[:0]
	for _, existing := range f.Issues {
		if existing.ItemID != itemID {
			out = append(out, existing)
		}
	}
	f.Issues = out
	return s.save(f)
}

// IssueActivityID builds the activity id for a work item.
func IssueActivityID(itemID int64) string { return fmt.Sprintf("issue:%d", itemID) }
