package state

import (
	"time"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// MaxProcessedCommands bounds the most-recent set of handled comment ids.
const MaxProcessedCommands = 10000

// RepoCacheStore persists the last-known in-scope repository list.
type RepoCacheStore struct {
	dir *Dir
}

// NewRepoCacheStore creates the repo cache store.
func NewRepoCacheStore(dir *Dir) *RepoCacheStore { return &RepoCacheStore{dir: dir} }

// Get returns the cached repository list.
func (s *RepoCacheStore) Get() (domain.RepoCache, error) {
	return readJSON[domain.RepoCache](s.dir.Path(FileRepos))
}

// Put replaces the cached repository list.
func (s *RepoCacheStore) Put(c domain.RepoCache) error {
	return writeJSON(s.dir.Path(FileRepos), c)
}

// IdleHistoryStore persists idle-task rotation state.
type IdleHistoryStore struct {
	dir *Dir
}

// NewIdleHistoryStore creates the idle-history store.
func NewIdleHistoryStore(dir *Dir) *IdleHistoryStore { return &IdleHistoryStore{dir: dir} }

// Get returns the idle history, with a non-nil repo map.
func (s *IdleHistoryStore) Get() (domain.IdleHistory, error) {
	h, err := readJSON[domain.IdleHistory](s.dir.Path(FileIdleHistory))
	if err != nil {
		return h, err
	}
	if h.Repos == nil {
		h.Repos = map[string]domain.IdleRepoHistory{}
	}
	return h, nil
}

// Put replaces the idle history.
func (s *IdleHistoryStore) Put(h domain.IdleHistory) error {
	return writeJSON(s.dir.Path(FileIdleHistory), h)
}

// IdleReport is the last cycle's idle scheduling outcome, for `status`.
type IdleReport struct {
	RanAt   time.Time `json:"ran_at"`
	Started []string  `json:"started,omitempty"`
	Skipped []string  `json:"skipped,omitempty"`
}

// PutIdleReport records the latest idle report.
func (s *IdleHistoryStore) PutIdleReport(r IdleReport) error {
	return writeJSON(s.dir.Path(FileIdleReport), r)
}

// CommandState is the bounded most-recent set of processed comment ids,
// guaranteeing at-most-once handling of inline commands.
type CommandState struct {
	dir *Dir
}

// NewCommandState creates the processed-commands store.
func NewCommandState(dir *Dir) *CommandState { return &CommandState{dir: dir} }

func (s *CommandState) path() string { return s.dir.Path(FileCommandState) }

// Processed reports whether the comment id was already handled.
func (s *CommandState) Processed(commentID int64) (bool, error) {
	ids, err := readJSON[[]int64](s.path())
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == commentID {
			return true, nil
		}
	}
	return false, nil
}

// MarkProcessed records a handled comment id, trimming the oldest beyond the
// bound.
func (s *CommandState) MarkProcessed(commentID int64) error {
	release, err := AcquireShortLock(s.path())
	if err != nil {
		return err
	}
	defer release()

	ids, err := readJSON[[]int64](s.path())
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == commentID {
			return nil
		}
	}
	ids = append(ids, commentID)
	if len(ids) > MaxProcessedCommands {
		ids = ids[len(ids)-MaxProcessedCommands:]
	}
	return writeJSON(s.path(), ids)
}

// CatchupState persists the webhook catch-up scan's last-run timestamp.
type CatchupState struct {
	dir *Dir
}

// NewCatchupState creates the catch-up store.
func NewCatchupState(dir *Dir) *CatchupState { return &CatchupState{dir: dir} }

type catchupFile struct {
	LastRunAt time.Time `json:"last_run_at"`
}

// LastRun returns the previous catch-up scan time.
func (s *CatchupState) LastRun() (time.Time, error) {
	f, err := readJSON[catchupFile](s.dir.Path(FileWebhookCatchup))
	return f.LastRunAt, err
}

// SetLastRun records a completed catch-up scan.
func (s *CatchupState) SetLastRun(t time.Time) error {
	return writeJSON(s.dir.Path(FileWebhookCatchup), catchupFile{LastRunAt: t.UTC()})
}

// GeminiBackoffStore is the provider-specific transient-exhaustion memo:
// model id -> blocked_until.
type GeminiBackoffStore struct {
	dir *Dir
}

// NewGeminiBackoffStore creates the capacity-backoff store.
func NewGeminiBackoffStore(dir *Dir) *GeminiBackoffStore { return &GeminiBackoffStore{dir: dir} }

func (s *GeminiBackoffStore) path() string { return s.dir.Path(FileGeminiBackoff) }

// BlockedUntil returns the backoff deadline for a model, zero when unset.
func (s *GeminiBackoffStore) BlockedUntil(model string) (time.Time, error) {
	m, err := readJSON[map[string]time.Time](s.path())
	if err != nil {
		return time.Time{}, err
	}
	return m[model], nil
}

// Block records a no-capacity failure window for a model.
func (s *GeminiBackoffStore) Block(model string, until time.Time) error {
	release, err := AcquireShortLock(s.path())
	if err != nil {
		return err
	}
	defer release()

	m, err := readJSON[map[string]time.Time](s.path())
	if err != nil {
		return err
	}
	if m == nil {
		m = map[string]time.Time{}
	}
	m[model] = until.UTC()
	return writeJSON(s.path(), m)
}

// WarmupStore records the last warmup attempt per model.
type WarmupStore struct {
	dir *Dir
}

// NewWarmupStore creates the warmup store.
func NewWarmupStore(dir *Dir) *WarmupStore { return &WarmupStore{dir: dir} }

func (s *WarmupStore) path() string { return s.dir.Path(FileGeminiWarmup) }

// LastAttempt returns the last warmup attempt time for a model.
func (s *WarmupStore) LastAttempt(model string) (time.Time, error) {
	m, err := readJSON[map[string]time.Time](s.path())
	if err != nil {
		return time.Time{}, err
	}
	return m[model], nil
}

// RecordAttempt stores a warmup attempt timestamp.
func (s *WarmupStore) RecordAttempt(model string, at time.Time) error {
	release, err := AcquireShortLock(s.path())
	if err != nil {
		return err
	}
	defer release()

	m, err := readJSON[map[string]time.Time](s.path())
	if err != nil {
		return err
	}
	if m == nil {
		m = map[string]time.Time{}
	}
	m[model] = at.UTC()
	return writeJSON(s.path(), m)
}

// MonthlyUsage is a locally counted usage bucket keyed by UTC month.
type MonthlyUsage struct {
	PeriodKey string `json:"period_key"`
	Used      int    `json:"used"`
}

// AmazonQUsageStore counts provider usage into a monthly state file.
type AmazonQUsageStore struct {
	dir *Dir
}

// NewAmazonQUsageStore creates the monthly usage store.
func NewAmazonQUsageStore(dir *Dir) *AmazonQUsageStore { return &AmazonQUsageStore{dir: dir} }

func (s *AmazonQUsageStore) path() string { return s.dir.Path(FileAmazonQUsage) }

// PeriodKey formats the UTC month key for t.
func PeriodKey(t time.Time) string { return t.UTC().Format("2006-01") }

// Get returns the usage for the month containing now, rolling the period if
// the stored key is stale. The roll is persisted so the key advances exactly
// once per month.
func (s *AmazonQUsageStore) Get(now time.Time) (MonthlyUsage, error) {
	u, err := readJSON[MonthlyUsage](s.path())
	if err != nil {
		return MonthlyUsage{}, err
	}
	key := PeriodKey(now)
	if u.PeriodKey != key {
		u = MonthlyUsage{PeriodKey: key, Used: 0}
		if err := writeJSON(s.path(), u); err != nil {
			return MonthlyUsage{}, err
		}
	}
	return u, nil
}

// Add increments the usage counter for the month containing now.
func (s *AmazonQUsageStore) Add(now time.Time, n int) error {
	release, err := AcquireShortLock(s.path())
	if err != nil {
		return err
	}
	defer release()

	u, err := s.Get(now)
	if err != nil {
		return err
	}
	u.Used += n
	return writeJSON(s.path(), u)
}

// UIServerInfo records the status endpoint address for the `status` command.
type UIServerInfo struct {
	Addr      string    `json:"addr"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// PutUIServerInfo writes ui-server.json.
func (d *Dir) PutUIServerInfo(info UIServerInfo) error {
	return writeJSON(d.Path(FileUIServer), info)
}

// GetUIServerInfo reads ui-server.json.
func (d *Dir) GetUIServerInfo() (UIServerInfo, error) {
	return readJSON[UIServerInfo](d.Path(FileUIServer))
}
