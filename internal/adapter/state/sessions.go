package state

import (
	"strconv"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// sessionsFile maps item id (as string, for stable JSON keys) to session.
type sessionsFile map[string]domain.Session

// SessionStore persists item -> engine session token mappings in
// issue-sessions.json.
type SessionStore struct {
	dir *Dir
}

// NewSessionStore creates the file-backed session store.
func NewSessionStore(dir *Dir) *SessionStore { return &SessionStore{dir: dir} }

func (s *SessionStore) path() string { return s.dir.Path(FileSessions) }

// Get returns the session for an item, if any.
func (s *SessionStore) Get(itemID int64) (domain.Session, bool, error) {
	f, err := readJSON[sessionsFile](s.path())
	if err != nil {
		return domain.Session{}, false, err
	}
	sess, ok := f[strconv.FormatInt(itemID, 10)]
	return sess, ok, nil
}

// Put records the token for an item. UpdatedAt is monotonic: a write never
// moves it backwards.
func (s *SessionStore) Put(itemID int64, token string) error {
	release, err := AcquireShortLock(s.path())
	if err != nil {
		return err
	}
	defer release()

	f, err := readJSON[sessionsFile](s.path())
	if err != nil {
		return err
	}
	if f == nil {
		f = sessionsFile{}
	}
	key := strconv.FormatInt(itemID, 10)
	now := nowUTC()
	if prev, ok := f[key]; ok && prev.UpdatedAt.After(now) {
		now = prev.UpdatedAt
	}
	f[key] = domain.Session{ItemID: itemID, Token: token, UpdatedAt: now}
	return writeJSON(s.path(), f)
}

// Clear removes the session for an item. Only explicit reset commands call
// this; ordinary failures keep the token for resume.
func (s *SessionStore) Clear(itemID int64) error {
	release, err := AcquireShortLock(s.path())
	if err != nil {
		return err
	}
	defer release()

	f, err := readJSON[sessionsFile](s.path())
	if err != nil {
		return err
	}
	delete(f, strconv.FormatInt(itemID, 10))
	return writeJSON(s.path(), f)
}
