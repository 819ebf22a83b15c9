// Package state implements the durable store and lock manager: per-record-set
// JSON files under the state directory, guarded by advisory lock files with
// liveness-probe takeover.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

const (
	shortLockTimeout = 2 * time.Second
	shortLockPoll    = 50 * time.Millisecond
	repoLockTimeout  = 5 * time.Minute
	repoLockPoll     = 100 * time.Millisecond
)

// pidAlive probes a PID for liveness with a null signal.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// PIDAlive reports whether pid belongs to a live process.
func PIDAlive(pid int) bool { return pidAlive(pid) }

// tryLockFile attempts a single O_EXCL acquisition of path, writing the
// holder PID. A dead holder is reclaimed. Returns (acquired, holderPID).
func tryLockFile(path string) (bool, int, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err == nil {
		_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
		cerr := f.Close()
		if werr != nil || cerr != nil {
			_ = os.Remove(path)
			return false, 0, fmt.Errorf("op=state.tryLockFile path=%s: write: %w", path, errors.Join(werr, cerr))
		}
		return true, 0, nil
	}
	if !os.IsExist(err) {
		return false, 0, fmt.Errorf("op=state.tryLockFile path=%s: %w", path, err)
	}

	raw, rerr := os.ReadFile(path)
	if rerr != nil {
		if os.IsNotExist(rerr) {
			return false, 0, nil // holder released between stat and read
		}
		return false, 0, fmt.Errorf("op=state.tryLockFile path=%s: %w", path, rerr)
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(raw)))
	if pidAlive(pid) {
		return false, pid, nil
	}
	// Dead holder: reclaim and retry on the next poll.
	_ = os.Remove(path)
	return false, 0, nil
}

// AcquireLock takes the lock file at path, polling until timeout. The
// returned release func is safe to call on every exit path.
func AcquireLock(path string, timeout, poll time.Duration) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("op=state.AcquireLock path=%s: %w", path, err)
	}
	deadline := time.Now().Add(timeout)
	for {
		ok, holder, err := tryLockFile(path)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { _ = os.Remove(path) }, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("op=state.AcquireLock path=%s holder_pid=%d: %w", path, holder, domain.ErrLockContention)
		}
		time.Sleep(poll)
	}
}

// AcquireShortLock takes a sibling store lock with the default short policy.
func AcquireShortLock(storePath string) (func(), error) {
	return AcquireLock(storePath+".lock", shortLockTimeout, shortLockPoll)
}

// ProcessLock is the singleton runner.lock guarding a working directory.
type ProcessLock struct {
	path string
}

// AcquireProcessLock creates runner.lock exclusively. A dead holder is
// reclaimed; a live holder aborts with ErrLockHeld naming its PID.
func AcquireProcessLock(stateDir string) (*ProcessLock, error) {
	path := filepath.Join(stateDir, "runner.lock")
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("op=state.AcquireProcessLock: %w", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		ok, holder, err := tryLockFile(path)
		if err != nil {
			return nil, err
		}
		if ok {
			return &ProcessLock{path: path}, nil
		}
		if holder > 0 {
			return nil, fmt.Errorf("op=state.AcquireProcessLock path=%s: another orchestrator (pid %d) owns this workdir: %w",
				path, holder, domain.ErrLockHeld)
		}
		// Dead holder was reclaimed; retry once.
	}
	return nil, fmt.Errorf("op=state.AcquireProcessLock path=%s: %w", path, domain.ErrLockContention)
}

// Release removes the process lock file.
func (p *ProcessLock) Release() {
	if p != nil {
		_ = os.Remove(p.path)
	}
}

// repoLockName flattens owner/repo into a lock file name.
func repoLockName(repo string) string {
	return strings.ReplaceAll(repo, "/", "--") + ".lock"
}

// RepoLocks hands out per-repository working-tree and git-cache locks.
type RepoLocks struct {
	stateDir string
}

// NewRepoLocks creates a lock dispenser rooted at the state directory.
func NewRepoLocks(stateDir string) *RepoLocks { return &RepoLocks{stateDir: stateDir} }

// Acquire takes the working-tree lock for one repository.
func (r *RepoLocks) Acquire(repo string) (func(), error) {
	return AcquireLock(filepath.Join(r.stateDir, "repo-locks", repoLockName(repo)), repoLockTimeout, repoLockPoll)
}

// TryAcquire takes the working-tree lock without waiting.
func (r *RepoLocks) TryAcquire(repo string) (func(), bool) {
	path := filepath.Join(r.stateDir, "repo-locks", repoLockName(repo))
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false
	}
	ok, _, err := tryLockFile(path)
	if err != nil || !ok {
		return nil, false
	}
	return func() { _ = os.Remove(path) }, true
}

// AcquireGitCache takes the git-cache lock for one repository.
func (r *RepoLocks) AcquireGitCache(repo string) (func(), error) {
	return AcquireLock(filepath.Join(r.stateDir, "git-cache-locks", repoLockName(repo)), repoLockTimeout, repoLockPoll)
}

// AcquireAll takes working-tree locks for several repositories in
// deterministic lexicographic order to preclude deadlock.
func (r *RepoLocks) AcquireAll(repos []string) (func(), error) {
	sorted := append([]string{}, repos...)
	sort.Strings(sorted)
	releases := make([]func(), 0, len(sorted))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, repo := range sorted {
		rel, err := r.Acquire(repo)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, rel)
	}
	return releaseAll, nil
}
