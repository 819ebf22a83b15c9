package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

func TestAcquireLockAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json.lock")

	release, err := AcquireLock(path, time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)

	release()
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestAcquireLockContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json.lock")

	// A live holder (our own PID) blocks acquisition until timeout.
	release, err := AcquireLock(path, time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	defer release()

	_, err = AcquireLock(path, 100*time.Millisecond, 10*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrLockContention)
}

func TestAcquireLockDeadHolderTakeover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json.lock")
	// PID 1 exists but most tests run unprivileged; use an implausibly large
	// dead PID instead.
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o600))

	release, err := AcquireLock(path, time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	release()
}

func TestProcessLockAbortsOnLiveHolder(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireProcessLock(dir)
	require.NoError(t, err)
	defer lock.Release()

	_, err = AcquireProcessLock(dir)
	require.ErrorIs(t, err, domain.ErrLockHeld)
	require.Contains(t, err.Error(), "pid")
}

func TestProcessLockReclaimsDeadHolder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runner.lock"), []byte("999999999\n"), 0o600))

	lock, err := AcquireProcessLock(dir)
	require.NoError(t, err)
	lock.Release()
}

func TestRepoLocksTryAcquire(t *testing.T) {
	locks := NewRepoLocks(t.TempDir())

	release, ok := locks.TryAcquire("acme/tools")
	require.True(t, ok)

	_, ok = locks.TryAcquire("acme/tools")
	require.False(t, ok, "second acquisition must fail while held")

	release()
	release, ok = locks.TryAcquire("acme/tools")
	require.True(t, ok)
	release()
}

func TestRepoLocksAcquireAllOrdered(t *testing.T) {
	dir := t.TempDir()
	locks := NewRepoLocks(dir)

	release, err := locks.AcquireAll([]string{"acme/zeta", "acme/alpha"})
	require.NoError(t, err)

	for _, name := range []string{"acme--alpha.lock", "acme--zeta.lock"} {
		_, err := os.Stat(filepath.Join(dir, "repo-locks", name))
		require.NoError(t, err)
	}
	release()
	for _, name := range []string{"acme--alpha.lock", "acme--zeta.lock"} {
		_, err := os.Stat(filepath.Join(dir, "repo-locks", name))
		require.True(t, os.IsNotExist(err))
	}
}
