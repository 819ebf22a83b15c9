package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// State file names under <workdir>/agent-runner/state/.
const (
	FileRepos          = "repos.json"
	FileSessions       = "issue-sessions.json"
	FileRunning        = "running.json"
	FileRetries        = "scheduled-retries.json"
	FileReviewQueue    = "review-queue.json"
	FileManagedPRs     = "managed-pull-requests.json"
	FileWebhookQueue   = "webhook-queue.json"
	FileWebhookCatchup = "webhook-catchup.json"
	FileCommandState   = "agent-command-state.json"
	FileIdleHistory    = "idle-history.json"
	FileIdleReport     = "idle-report.json"
	FileGeminiBackoff  = "gemini-capacity-backoff.json"
	FileGeminiWarmup   = "gemini-warmup.json"
	FileAmazonQUsage   = "amazon-q-usage.json"
	FileStopRequest    = "stop.request.json"
	FileUIServer       = "ui-server.json"
)

// readJSON loads path into a T. Absent files return the zero value; invalid
// content fails fast with ErrStateCorrupt naming the path.
func readJSON[T any](path string) (T, error) {
	var v T
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return v, nil
	}
	if err != nil {
		return v, fmt.Errorf("op=state.readJSON path=%s: %w", path, err)
	}
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("op=state.readJSON path=%s: %v: %w", path, err, domain.ErrStateCorrupt)
	}
	return v, nil
}

// writeJSON writes v to path atomically (temp file + rename).
func writeJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("op=state.writeJSON path=%s: %w", path, err)
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("op=state.writeJSON path=%s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("op=state.writeJSON path=%s: %w", path, err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("op=state.writeJSON path=%s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("op=state.writeJSON path=%s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("op=state.writeJSON path=%s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("op=state.writeJSON path=%s: %w", path, err)
	}
	ok = true
	return nil
}

// Dir is a handle on the state directory; every typed store hangs off it.
type Dir struct {
	root string
}

// NewDir creates the state directory handle, making the directory if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("op=state.NewDir root=%s: %w", root, err)
	}
	return &Dir{root: root}, nil
}

// Root returns the state directory path.
func (d *Dir) Root() string { return d.root }

// Path returns the absolute path of a state file.
func (d *Dir) Path(name string) string { return filepath.Join(d.root, name) }

// StopRequested reports whether a stop flag has been written.
func (d *Dir) StopRequested() bool {
	_, err := os.Stat(d.Path(FileStopRequest))
	return err == nil
}

// RequestStop writes the stop flag consumed by a running orchestrator.
func (d *Dir) RequestStop() error {
	return writeJSON(d.Path(FileStopRequest), map[string]any{"requested_at": nowUTC()})
}

// ClearStop removes the stop flag.
func (d *Dir) ClearStop() error {
	err := os.Remove(d.Path(FileStopRequest))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("op=state.ClearStop: %w", err)
	}
	return nil
}
