package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/config"
)

// logClassIssue and logClassIdle partition run logs for retention purposes.
const (
	logClassIssue = "repo-issue"
	logClassIdle  = "idle"
)

// Maintenance prunes the log directory and maintains the latest-<class>.path
// pointer files.
type Maintenance struct {
	cfg     config.LogMaintenance
	logsDir string
}

// NewMaintenance creates the log maintainer.
func NewMaintenance(cfg config.LogMaintenance, logsDir string) *Maintenance {
	return &Maintenance{cfg: cfg, logsDir: logsDir}
}

type logFile struct {
	path    string
	class   string
	size    int64
	modTime time.Time
}

// Run prunes expired and over-budget logs, newest-first protected, then
// refreshes the pointer files.
func (m *Maintenance) Run(now time.Time) error {
	files, err := m.scan()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	protected := m.protectedSet(files)
	removed := 0

	if m.cfg.MaxAgeDays > 0 {
		cutoff := now.Add(-time.Duration(m.cfg.MaxAgeDays) * 24 * time.Hour)
		files, removed = m.removeIf(files, protected, removed, func(f logFile) bool {
			return f.modTime.Before(cutoff)
		})
	}

	if m.cfg.MaxTotalMB > 0 {
		budget := int64(m.cfg.MaxTotalMB) * 1 << 20
		var total int64
		for _, f := range files {
			total += f.size
		}
		// Oldest first until under budget.
		sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
		for _, f := range files {
			if total <= budget {
				break
			}
			if protected[f.path] {
				continue
			}
			if err := os.Remove(f.path); err != nil {
				slog.Warn("log removal failed", slog.String("path", f.path), slog.Any("error", err))
				continue
			}
			total -= f.size
			removed++
		}
		files, err = m.scan()
		if err != nil {
			return err
		}
	}

	if removed > 0 {
		slog.Info("log maintenance pruned files", slog.Int("removed", removed))
	}
	return m.writePointers(files)
}

func (m *Maintenance) scan() ([]logFile, error) {
	entries, err := os.ReadDir(m.logsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=app.Maintenance.scan dir=%s: %w", m.logsDir, err)
	}
	var out []logFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, ierr := e.Info()
		if ierr != nil {
			continue
		}
		out = append(out, logFile{
			path:    filepath.Join(m.logsDir, e.Name()),
			class:   classOf(e.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	return out, nil
}

func classOf(name string) string {
	if strings.HasPrefix(name, logClassIdle+"-") {
		return logClassIdle
	}
	return logClassIssue
}

// protectedSet marks the newest N logs per class as undeletable.
func (m *Maintenance) protectedSet(files []logFile) map[string]bool {
	keep := map[string]int{
		logClassIssue: m.cfg.KeepLatest,
		logClassIdle:  m.cfg.TaskRunKeepLatest,
	}
	if keep[logClassIdle] == 0 {
		keep[logClassIdle] = m.cfg.KeepLatest
	}

	byClass := map[string][]logFile{}
	for _, f := range files {
		byClass[f.class] = append(byClass[f.class], f)
	}
	protected := map[string]bool{}
	for class, group := range byClass {
		sort.Slice(group, func(i, j int) bool { return group[i].modTime.After(group[j].modTime) })
		n := keep[class]
		if n > len(group) {
			n = len(group)
		}
		for _, f := range group[:n] {
			protected[f.path] = true
		}
	}
	return protected
}

func (m *Maintenance) removeIf(files []logFile, protected map[string]bool, removed int, expired func(logFile) bool) ([]logFile, int) {
	var kept []logFile
	for _, f := range files {
		if !expired(f) || protected[f.path] {
			kept = append(kept, f)
			continue
		}
		if err := os.Remove(f.path); err != nil {
			slog.Warn("log removal failed", slog.String("path", f.path), slog.Any("error", err))
			kept = append(kept, f)
			continue
		}
		removed++
	}
	return kept, removed
}

// writePointers records the newest log path per class in latest-<class>.path.
func (m *Maintenance) writePointers(files []logFile) error {
	newest := map[string]logFile{}
	for _, f := range files {
		if cur, ok := newest[f.class]; !ok || f.modTime.After(cur.modTime) {
			newest[f.class] = f
		}
	}
	for class, f := range newest {
		pointer := filepath.Join(m.logsDir, "latest-"+class+".path")
		if err := os.WriteFile(pointer, []byte(f.path+"\n"), 0o600); err != nil {
			return fmt.Errorf("op=app.Maintenance.writePointers class=%s: %w", class, err)
		}
	}
	return nil
}
