// Package observability provides logging, metrics, and tracing.
//
// Runner logs are line-oriented: every line carries an ISO-8601 timestamp,
// level, optional tag and message, followed by the remaining attributes as a
// JSON object when present.
package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TagKey is the attribute key rendered as the bracketed log tag.
const TagKey = "tag"

// SetupLogger configures the default slog logger. Runner output goes to w in
// the line format; pass os.Stdout for interactive runs.
func SetupLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(NewLineHandler(w, level))
	slog.SetDefault(logger)
	return logger
}

// LineHandler is a slog.Handler emitting `[ISO8601] [LEVEL] [TAG] msg JSON?`
// lines. The tag is taken from the "tag" attribute and must be a non-empty
// string when present.
type LineHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Level
	tag   string
	attrs []slog.Attr
}

// NewLineHandler creates a line-format handler writing to w.
func NewLineHandler(w io.Writer, level slog.Level) *LineHandler {
	return &LineHandler{mu: &sync.Mutex{}, w: w, level: level}
}

// Enabled implements slog.Handler.
func (h *LineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// WithAttrs implements slog.Handler.
func (h *LineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if a.Key == TagKey {
			clone.tag = a.Value.String()
			continue
		}
		clone.attrs = append(clone.attrs, a)
	}
	return &clone
}

// WithGroup implements slog.Handler; groups are flattened.
func (h *LineHandler) WithGroup(string) slog.Handler { return h }

// Handle implements slog.Handler.
func (h *LineHandler) Handle(_ context.Context, rec slog.Record) error {
	tag := h.tag
	fields := map[string]any{}
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Any()
	}
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == TagKey {
			tag = a.Value.String()
			return true
		}
		if err, ok := a.Value.Any().(error); ok {
			fields[a.Key] = err.Error()
			return true
		}
		fields[a.Key] = a.Value.Any()
		return true
	})

	line := fmt.Sprintf("[%s] [%s]", rec.Time.UTC().Format(time.RFC3339), rec.Level.String())
	if tag != "" {
		line += " [" + tag + "]"
	}
	line += " " + rec.Message
	if len(fields) > 0 {
		if raw, err := json.Marshal(fields); err == nil {
			line += " " + string(raw)
		}
	}
	line += "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line)
	return err
}

// OpenRunLog opens (append, create) a run log file and returns a logger that
// writes both to it and to stdout with the given tag.
func OpenRunLog(path, tag string) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("op=observability.OpenRunLog path=%s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("op=observability.OpenRunLog path=%s: %w", path, err)
	}
	h := NewLineHandler(io.MultiWriter(f, os.Stdout), slog.LevelInfo)
	return slog.New(h).With(slog.String(TagKey, tag)), f, nil
}
