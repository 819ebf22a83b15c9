package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var linePattern = regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z\] \[INFO\] \[dispatch\] slot acquired (\{.*\})$`)

func TestLineHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewLineHandler(&buf, slog.LevelInfo))

	logger.Info("slot acquired",
		slog.String(TagKey, "dispatch"),
		slog.String("repo", "acme/tools"),
		slog.Int("number", 12))

	line := strings.TrimRight(buf.String(), "\n")
	m := linePattern.FindStringSubmatch(line)
	require.NotNil(t, m, "line %q does not match the layout", line)

	var fields map[string]any
	require.NoError(t, json.Unmarshal([]byte(m[1]), &fields))
	require.Equal(t, "acme/tools", fields["repo"])
	require.Equal(t, float64(12), fields["number"])
}

func TestLineHandlerOmitsEmptyTagAndJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewLineHandler(&buf, slog.LevelInfo))

	logger.Info("tick")

	line := strings.TrimRight(buf.String(), "\n")
	require.Regexp(t, `^\[.+\] \[INFO\] tick$`, line)
	require.NotContains(t, line, "[]")
}

func TestLineHandlerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewLineHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	require.Empty(t, buf.String())
}

func TestLineHandlerWithAttrsTag(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewLineHandler(&buf, slog.LevelInfo)).With(slog.String(TagKey, "review"))

	logger.Info("queued")
	require.Contains(t, buf.String(), "[review] queued")
}
