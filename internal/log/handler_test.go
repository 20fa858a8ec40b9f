package log

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDualHandlerMirrorsErrorsToSecondary(t *testing.T) {
	t.Cleanup(EnableErrorMirroring)
	EnableErrorMirroring()

	var primaryBuf bytes.Buffer
	var secondaryBuf bytes.Buffer

	primary := slog.NewTextHandler(&primaryBuf, &slog.HandlerOptions{Level: slog.LevelInfo})
	secondary := slog.NewTextHandler(&secondaryBuf, &slog.HandlerOptions{Level: slog.LevelError})
	logger := slog.New(NewDualHandler(primary, secondary)).With("component", ComponentMain)

	logger.Error("broker unreachable", slog.String("host", "localhost"))
	logger.Info("still going")

	assert.Contains(t, primaryBuf.String(), "broker unreachable")
	assert.Contains(t, primaryBuf.String(), "still going")
	assert.Contains(t, secondaryBuf.String(), "broker unreachable")
	assert.Contains(t, secondaryBuf.String(), "component=main")
	assert.NotContains(t, secondaryBuf.String(), "still going")
}

func TestDualHandlerCanDisableMirroring(t *testing.T) {
	t.Cleanup(EnableErrorMirroring)
	DisableErrorMirroring()

	var primaryBuf bytes.Buffer
	var secondaryBuf bytes.Buffer

	primary := slog.NewTextHandler(&primaryBuf, &slog.HandlerOptions{Level: slog.LevelInfo})
	secondary := slog.NewTextHandler(&secondaryBuf, &slog.HandlerOptions{Level: slog.LevelError})
	logger := slog.New(NewDualHandler(primary, secondary))

	logger.Error("boom")

	assert.Contains(t, primaryBuf.String(), "boom")
	assert.Empty(t, secondaryBuf.String())
}

func TestFriendlyHandlerRendersSortedAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewFriendlyErrorHandler(&buf)).With("run_id", "abc", "component", ComponentEvents)

	logger.Error("could not publish", "topic", "systemctl/host/foo.service/events", "error", errors.New("not connected"))
	logger.Warn("ignored")

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "Error: could not publish\n"), out)
	assert.NotContains(t, out, "run_id")
	assert.NotContains(t, out, "ignored")
	assert.Less(t, strings.Index(out, "component:"), strings.Index(out, "error:"))
	assert.Less(t, strings.Index(out, "error:"), strings.Index(out, "topic:"))
}

func TestFriendlyHandlerCriticalLabel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewFriendlyErrorHandler(&buf))
	logger.Log(t.Context(), LevelCritical, "nothing started, check your config")
	assert.Equal(t, "Critical: nothing started, check your config\n", buf.String())
}

func TestVerbosityToLevel(t *testing.T) {
	cases := map[int]slog.Level{
		0: LevelCritical,
		1: slog.LevelError,
		2: slog.LevelWarn,
		3: slog.LevelInfo,
		4: slog.LevelDebug,
		5: LevelTrace,
		9: LevelTrace,
	}
	for count, want := range cases {
		assert.Equal(t, want, VerbosityToLevel(count), "count %d", count)
	}
}

func TestConfigLevelStringToSlogLevel(t *testing.T) {
	assert.Equal(t, LevelTrace, ConfigLevelStringToSlogLevel("TRACE"))
	assert.Equal(t, slog.LevelWarn, ConfigLevelStringToSlogLevel("warning"))
	assert.Equal(t, LevelCritical, ConfigLevelStringToSlogLevel("critical"))
	assert.Equal(t, slog.LevelError, ConfigLevelStringToSlogLevel("bogus"))
}

func TestNewWritesToFileAndMirrorsErrors(t *testing.T) {
	t.Cleanup(EnableErrorMirroring)
	EnableErrorMirroring()

	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	var stderr bytes.Buffer

	logger, closer, err := New(Options{Level: slog.LevelInfo, Format: FormatJSON, File: path, Stderr: &stderr})
	require.NoError(t, err)

	logger.Info("started")
	logger.Error("failed")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"msg":"started"`)
	assert.Contains(t, string(raw), `"run_id"`)
	assert.Equal(t, "Error: failed\n", stderr.String())
}

func TestNewTextLevelNames(t *testing.T) {
	var stderr bytes.Buffer
	logger, _, err := New(Options{Level: LevelTrace, Format: FormatText, Stderr: &stderr})
	require.NoError(t, err)

	logger.Log(t.Context(), LevelTrace, "line")
	assert.Contains(t, stderr.String(), "level=TRACE")
}

func TestFromContextFallsBackToDiscard(t *testing.T) {
	logger := FromContext(t.Context())
	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(t.Context(), LevelCritical))
}
