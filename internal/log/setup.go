package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
)

const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// Formats lists the accepted values of the log-format setting.
var Formats = []string{FormatAuto, FormatText, FormatJSON}

// Options configures the process logger.
type Options struct {
	Level  slog.Level
	Format string
	// File, when set, receives all records. Error records are then mirrored
	// to Stderr in the friendly format.
	File   string
	Stderr io.Writer
}

// New builds the agent logger. The returned closer releases the log file, if any.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	var (
		primaryOut io.Writer = stderr
		closer     io.Closer = nopCloser{}
		secondary  slog.Handler
	)

	if path := strings.TrimSpace(opts.File); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		primaryOut = f
		closer = f
		secondary = NewFriendlyErrorHandler(stderr)
	}

	handlerOpts := &slog.HandlerOptions{
		Level:       opts.Level,
		ReplaceAttr: replaceLevelNames,
	}

	var primary slog.Handler
	switch resolveFormat(opts.Format, primaryOut) {
	case FormatJSON:
		primary = slog.NewJSONHandler(primaryOut, handlerOpts)
	default:
		primary = slog.NewTextHandler(primaryOut, handlerOpts)
	}

	logger := slog.New(NewDualHandler(primary, secondary)).With("run_id", uuid.NewString())
	return logger, closer, nil
}

func resolveFormat(format string, out io.Writer) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatJSON:
		return FormatJSON
	case FormatText:
		return FormatText
	}
	if f, ok := out.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return FormatText
	}
	return FormatJSON
}

// replaceLevelNames renders the custom levels by name instead of "DEBUG-4".
func replaceLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch level {
	case LevelTrace:
		a.Value = slog.StringValue("TRACE")
	case LevelCritical:
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
