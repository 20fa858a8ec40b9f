package log

import (
	"context"
	"log/slog"
	"strings"
)

type Key struct{}

var LoggerKey = Key{}

// LevelTrace is a custom trace level for slog
// Using LevelDebug - 4 which equals -8
const LevelTrace = slog.LevelDebug - 4

// LevelCritical sits above error. With zero verbosity only critical records
// are written, which keeps the agent silent unless it is about to exit.
const LevelCritical = slog.LevelError + 4

// Component attribute values. Each subsystem logs with one of these so a
// single stream can be filtered the way separate named loggers would be.
const (
	ComponentMain        = "main"
	ComponentEvents      = "events"
	ComponentStats       = "stats"
	ComponentEventReader = "event-reader"
	ComponentStatsReader = "stats-reader"
)

func ConfigLevelStringToSlogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "critical":
		return LevelCritical
	default:
		return slog.LevelError
	}
}

// VerbosityToLevel maps the repeatable -v flag onto a level.
func VerbosityToLevel(count int) slog.Level {
	switch {
	case count <= 0:
		return LevelCritical
	case count == 1:
		return slog.LevelError
	case count == 2:
		return slog.LevelWarn
	case count == 3:
		return slog.LevelInfo
	case count == 4:
		return slog.LevelDebug
	default:
		return LevelTrace
	}
}

// Component returns a child logger tagged with the component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = Discard()
	}
	return logger.With("component", name)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// FromContext returns the logger stored under LoggerKey or a discarding logger.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	return Discard()
}
