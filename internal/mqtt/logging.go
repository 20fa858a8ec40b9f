package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/kong/systemctl2mqtt/internal/log"
)

var wireOnce sync.Once

// wireLibraryLogging routes the paho package loggers into slog. paho keeps
// them as package variables so only the first logger wins.
func wireLibraryLogging(logger *slog.Logger) {
	wireOnce.Do(func() {
		paho.ERROR = libraryLogger{logger: logger, level: slog.LevelError}
		paho.CRITICAL = libraryLogger{logger: logger, level: log.LevelCritical}
		paho.WARN = libraryLogger{logger: logger, level: slog.LevelWarn}
		paho.DEBUG = libraryLogger{logger: logger, level: log.LevelTrace}
	})
}

type libraryLogger struct {
	logger *slog.Logger
	level  slog.Level
}

func (l libraryLogger) Println(v ...any) {
	l.emit(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l libraryLogger) Printf(format string, v ...any) {
	l.emit(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l libraryLogger) emit(msg string) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, l.level) {
		return
	}
	l.logger.Log(ctx, l.level, msg, "source", "paho")
}
