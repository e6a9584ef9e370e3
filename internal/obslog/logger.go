// Package obslog constructs the runtime's structured logger: a single
// log/slog.Logger, JSON on stdout, level controlled by configuration,
// additionally adapted into a watermill.LoggerAdapter for the change-feed
// router (internal/changefeed).
package obslog

import (
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
)

// Level is the handful of levels the configuration exposes; Go's slog has
// no "warn-only" oddities to reconcile so this is a thin wrapper.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a JSON slog.Logger writing to stdout at the given level.
func New(level Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level.slogLevel()})
	return slog.New(handler)
}

// Watermill adapts logger into the LoggerAdapter watermill.Router expects.
func Watermill(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger)
}
