// Package logging wires a single process-wide slog.Logger, configured from
// the environment, so every subsystem logs through the same handler.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs the process-wide default logger for component (e.g.
// "cis-node", "scheduler-test"). Level is read from CIS_LOG_LEVEL
// (debug|info|warn|error, default info); format from CIS_LOG_FORMAT
// (json|text, default json).
func Init(component string) *slog.Logger {
	level := parseLevel(os.Getenv("CIS_LOG_LEVEL"))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(os.Getenv("CIS_LOG_FORMAT"), "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	logger := slog.New(handler).With("component", component)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// For sub-component loggers that want to tag themselves onto the default.
func For(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
