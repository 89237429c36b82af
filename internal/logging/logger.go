// Package logging builds the process-wide logger.
package logging

import (
	"log/slog"
	"os"
)

// New returns a text-format slog logger at the given level. Every line is
// tagged with the application name and pid, so output from several daemons
// on one provisioning host can be told apart. Unknown level strings fall
// back to info.
func New(app, level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler).With(
		slog.String("app", app),
		slog.Int("pid", os.Getpid()),
	)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
