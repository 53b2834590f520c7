package logging

import (
	"log/slog"
	"os"
)

func stdoutHandler() slog.Handler {
	return slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
}

// Setup installs JSON-to-stdout as the default slog logger and returns it.
func Setup() *slog.Logger {
	logger := slog.New(stdoutHandler())
	slog.SetDefault(logger)
	return logger
}

// WithStore replaces the default logger with one that also persists ERROR+
// records through pg.
func WithStore(pg *PGHandler) *slog.Logger {
	logger := slog.New(NewMultiHandler(stdoutHandler(), pg))
	slog.SetDefault(logger)
	return logger
}
