package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level reads LOG_LEVEL. Production only shows errors.
func Level() slog.Level {
	l, ok := os.LookupEnv("LOG_LEVEL")
	if !ok {
		return slog.LevelError
	}
	switch strings.ToLower(l) {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// New returns a text logger writing to w.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Init installs the default logger on stderr, or on the file named by
// LOG_FILE so log lines do not tear the dashboard.
func Init() *slog.Logger {
	var w io.Writer = os.Stderr
	if path := os.Getenv("LOG_FILE"); path != "" {
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			w = f
		}
	}

	logger := New(w, Level())
	slog.SetDefault(logger)
	return logger
}
