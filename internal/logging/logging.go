package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var level = new(slog.LevelVar)

// Configure installs a TextHandler writing to w as the default slog logger.
// The level comes from FINCONTEXT_LOG_LEVEL when set, otherwise from lvl.
// Unknown values fall back to info.
func Configure(lvl string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if env := os.Getenv("FINCONTEXT_LOG_LEVEL"); env != "" {
		lvl = env
	}
	level.Set(ParseLevel(lvl))

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the level of the logger installed by Configure.
func SetLevel(lvl string) {
	level.Set(ParseLevel(lvl))
}

// ParseLevel maps DEBUG/INFO/WARN/ERROR (any case) to a slog.Level.
func ParseLevel(lvl string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(lvl)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
