// Package logging configures the process-wide slog default handler.
// Import for side effect from main.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

func init() {
	Configure(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// Configure installs the default slog handler. level is one of
// debug/info/warn/error (default info); format is "json" or "text".
// An empty format picks tint on a terminal and JSON otherwise.
func Configure(level, format string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	isTerm := isatty.IsTerminal(os.Stderr.Fd())

	var handler slog.Handler
	switch {
	case strings.EqualFold(format, "json"), format == "" && !isTerm:
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
			NoColor:    !isTerm,
		})
	}

	slog.SetDefault(slog.New(handler))
}
