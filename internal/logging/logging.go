// Package logging builds the daemon's slog logger from configuration.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/trymwestin/beoremote/internal/config"
)

// New creates a logger writing to stderr in the configured format and level.
func New(cfg config.LogConfig, version string) *slog.Logger {
	return NewWithWriter(os.Stderr, cfg, version)
}

// NewWithWriter is New with an explicit output.
func NewWithWriter(w io.Writer, cfg config.LogConfig, version string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler.WithAttrs([]slog.Attr{
		slog.String("service", "beoremoted"),
		slog.String("version", version),
	}))
}

// ParseLevel converts a level name to slog.Level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
