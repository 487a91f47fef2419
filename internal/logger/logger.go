// Package logger provides structured logging setup for LiveAuction.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Strob0t/LiveAuction/internal/config"
)

// asyncBuffer is the number of records queued before the async handler drops.
const asyncBuffer = 4096

// New creates a *slog.Logger from the given Logging config.
// Output is JSON to stdout with a "service" attribute on every record.
// The returned Closer flushes pending records when async logging is on.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	return NewWithWriter(os.Stdout, cfg)
}

// NewWithWriter is New writing to w.
func NewWithWriter(w io.Writer, cfg config.Logging) (*slog.Logger, Closer) {
	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	var closer Closer = nopCloser{}
	if cfg.Async {
		ah := NewAsyncHandler(handler, asyncBuffer)
		handler, closer = ah, ah
	}
	return slog.New(handler).With("service", cfg.Service), closer
}

// ForSession returns a child logger carrying the attributes every session log line needs.
func ForSession(l *slog.Logger, sessionID, projection, remote string) *slog.Logger {
	return l.With(
		slog.String("session_id", sessionID),
		slog.String("projection", projection),
		slog.String("remote", remote),
	)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
