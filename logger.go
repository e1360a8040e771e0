package docstore

import (
	"context"
	"log/slog"
	"os"

	"github.com/hupe1980/docstore/core"
)

// Logger wraps slog.Logger with docstore-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithLid adds a lid field to the logger.
func (l *Logger) WithLid(lid core.Lid) *Logger {
	return &Logger{
		Logger: l.Logger.With("lid", uint32(lid)),
	}
}

// WithToken adds a sync token field to the logger.
func (l *Logger) WithToken(token core.SyncToken) *Logger {
	return &Logger{
		Logger: l.Logger.With("token", uint64(token)),
	}
}

// LogWrite logs a write operation.
func (l *Logger) LogWrite(ctx context.Context, lid core.Lid, token core.SyncToken, size int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "write failed",
			"lid", uint32(lid),
			"token", uint64(token),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "write completed",
			"lid", uint32(lid),
			"token", uint64(token),
			"size", size,
		)
	}
}

// LogRemove logs a remove operation.
func (l *Logger) LogRemove(ctx context.Context, lid core.Lid, token core.SyncToken, err error) {
	if err != nil {
		l.ErrorContext(ctx, "remove failed",
			"lid", uint32(lid),
			"token", uint64(token),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "remove completed",
			"lid", uint32(lid),
			"token", uint64(token),
		)
	}
}

// LogFlush logs a flush operation.
func (l *Logger) LogFlush(ctx context.Context, token core.SyncToken, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed",
			"token", uint64(token),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "flush completed",
			"token", uint64(token),
		)
	}
}

// LogCompaction logs a compaction run.
func (l *Logger) LogCompaction(ctx context.Context, kind string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"kind", kind,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "compaction completed",
			"kind", kind,
		)
	}
}
