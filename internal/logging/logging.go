// Package logging provides structured logging for the worker fleet.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type contextKey string

const (
	workerKey contextKey = "worker"
	loggerKey contextKey = "logger"
)

// New creates a new structured logger.
func New(level string, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// WithWorker tags the context with the name of the worker doing the
// processing, so every log line from a handler names its worker.
func WithWorker(ctx context.Context, worker string) context.Context {
	return context.WithValue(ctx, workerKey, worker)
}

// Worker extracts the worker name from context.
func Worker(ctx context.Context) string {
	if w, ok := ctx.Value(workerKey).(string); ok {
		return w
	}
	return ""
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L is a convenience function to get a logger with worker context.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if w := Worker(ctx); w != "" {
		return logger.With("worker", w)
	}
	return logger
}
