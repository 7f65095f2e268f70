package log

import (
	"context"
	"log/slog"
)

// WithContext returns a logger that includes the trace_id and any additional
// log fields carried by the context.
func WithContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if id, ok := ctx.Value(TraceIDKey).(string); ok && id != "" {
		logger = logger.With("trace_id", id)
	}
	for k, v := range GetLogFields(ctx) {
		logger = logger.With(k, v)
	}
	return logger
}

// Info logs at Info level with automatic field extraction from context.
func Info(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// Error logs at Error level with automatic field extraction from context.
func Error(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// Warn logs at Warn level with automatic field extraction from context.
func Warn(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// Debug logs at Debug level with automatic field extraction from context.
func Debug(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}
