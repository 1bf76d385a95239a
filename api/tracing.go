package api

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// requestIDOrUnknown returns the request ID from ctx, or "unknown" outside a
// request.
func requestIDOrUnknown(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	if id, _ := GetRequestID(ctx); id != "" {
		return id
	}
	return "unknown"
}

// TraceOperation returns a function that logs the operation's latency when
// called.
//
// Usage:
//
//	defer api.TraceOperation(ctx, h.logger, "storage", "create_ride")()
func TraceOperation(ctx context.Context, logger *zap.SugaredLogger, component, operation string) func() {
	start := time.Now()

	return func() {
		if logger == nil {
			return
		}
		duration := time.Since(start)
		logger.Debugw("operation_completed",
			"request_id", requestIDOrUnknown(ctx),
			"component", component,
			"operation", operation,
			"duration_ms", duration.Milliseconds(),
		)
	}
}

// LogWithRequestID returns logger with the request_id field attached.
func LogWithRequestID(ctx context.Context, logger *zap.SugaredLogger) *zap.SugaredLogger {
	if logger == nil {
		return nil
	}
	return logger.With("request_id", requestIDOrUnknown(ctx))
}
