package tracing

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	zctx := logger.With()

	if tc.TraceID != "" {
		zctx = zctx.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		zctx = zctx.Str("run_id", tc.RunID)
	}
	if tc.UserID != "" {
		zctx = zctx.Str("user_id", tc.UserID)
	}
	if tc.SessionID != "" {
		zctx = zctx.Str("session_id", tc.SessionID)
	}
	if tc.Stage != "" {
		zctx = zctx.Str("stage", tc.Stage)
	}

	return zctx.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// Detach returns a background context carrying only the tracing values and
// the span context of ctx. Work that must outlive a single caller (a shared
// session build) runs on it and still joins the caller's trace.
func Detach(ctx context.Context) context.Context {
	detached := NewContext(context.Background(), FromContext(ctx))
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		detached = trace.ContextWithSpanContext(detached, sc)
	}
	return detached
}
