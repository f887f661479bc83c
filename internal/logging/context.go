package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/rs/zerolog"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// GenerateTraceID returns a random 32-hex-char trace id.
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// WithTraceID stores a trace id in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID returns the trace id carried by the context, generating a fresh
// one when absent so every signal path has one to stamp on its events.
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok && id != "" {
		return id
	}
	return GenerateTraceID()
}

// Traced returns a child logger stamped with the context's trace id.
func Traced(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	return logger.With().Str("trace_id", TraceID(ctx)).Logger()
}
