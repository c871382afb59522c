// Package observability provides structured logging with redaction and
// trace-ID issuance/propagation.
package observability

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// TraceIDHeader is the HTTP header carrying the trace ID. It appears on
// every response, in every log line, and in each SSE event.
const TraceIDHeader = "X-Trace-ID"

const maxTraceIDLen = 128

type traceIDKey struct{}

// GenerateTraceID returns a new opaque trace ID.
func GenerateTraceID() string {
	return uuid.NewString()
}

// ContextWithTraceID adds a trace ID to the context.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext extracts the trace ID from context.
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GetOrCreateTraceID gets the existing trace ID or creates a new one.
func GetOrCreateTraceID(ctx context.Context) (context.Context, string) {
	if id := TraceIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := GenerateTraceID()
	return ContextWithTraceID(ctx, id), id
}

// TraceIDMiddleware accepts an inbound X-Trace-ID when well-formed
// (reconnecting SSE clients carry their prior ID), otherwise issues a
// fresh one, and reflects it on the response.
func TraceIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceIDHeader)
		if sanitized, ok := sanitizeTraceID(traceID); ok {
			traceID = sanitized
		} else {
			traceID = GenerateTraceID()
		}

		w.Header().Set(TraceIDHeader, traceID)

		ctx := ContextWithTraceID(r.Context(), traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sanitizeTraceID(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > maxTraceIDLen {
		return "", false
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return "", false
		}
	}
	return value, true
}
