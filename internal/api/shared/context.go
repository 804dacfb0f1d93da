package shared

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ContextKey is the type of the context keys set by the HTTP layer.
type ContextKey string

const (
	// TraceIDKey is the key for the trace ID in the request context
	TraceIDKey ContextKey = "traceID"

	// TraceIDHeader carries a caller-supplied trace ID and echoes it back
	TraceIDHeader = "X-Trace-ID"
)

// validTraceID accepts caller trace IDs that are safe to log and echo.
var validTraceID = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// SetTraceID adds a freshly generated trace ID to the context.
func SetTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, TraceIDKey, NewTraceID())
}

// WithTraceID adds id to the context, or a generated one when id is not a
// well-formed trace ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	if !validTraceID.MatchString(id) {
		return SetTraceID(ctx)
	}
	return context.WithValue(ctx, TraceIDKey, id)
}

// GetTraceID retrieves the trace ID from the context.
// If no trace ID exists, it returns an empty string.
func GetTraceID(ctx context.Context) string {
	traceID, ok := ctx.Value(TraceIDKey).(string)
	if !ok {
		return ""
	}
	return traceID
}

// NewTraceID returns a random 32 character hex trace ID.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
