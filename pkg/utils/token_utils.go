package utils

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/turtacn/atlas/pkg/constants"
)

// ExtractBearerToken returns the credential carried by an Authorization header value.
// A "Bearer " prefix is stripped; any other non-empty value is taken as the token itself.
// An empty result means no token was presented.
func ExtractBearerToken(authorization string) string {
	trimmed := strings.TrimSpace(authorization)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) >= len(constants.BearerPrefix) && strings.EqualFold(trimmed[:len(constants.BearerPrefix)], constants.BearerPrefix) {
		return strings.TrimSpace(trimmed[len(constants.BearerPrefix):])
	}
	return trimmed
}

// NewTraceID generates a dashless UUID suitable for X-Trace-Id.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WithTraceID stores the trace id in ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyTraceID, traceID)
}

// TraceIDFromContext returns the trace id bound to ctx, or "".
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(constants.ContextKeyTraceID).(string); ok {
		return v
	}
	return ""
}

// DetachTrace returns a background context that keeps only the trace id of ctx.
// Work that outlives the request (event publishing, async cleanup) uses it so log
// lines stay correlated without inheriting the request's cancellation.
func DetachTrace(ctx context.Context) context.Context {
	detached := context.Background()
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		detached = WithTraceID(detached, traceID)
	}
	return detached
}

// ShortToken truncates a token for log output.
func ShortToken(token string) string {
	if len(token) <= 20 {
		return token
	}
	return token[:20] + "..."
}
