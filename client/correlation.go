package client

import (
	"context"

	"pkt.systems/objq/internal/correlation"
)

type correlationContextKey struct{}

// WithCorrelationID annotates ctx with a correlation identifier to be sent
// with subsequent requests. Invalid identifiers leave ctx untouched.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	normalized, ok := correlation.Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, correlationContextKey{}, normalized)
}

// CorrelationIDFromContext extracts the correlation identifier carried by ctx, if present.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(correlationContextKey{}).(string); ok {
		return v
	}
	return ""
}

// GenerateCorrelationID creates a new random correlation identifier.
func GenerateCorrelationID() string {
	return correlation.Generate()
}
