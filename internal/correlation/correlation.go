package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
)

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

// Header is the HTTP header carrying correlation identifiers.
const Header = "X-Correlation-Id"

type contextKey struct{}

// Set records the correlation ID on ctx. Invalid identifiers leave ctx untouched.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// Ensure returns ctx carrying a correlation ID, generating one when absent,
// together with the ID in effect.
func Ensure(ctx context.Context, candidate string) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id, ok := Normalize(candidate)
	if !ok {
		id = Generate()
	}
	return Set(ctx, id), id
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation ID.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Normalize validates and canonicalizes an external correlation identifier.
// It returns the normalized ID and true if the input is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", false
	}
	if len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new globally unique correlation identifier.
func Generate() string {
	return xid.New().String()
}
