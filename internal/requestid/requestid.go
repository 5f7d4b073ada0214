// Package requestid carries a correlation id through a context. The
// management API stamps one on every request and a sweep run adopts it as
// its run id.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

// Header is the HTTP header that carries the id.
const Header = "X-Request-ID"

type ctxKey struct{}

// New returns a context carrying a freshly generated id.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return WithRequestID(ctx, id), id
}

// WithRequestID returns a context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Lookup returns the id stored in ctx, if any.
func Lookup(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// FromContext returns the id stored in ctx, or a new one when absent.
func FromContext(ctx context.Context) string {
	if id, ok := Lookup(ctx); ok {
		return id
	}
	return uuid.New().String()
}
