package clientinfo

import "context"

// ctxKey is an unexported type used as the context key for Client.
type ctxKey struct{}

// Client carries the resolved requester through the request context.
type Client struct {
	IP        string
	UserAgent string
}

// WithClient returns a new context with the given Client attached.
func WithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext retrieves the Client from the context.
// Returns the zero value and false if none is set.
func FromContext(ctx context.Context) (Client, bool) {
	c, ok := ctx.Value(ctxKey{}).(Client)
	return c, ok
}

// IPFromContext returns the client IP, or "" when no client is set.
func IPFromContext(ctx context.Context) string {
	c, _ := FromContext(ctx)
	return c.IP
}
