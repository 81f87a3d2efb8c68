package clientinfo

import (
	"fmt"
	"net/http"
)

// Middleware resolves the Client of each request and stores it in the
// request context.
func Middleware(resolver Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithClient(r.Context(), resolver.Resolve(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewResolver returns the resolver for cfg.Mode.
func NewResolver(cfg Config) (Resolver, error) {
	switch cfg.Mode {
	case ModeProxy:
		return NewProxyResolver(cfg.TrustedProxies)
	case ModeDirect, "":
		return DirectResolver{}, nil
	}
	return nil, fmt.Errorf("unknown client IP mode %q", cfg.Mode)
}

// NewMiddleware creates middleware with the resolver for cfg.Mode.
func NewMiddleware(cfg Config) (func(http.Handler) http.Handler, error) {
	resolver, err := NewResolver(cfg)
	if err != nil {
		return nil, err
	}
	return Middleware(resolver), nil
}
