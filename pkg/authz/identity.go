package authz

import (
	"context"
	"slices"
)

// identityCtxKey is an unexported type used as the context key for Identity.
type identityCtxKey struct{}

// Identity represents the authenticated staff member making a request.
type Identity struct {
	User  string
	Roles []string
}

// HasRole reports whether the identity carries role.
func (id Identity) HasRole(role string) bool {
	return slices.Contains(id.Roles, role)
}

// WithIdentity returns a new context with the given Identity attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFromContext retrieves the Identity from the context.
// Returns the zero value and false if no identity is set.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(Identity)
	return id, ok
}

// Actor returns the user recorded as the actor of admin operations, or
// "anonymous" when the request carries no identity.
func Actor(ctx context.Context) string {
	if id, ok := IdentityFromContext(ctx); ok && id.User != "" {
		return id.User
	}
	return "anonymous"
}
