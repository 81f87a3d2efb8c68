package authz

import (
	"fmt"
	"net/http"

	"github.com/lumenhouse/esign/pkg/signerr"
)

// RequirePermission returns middleware that enforces a specific resource/verb
// permission check against the identity stored by Authenticator.Middleware.
func RequirePermission(authorizer Authorizer, resource, verb string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if check(w, r, authorizer, ResourceMapping{Resource: resource, Verb: verb}) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// AuthzMiddleware returns middleware that auto-maps the HTTP method and URL path
// to a (resource, verb) pair and performs the authorization check. It is
// mounted on the /admin router.
func AuthzMiddleware(authorizer Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mapping := MapRequest(r.Method, r.URL.Path)

			// If we cannot map the request, deny by default.
			if mapping == UnknownMapping {
				writeError(w, signerr.New(signerr.CodeForbidden, "unknown endpoint, access denied"))
				return
			}
			if check(w, r, authorizer, mapping) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// check authorizes r and writes the failure response when it is denied.
func check(w http.ResponseWriter, r *http.Request, authorizer Authorizer, m ResourceMapping) bool {
	id, _ := IdentityFromContext(r.Context())
	req := AuthzRequest{
		User:     id.User,
		Roles:    id.Roles,
		Resource: m.Resource,
		Verb:     m.Verb,
	}

	allowed, err := authorizer.Authorize(r.Context(), req)
	if err != nil {
		writeError(w, fmt.Errorf("authorization check failed: %w", err))
		return false
	}
	if !allowed {
		writeError(w, signerr.New(signerr.CodeForbidden, "insufficient permissions for %s/%s", m.Resource, m.Verb))
		return false
	}
	return true
}
