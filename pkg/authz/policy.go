package authz

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
)

// Policy maps a role to its grants. A grant is "resource/verb", with "*"
// standing for any resource or verb.
type Policy map[string][]string

// DefaultPolicy lets admins do anything, staff run the signing workflow
// without deleting, and viewers read.
func DefaultPolicy() Policy {
	return Policy{
		RoleAdmin: {"*/*"},
		RoleStaff: {
			ResourceDocuments + "/*",
			ResourceTemplates + "/" + VerbGet, ResourceTemplates + "/" + VerbList,
			ResourceIntegrity + "/" + VerbGet,
			ResourceAudit + "/" + VerbList,
			ResourceJobs + "/" + VerbGet, ResourceJobs + "/" + VerbList,
		},
		RoleViewer: {"*/" + VerbGet, "*/" + VerbList},
	}
}

// RoleAuthorizer decides requests from the caller's roles alone.
type RoleAuthorizer struct {
	grants map[string]mapset.Set[string]
	denied mapset.Set[string]
}

// NewRoleAuthorizer compiles p. Staff never delete documents, whatever a
// wildcard grant says.
func NewRoleAuthorizer(p Policy) *RoleAuthorizer {
	a := &RoleAuthorizer{
		grants: make(map[string]mapset.Set[string], len(p)),
		denied: mapset.NewSet(RoleStaff + ":" + ResourceDocuments + "/" + VerbDelete),
	}
	for role, grants := range p {
		a.grants[role] = mapset.NewSet(grants...)
	}
	return a
}

// Authorize allows the request when any of the caller's roles grants it.
func (a *RoleAuthorizer) Authorize(_ context.Context, req AuthzRequest) (bool, error) {
	for _, role := range req.Roles {
		grants, ok := a.grants[role]
		if !ok {
			continue
		}
		if a.denied.Contains(role + ":" + req.Resource + "/" + req.Verb) {
			continue
		}
		if grants.Contains(req.Resource+"/"+req.Verb) ||
			grants.Contains(req.Resource+"/*") ||
			grants.Contains("*/"+req.Verb) ||
			grants.Contains("*/*") {
			return true, nil
		}
	}
	return false, nil
}

// NewAuthorizer returns the authorizer for cfg's mode, wrapped in a
// decision cache.
func NewAuthorizer(cfg Config) Authorizer {
	cfg = cfg.withDefaults()
	if cfg.Mode == AuthzModeNone {
		return &NoopAuthorizer{}
	}
	return NewCachedAuthorizer(NewRoleAuthorizer(DefaultPolicy()), cfg.CacheTTL)
}
