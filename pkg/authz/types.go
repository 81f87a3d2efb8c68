// Package authz authenticates studio staff on the admin API and decides
// which document operations their roles allow. Staff present a JWT bearer
// token; a role policy maps each role to resource/verb grants.
package authz

import "context"

// Roles recognised by the default policy.
const (
	RoleAdmin  = "admin"
	RoleStaff  = "staff"
	RoleViewer = "viewer"
)

// Resource names for policy mapping.
const (
	ResourceDocuments = "documents"
	ResourceTemplates = "templates"
	ResourceIntegrity = "integrity"
	ResourceJobs      = "jobs"
	ResourceAudit     = "audit"
)

// Verb names for policy mapping.
const (
	VerbGet    = "get"
	VerbList   = "list"
	VerbCreate = "create"
	VerbUpdate = "update"
	VerbDelete = "delete"
	VerbSend   = "send"
	VerbVoid   = "void"
)

// AuthzRequest represents an authorization check.
type AuthzRequest struct {
	User     string
	Roles    []string
	Resource string
	Verb     string
}

// Authorizer checks whether a user is authorized to perform an action.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthzRequest) (bool, error)
}
