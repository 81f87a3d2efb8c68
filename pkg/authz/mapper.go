package authz

import (
	"net/http"
	"strings"
)

// ResourceMapping maps an HTTP request to a resource and verb for authorization.
type ResourceMapping struct {
	Resource string
	Verb     string
}

// UnknownMapping is returned when no known pattern matches the request.
// Callers should deny requests with this mapping by default.
var UnknownMapping = ResourceMapping{Resource: "", Verb: ""}

// MapRequest maps an HTTP method and admin URL path to a ResourceMapping.
func MapRequest(method, path string) ResourceMapping {
	path = strings.TrimRight(path, "/")
	rest, ok := strings.CutPrefix(path, "/admin/")
	if !ok {
		return UnknownMapping
	}
	segs := strings.Split(rest, "/")

	switch segs[0] {
	case "contracts", "envelopes":
		return mapDocumentRoute(method, segs)
	case "documents":
		return mapDocumentAction(method, segs)
	case "jobs":
		return mapJobRoute(method, segs)
	case "templates":
		if method != http.MethodGet {
			return UnknownMapping
		}
		if len(segs) == 1 {
			return ResourceMapping{Resource: ResourceTemplates, Verb: VerbList}
		}
		return ResourceMapping{Resource: ResourceTemplates, Verb: VerbGet}
	}
	return UnknownMapping
}

// mapDocumentRoute handles /admin/contracts/* and /admin/envelopes/*.
func mapDocumentRoute(method string, segs []string) ResourceMapping {
	if len(segs) == 1 {
		switch method {
		case http.MethodPost:
			return ResourceMapping{Resource: ResourceDocuments, Verb: VerbCreate}
		case http.MethodGet:
			return ResourceMapping{Resource: ResourceDocuments, Verb: VerbList}
		}
		return UnknownMapping
	}

	// Signer editing is an update of the envelope.
	if len(segs) >= 3 && segs[2] == "signers" {
		switch method {
		case http.MethodPost, http.MethodPatch, http.MethodDelete:
			return ResourceMapping{Resource: ResourceDocuments, Verb: VerbUpdate}
		}
		return UnknownMapping
	}

	switch method {
	case http.MethodGet:
		return ResourceMapping{Resource: ResourceDocuments, Verb: VerbGet}
	case http.MethodPatch, http.MethodPut:
		return ResourceMapping{Resource: ResourceDocuments, Verb: VerbUpdate}
	case http.MethodDelete:
		return ResourceMapping{Resource: ResourceDocuments, Verb: VerbDelete}
	}
	return UnknownMapping
}

// mapDocumentAction handles /admin/documents/{id}/{action}.
func mapDocumentAction(method string, segs []string) ResourceMapping {
	if len(segs) == 1 && method == http.MethodGet {
		return ResourceMapping{Resource: ResourceDocuments, Verb: VerbList}
	}
	if len(segs) != 3 {
		return UnknownMapping
	}

	switch method {
	case http.MethodPost:
		switch segs[2] {
		case "send", "resend":
			return ResourceMapping{Resource: ResourceDocuments, Verb: VerbSend}
		case "void":
			return ResourceMapping{Resource: ResourceDocuments, Verb: VerbVoid}
		case "pdf":
			return ResourceMapping{Resource: ResourceDocuments, Verb: VerbUpdate}
		}
	case http.MethodGet:
		switch segs[2] {
		case "integrity":
			return ResourceMapping{Resource: ResourceIntegrity, Verb: VerbGet}
		case "audit":
			return ResourceMapping{Resource: ResourceAudit, Verb: VerbList}
		case "pdf":
			return ResourceMapping{Resource: ResourceDocuments, Verb: VerbGet}
		}
	}
	return UnknownMapping
}

// mapJobRoute handles /admin/jobs/*.
func mapJobRoute(method string, segs []string) ResourceMapping {
	switch method {
	case http.MethodGet:
		if len(segs) == 1 {
			return ResourceMapping{Resource: ResourceJobs, Verb: VerbList}
		}
		return ResourceMapping{Resource: ResourceJobs, Verb: VerbGet}
	case http.MethodPost:
		if len(segs) == 2 && strings.HasSuffix(segs[1], ":cancel") {
			return ResourceMapping{Resource: ResourceJobs, Verb: VerbUpdate}
		}
	}
	return UnknownMapping
}
