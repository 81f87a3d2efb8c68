package audit

import "strings"

// documentCollections are the admin path segments followed by a document id.
var documentCollections = map[string]bool{
	"contracts": true,
	"envelopes": true,
	"documents": true,
}

// extractDocumentID returns the document id addressed by an admin path such
// as /admin/documents/{id}/void, or "" when the path names no document.
func extractDocumentID(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if documentCollections[parts[i]] && parts[i+1] != "" {
			return parts[i+1]
		}
	}
	return ""
}

// extractOperation names what the request tried to do: the trailing action
// segment for document actions, else the HTTP method.
func extractOperation(method, path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 4 && documentCollections[parts[1]] {
		return strings.ToLower(method) + " " + strings.Join(parts[3:], "/")
	}
	return strings.ToLower(method)
}
