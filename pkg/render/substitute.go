// Package render turns a template body and its variable bindings into the
// HTML and PDF representations of a document, and hashes the result.
package render

import (
	"fmt"
	"html"
	"regexp"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/lumenhouse/esign/pkg/signerr"
)

// MissingPolicy decides what happens to placeholders without a binding.
type MissingPolicy string

const (
	// MissingMarker renders "[MISSING: key]" in place of the placeholder.
	MissingMarker MissingPolicy = "marker"
	// MissingError fails the render with RenderFailure.
	MissingError MissingPolicy = "error"
)

// Valid reports whether p is a known policy.
func (p MissingPolicy) Valid() bool {
	return p == MissingMarker || p == MissingError
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Rendered is the outcome of a substitution pass.
type Rendered struct {
	HTML string
	// Missing lists the unresolved keys, sorted and deduplicated.
	Missing []string
}

// MissingMarkerText is the literal written for an unresolved key.
func MissingMarkerText(key string) string {
	return fmt.Sprintf("[MISSING: %s]", key)
}

// Substitute replaces every {{key}} in body with the HTML-escaped value bound
// to key. Text outside placeholders is left untouched.
func Substitute(body string, vars map[string]string, policy MissingPolicy) (*Rendered, error) {
	if !policy.Valid() {
		policy = MissingMarker
	}
	missing := mapset.NewThreadUnsafeSet[string]()

	out := placeholder.ReplaceAllStringFunc(body, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		if v, ok := vars[key]; ok {
			return html.EscapeString(v)
		}
		missing.Add(key)
		return html.EscapeString(MissingMarkerText(key))
	})

	keys := missing.ToSlice()
	sort.Strings(keys)
	if len(keys) > 0 && policy == MissingError {
		return nil, signerr.RenderFailure(keys)
	}
	return &Rendered{HTML: out, Missing: keys}, nil
}

// Placeholders returns the distinct keys referenced by body, sorted.
func Placeholders(body string) []string {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, m := range placeholder.FindAllStringSubmatch(body, -1) {
		set.Add(m[1])
	}
	keys := set.ToSlice()
	sort.Strings(keys)
	return keys
}
