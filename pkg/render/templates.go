package render

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lumenhouse/esign/pkg/signerr"
)

// Template is a reusable document body from the studio's template library.
type Template struct {
	ID       string   `yaml:"id" json:"id"`
	Title    string   `yaml:"title" json:"title"`
	Body     string   `yaml:"body" json:"body"`
	Required []string `yaml:"required" json:"required,omitempty"`
}

type libraryFile struct {
	Templates []Template `yaml:"templates"`
}

// Library is an in-memory set of templates keyed by id.
type Library struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewLibrary returns a library holding the given templates.
func NewLibrary(templates ...Template) *Library {
	l := &Library{templates: make(map[string]Template, len(templates))}
	for _, t := range templates {
		l.templates[t.ID] = t
	}
	return l
}

// LoadTemplates reads a YAML template library from path.
//
//	templates:
//	  - id: wedding
//	    title: Wedding Photography Agreement
//	    required: [client_name, event_date]
//	    body: |
//	      <h1>Agreement</h1><p>Between the studio and {{client_name}} ...</p>
func LoadTemplates(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template library: %w", err)
	}
	return ParseTemplates(data)
}

// ParseTemplates parses a YAML template library.
func ParseTemplates(data []byte) (*Library, error) {
	var f libraryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse template library: %w", err)
	}
	l := NewLibrary()
	for i, t := range f.Templates {
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			return nil, fmt.Errorf("template %d: id is required", i)
		}
		if strings.TrimSpace(t.Body) == "" {
			return nil, fmt.Errorf("template %q: body is required", t.ID)
		}
		if _, dup := l.templates[t.ID]; dup {
			return nil, fmt.Errorf("template %q: duplicate id", t.ID)
		}
		l.templates[t.ID] = t
	}
	return l, nil
}

// Get returns the template with id.
func (l *Library) Get(id string) (Template, bool) {
	if l == nil {
		return Template{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.templates[id]
	return t, ok
}

// Put adds or replaces a template.
func (l *Library) Put(t Template) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.templates[t.ID] = t
}

// IDs returns the template ids in sorted order.
func (l *Library) IDs() []string {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.templates))
	for id := range l.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CheckRequired fails with RenderFailure when any of the template's required
// variables has no non-empty binding. It applies regardless of MissingPolicy.
func (t Template) CheckRequired(vars map[string]string) error {
	var missing []string
	for _, key := range t.Required {
		if strings.TrimSpace(vars[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return signerr.RenderFailure(missing)
	}
	return nil
}
