package render

import (
	"strings"

	"go.uber.org/zap"

	"github.com/lumenhouse/esign/pkg/logger"
	"github.com/lumenhouse/esign/pkg/signerr"
)

// Config selects the template library and the missing-variable policy.
type Config struct {
	MissingPolicy MissingPolicy `mapstructure:"missing_policy" yaml:"missing_policy"`
	TemplatesPath string        `mapstructure:"templates_path" yaml:"templates_path"`
	// Issuer is printed as the PDF author.
	Issuer string `mapstructure:"issuer" yaml:"issuer"`
}

// DefaultConfig renders missing variables as visible markers.
func DefaultConfig() Config {
	return Config{MissingPolicy: MissingMarker, Issuer: "Lumenhouse Studio"}
}

// Source is what a document contributes to rendering. Body wins over
// TemplateID when both are set.
type Source struct {
	TemplateID string
	Body       string
	Variables  map[string]string
}

// Renderer resolves template bodies and produces HTML and PDF output.
type Renderer struct {
	cfg     Config
	library *Library
	logger  *zap.Logger
}

// NewRenderer creates a Renderer. library may be nil when every document
// carries an inline body.
func NewRenderer(cfg Config, library *Library, log *zap.Logger) *Renderer {
	if !cfg.MissingPolicy.Valid() {
		cfg.MissingPolicy = MissingMarker
	}
	if library == nil {
		library = NewLibrary()
	}
	return &Renderer{cfg: cfg, library: library, logger: logger.OrNop(log).Named("render")}
}

// Library returns the template library.
func (r *Renderer) Library() *Library { return r.library }

// Template resolves the body src would render, and the library template it
// came from when there is one.
func (r *Renderer) Template(src Source) (Template, error) {
	if strings.TrimSpace(src.Body) != "" {
		return Template{Body: src.Body}, nil
	}
	if src.TemplateID == "" {
		return Template{}, signerr.Validation("a template id or body is required", "templateId", "body")
	}
	t, ok := r.library.Get(src.TemplateID)
	if !ok {
		return Template{}, signerr.NotFound("template", src.TemplateID)
	}
	return t, nil
}

// Render substitutes src's variables into its body. When strict is set the
// template's required variables must all be bound.
func (r *Renderer) Render(src Source, strict bool) (*Rendered, error) {
	t, err := r.Template(src)
	if err != nil {
		return nil, err
	}
	if strict {
		if err := t.CheckRequired(src.Variables); err != nil {
			return nil, err
		}
	}
	out, err := Substitute(t.Body, src.Variables, r.cfg.MissingPolicy)
	if err != nil {
		return nil, err
	}
	if len(out.Missing) > 0 {
		r.logger.Warn("rendered with missing variables", zap.Strings("missing", out.Missing))
	}
	return out, nil
}

// PDF prints rendered HTML and returns the bytes with their hash.
func (r *Renderer) PDF(htmlBody string, meta Meta) ([]byte, string, error) {
	if meta.Issuer == "" {
		meta.Issuer = r.cfg.Issuer
	}
	b, err := GeneratePDF(htmlBody, meta)
	if err != nil {
		return nil, "", err
	}
	return b, Hash(b), nil
}

// SignedPDF prints rendered HTML with a certificate page for stamps and
// returns the bytes with their hash.
func (r *Renderer) SignedPDF(htmlBody string, meta Meta, unsignedHash string, stamps []SignatureStamp) ([]byte, string, error) {
	if meta.Issuer == "" {
		meta.Issuer = r.cfg.Issuer
	}
	b, err := EmbedSignatures(htmlBody, meta, unsignedHash, stamps)
	if err != nil {
		return nil, "", err
	}
	return b, Hash(b), nil
}
