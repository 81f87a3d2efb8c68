package signing

import (
	"context"
	"net/mail"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/lumenhouse/esign/pkg/artifact"
	"github.com/lumenhouse/esign/pkg/audit"
	"github.com/lumenhouse/esign/pkg/jobs"
	"github.com/lumenhouse/esign/pkg/logger"
	"github.com/lumenhouse/esign/pkg/notify"
	"github.com/lumenhouse/esign/pkg/render"
	"github.com/lumenhouse/esign/pkg/session"
	"github.com/lumenhouse/esign/pkg/signerr"
	"github.com/lumenhouse/esign/pkg/token"
)

var tracer = otel.Tracer("github.com/lumenhouse/esign/pkg/signing")

// ViewCache stores encoded document views keyed by document version.
type ViewCache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
}

// Deps are the collaborators of the signing service.
type Deps struct {
	Store     *Store
	Tokens    *token.Service
	Sessions  *session.Manager
	Audit     *audit.Store
	Renderer  *render.Renderer
	Artifacts artifact.Store
	// Jobs queues sealing and next-signer notifications. When nil both run
	// inline.
	Jobs     *jobs.JobStore
	Mailer   notify.Mailer
	Delivery notify.RetryPolicy
	Views    ViewCache
	Logger   *zap.Logger
}

// Service is the signing state machine: it owns every status change of
// contracts, envelopes and their signers.
type Service struct {
	cfg       Config
	store     *Store
	tokens    *token.Service
	sessions  *session.Manager
	audit     *audit.Store
	renderer  *render.Renderer
	artifacts artifact.Store
	jobs      *jobs.JobStore
	mailer    notify.Mailer
	delivery  notify.RetryPolicy
	views     ViewCache
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a signing service.
func NewService(cfg Config, deps Deps) *Service {
	if deps.Delivery.Attempts <= 0 {
		deps.Delivery = notify.DefaultRetryPolicy()
	}
	if deps.Renderer == nil {
		deps.Renderer = render.NewRenderer(render.DefaultConfig(), nil, deps.Logger)
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		store:     deps.Store,
		tokens:    deps.Tokens,
		sessions:  deps.Sessions,
		audit:     deps.Audit,
		renderer:  deps.Renderer,
		artifacts: deps.Artifacts,
		jobs:      deps.Jobs,
		mailer:    deps.Mailer,
		delivery:  deps.Delivery,
		views:     deps.Views,
		logger:    logger.OrNop(deps.Logger).Named("signing"),
		now:       time.Now,
	}
}

// WithClock overrides the time source of the service and its store. Used by
// tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.store.WithClock(now)
	return s
}

// Store returns the underlying document store.
func (s *Service) Store() *Store { return s.store }

// Signer is the API form of a signer.
type Signer struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Email         string       `json:"email"`
	Role          string       `json:"role,omitempty"`
	Position      int          `json:"position"`
	Status        SignerStatus `json:"status"`
	DeclineReason string       `json:"declineReason,omitempty"`
	ViewedAt      *time.Time   `json:"viewedAt,omitempty"`
	SignedAt      *time.Time   `json:"signedAt,omitempty"`
	DeclinedAt    *time.Time   `json:"declinedAt,omitempty"`
}

// Document is the API form of a contract or envelope.
type Document struct {
	ID           string            `json:"id"`
	Number       string            `json:"number"`
	Kind         Kind              `json:"kind"`
	Title        string            `json:"title"`
	Status       Status            `json:"status"`
	Workflow     Workflow          `json:"workflow,omitempty"`
	TemplateID   string            `json:"templateId,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	ArtifactPath string            `json:"artifactPath,omitempty"`
	ArtifactHash string            `json:"artifactHash,omitempty"`
	StatusReason string            `json:"statusReason,omitempty"`
	Version      int               `json:"version"`
	CreatedBy    string            `json:"createdBy,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	SentAt       *time.Time        `json:"sentAt,omitempty"`
	ViewedAt     *time.Time        `json:"viewedAt,omitempty"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
	SealedAt     *time.Time        `json:"sealedAt,omitempty"`
	ExpiresAt    *time.Time        `json:"expiresAt,omitempty"`
	Signers      []Signer          `json:"signers"`
}

func toSigner(r SignerRecord) Signer {
	return Signer{
		ID:            r.ID,
		Name:          r.Name,
		Email:         r.Email,
		Role:          r.Role,
		Position:      r.Position,
		Status:        r.Status,
		DeclineReason: r.DeclineReason,
		ViewedAt:      r.ViewedAt,
		SignedAt:      r.SignedAt,
		DeclinedAt:    r.DeclinedAt,
	}
}

func toDocument(d *DocumentRecord, signers []SignerRecord) *Document {
	out := &Document{
		ID:           d.ID,
		Number:       d.Number,
		Kind:         d.Kind,
		Title:        d.Title,
		Status:       d.Status,
		Workflow:     d.Workflow,
		TemplateID:   d.TemplateID,
		Variables:    d.Variables,
		ArtifactPath: d.ArtifactPath,
		ArtifactHash: d.ArtifactHash,
		StatusReason: d.StatusReason,
		Version:      d.Version,
		CreatedBy:    d.CreatedBy,
		CreatedAt:    d.CreatedAt,
		SentAt:       d.SentAt,
		ViewedAt:     d.ViewedAt,
		CompletedAt:  d.CompletedAt,
		SealedAt:     d.SealedAt,
		ExpiresAt:    d.ExpiresAt,
		Signers:      make([]Signer, 0, len(signers)),
	}
	for _, sg := range signers {
		out.Signers = append(out.Signers, toSigner(sg))
	}
	return out
}

// SignerInput describes a recipient. Position 0 takes the next free slot.
type SignerInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Role     string `json:"role,omitempty"`
	Position int    `json:"position,omitempty"`
}

// ContractInput creates a single-recipient contract.
type ContractInput struct {
	Title      string            `json:"title"`
	TemplateID string            `json:"templateId,omitempty"`
	Body       string            `json:"body,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	Recipient  SignerInput       `json:"recipient"`
	ExpiresAt  *time.Time        `json:"expiresAt,omitempty"`
}

// EnvelopeInput creates a multi-signer envelope.
type EnvelopeInput struct {
	Title      string            `json:"title"`
	TemplateID string            `json:"templateId,omitempty"`
	Body       string            `json:"body,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	Workflow   Workflow          `json:"workflow"`
	Signers    []SignerInput     `json:"signers,omitempty"`
	ExpiresAt  *time.Time        `json:"expiresAt,omitempty"`
}

// DraftUpdate changes a DRAFT document. Nil fields are left unchanged;
// Variables replaces the whole binding map.
type DraftUpdate struct {
	Title     *string           `json:"title,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	ExpiresAt *time.Time        `json:"expiresAt,omitempty"`
}

// normalizeEmail returns the lower-cased bare address, or false when s is
// not a single plain address.
func normalizeEmail(s string) (string, bool) {
	s = strings.TrimSpace(s)
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return "", false
	}
	return strings.ToLower(addr.Address), true
}

// buildSigners validates inputs and assigns positions. existing are the
// signers already on the document.
func buildSigners(inputs []SignerInput, existing []SignerRecord) ([]SignerRecord, error) {
	emails := mapset.NewThreadUnsafeSet[string]()
	positions := mapset.NewThreadUnsafeSet[int]()
	maxPos := 0
	for _, e := range existing {
		emails.Add(e.Email)
		positions.Add(e.Position)
		maxPos = max(maxPos, e.Position)
	}
	for _, in := range inputs {
		maxPos = max(maxPos, in.Position)
	}

	var fields []string
	out := make([]SignerRecord, 0, len(inputs))
	for i, in := range inputs {
		prefix := "signers[" + strconv.Itoa(i) + "]."
		name := strings.TrimSpace(in.Name)
		if name == "" {
			fields = append(fields, prefix+"name")
		}
		email, ok := normalizeEmail(in.Email)
		switch {
		case !ok:
			fields = append(fields, prefix+"email")
		case !emails.Add(email):
			fields = append(fields, prefix+"email")
		}
		pos := in.Position
		switch {
		case pos < 0:
			fields = append(fields, prefix+"position")
		case pos == 0:
			maxPos++
			pos = maxPos
			positions.Add(pos)
		case !positions.Add(pos):
			fields = append(fields, prefix+"position")
		}
		out = append(out, SignerRecord{Name: name, Email: email, Role: strings.TrimSpace(in.Role), Position: pos})
	}
	if len(fields) > 0 {
		return nil, signerr.Validation("invalid signers: names and emails are required, emails and positions must be unique", fields...)
	}
	return out, nil
}

func (s *Service) deadline(in *time.Time) (*time.Time, error) {
	now := s.now().UTC()
	if in == nil {
		if s.cfg.DefaultDeadline <= 0 {
			return nil, nil
		}
		d := now.Add(s.cfg.DefaultDeadline)
		return &d, nil
	}
	if !in.After(now) {
		return nil, signerr.Validation("deadline must be in the future", "expiresAt")
	}
	d := in.UTC()
	return &d, nil
}

func (s *Service) checkSource(templateID, body string) error {
	_, err := s.renderer.Template(render.Source{TemplateID: templateID, Body: body})
	return err
}

// CreateContract creates a DRAFT contract with one recipient.
func (s *Service) CreateContract(ctx context.Context, in ContractInput, actor string) (*Document, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, signerr.Validation("title is required", "title")
	}
	if err := s.checkSource(in.TemplateID, in.Body); err != nil {
		return nil, err
	}
	rec := in.Recipient
	rec.Position = 1
	signers, err := buildSigners([]SignerInput{rec}, nil)
	if err != nil {
		if e, ok := signerr.As(err); ok {
			for i, f := range e.Fields {
				e.Fields[i] = "recipient." + strings.TrimPrefix(f, "signers[0].")
			}
		}
		return nil, err
	}
	deadline, err := s.deadline(in.ExpiresAt)
	if err != nil {
		return nil, err
	}

	doc := &DocumentRecord{
		Kind:       KindContract,
		Title:      title,
		TemplateID: in.TemplateID,
		Body:       in.Body,
		Variables:  Variables(in.Variables),
		CreatedBy:  actor,
		ExpiresAt:  deadline,
	}
	if err := s.store.Create(ctx, doc, signers); err != nil {
		return nil, err
	}
	s.record(ctx, doc.ID, audit.ActionCreated, actor, audit.Metadata{"kind": string(KindContract), "number": doc.Number})
	s.logger.Info("contract created", zap.String("documentId", doc.ID), zap.String("number", doc.Number))
	return toDocument(doc, signers), nil
}

// CreateEnvelope creates a DRAFT envelope, optionally with initial signers.
func (s *Service) CreateEnvelope(ctx context.Context, in EnvelopeInput, actor string) (*Document, error) {
	title := strings.TrimSpace(in.Title)
	var fields []string
	if title == "" {
		fields = append(fields, "title")
	}
	if in.Workflow == "" {
		in.Workflow = WorkflowSequential
	}
	if !in.Workflow.Valid() {
		fields = append(fields, "workflow")
	}
	if len(fields) > 0 {
		return nil, signerr.Validation("title and a SEQUENTIAL or PARALLEL workflow are required", fields...)
	}
	if err := s.checkSource(in.TemplateID, in.Body); err != nil {
		return nil, err
	}
	signers, err := buildSigners(in.Signers, nil)
	if err != nil {
		return nil, err
	}
	deadline, err := s.deadline(in.ExpiresAt)
	if err != nil {
		return nil, err
	}

	doc := &DocumentRecord{
		Kind:       KindEnvelope,
		Title:      title,
		Workflow:   in.Workflow,
		TemplateID: in.TemplateID,
		Body:       in.Body,
		Variables:  Variables(in.Variables),
		CreatedBy:  actor,
		ExpiresAt:  deadline,
	}
	if err := s.store.Create(ctx, doc, signers); err != nil {
		return nil, err
	}
	s.record(ctx, doc.ID, audit.ActionCreated, actor, audit.Metadata{
		"kind":     string(KindEnvelope),
		"number":   doc.Number,
		"workflow": string(in.Workflow),
		"signers":  len(signers),
	})
	s.logger.Info("envelope created", zap.String("documentId", doc.ID), zap.String("number", doc.Number))
	return toDocument(doc, signers), nil
}

// Get returns a document with its signers after applying lazy expiry.
func (s *Service) Get(ctx context.Context, id string) (*Document, error) {
	doc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	signers, err := s.store.Signers(ctx, id)
	if err != nil {
		return nil, err
	}
	return toDocument(doc, signers), nil
}

// DocumentPage is one page of a document listing.
type DocumentPage struct {
	Documents     []*Document `json:"documents"`
	NextPageToken string      `json:"nextPageToken,omitempty"`
	Size          int         `json:"size"`
	TotalSize     int         `json:"totalSize"`
}

// List returns documents newest first. Lazy expiry is not applied; a
// listed document shows its last persisted status.
func (s *Service) List(ctx context.Context, filter ListFilter, pageSize int, pageToken string) (*DocumentPage, error) {
	docs, next, total, err := s.store.List(ctx, filter, pageSize, pageToken)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(docs))
	for i := range docs {
		ids[i] = docs[i].ID
	}
	signers, err := s.store.SignersOf(ctx, ids)
	if err != nil {
		return nil, err
	}
	page := &DocumentPage{
		Documents:     make([]*Document, 0, len(docs)),
		NextPageToken: next,
		TotalSize:     total,
	}
	for i := range docs {
		page.Documents = append(page.Documents, toDocument(&docs[i], signers[docs[i].ID]))
	}
	page.Size = len(page.Documents)
	return page, nil
}

// UpdateDraft changes the title, variables or deadline of a DRAFT document.
func (s *Service) UpdateDraft(ctx context.Context, id string, in DraftUpdate, actor string) (*Document, error) {
	updates := map[string]any{}
	changed := []string{}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, signerr.Validation("title is required", "title")
		}
		updates["title"] = title
		changed = append(changed, "title")
	}
	if in.Variables != nil {
		updates["variables"] = Variables(in.Variables)
		changed = append(changed, "variables")
	}
	if in.ExpiresAt != nil {
		deadline, err := s.deadline(in.ExpiresAt)
		if err != nil {
			return nil, err
		}
		updates["expires_at"] = deadline
		changed = append(changed, "expiresAt")
	}
	if len(updates) == 0 {
		return nil, signerr.Validation("nothing to update", "title", "variables", "expiresAt")
	}
	if err := s.store.UpdateDraft(ctx, id, updates); err != nil {
		return nil, err
	}
	s.record(ctx, id, audit.ActionUpdated, actor, audit.Metadata{"fields": changed})
	return s.Get(ctx, id)
}

// Delete removes a DRAFT document. Its audit trail is kept.
func (s *Service) Delete(ctx context.Context, id, actor string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if s.artifacts != nil {
		if err := s.artifacts.RemoveDocument(ctx, id); err != nil {
			s.logger.Warn("failed to remove document artifacts", zap.String("documentId", id), zap.Error(err))
		}
	}
	s.record(ctx, id, audit.ActionDeleted, actor, nil)
	s.logger.Info("document deleted", zap.String("documentId", id))
	return nil
}

// envelopeDraft loads a DRAFT envelope for signer edits.
func (s *Service) envelopeDraft(ctx context.Context, id string) (*DocumentRecord, []SignerRecord, error) {
	doc, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if doc.Kind != KindEnvelope {
		return nil, nil, signerr.Validation("signers can only be managed on envelopes", "documentId")
	}
	if doc.Status != StatusDraft {
		return nil, nil, signerr.IllegalTransition(string(doc.Status), "")
	}
	signers, err := s.store.Signers(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return doc, signers, nil
}

// AddSigner adds a signer to a DRAFT envelope. A position already taken is
// rejected; position 0 appends after the last signer.
func (s *Service) AddSigner(ctx context.Context, envelopeID string, in SignerInput, actor string) (*Signer, error) {
	_, existing, err := s.envelopeDraft(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	built, err := buildSigners([]SignerInput{in}, existing)
	if err != nil {
		return nil, err
	}
	rec := built[0]
	rec.DocumentID = envelopeID
	if err := s.store.AddSigner(ctx, &rec); err != nil {
		return nil, err
	}
	s.record(ctx, envelopeID, audit.ActionSignerAdded, actor, audit.Metadata{
		"signerId": rec.ID,
		"email":    rec.Email,
		"position": rec.Position,
	})
	out := toSigner(rec)
	return &out, nil
}

// UpdateSignerPosition moves a signer of a DRAFT envelope to a free
// position. Positions are immutable once the envelope is sent.
func (s *Service) UpdateSignerPosition(ctx context.Context, envelopeID, signerID string, position int, actor string) (*Signer, error) {
	if position <= 0 {
		return nil, signerr.Validation("position must be positive", "position")
	}
	_, existing, err := s.envelopeDraft(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	var target *SignerRecord
	for i := range existing {
		if existing[i].ID == signerID {
			target = &existing[i]
		} else if existing[i].Position == position {
			return nil, signerr.Validation("position is already taken", "position")
		}
	}
	if target == nil {
		return nil, signerr.NotFound("signer", signerID)
	}
	from := target.Position
	if from != position {
		if err := s.store.UpdateSigner(ctx, envelopeID, signerID, map[string]any{"position": position}); err != nil {
			return nil, err
		}
		target.Position = position
		s.record(ctx, envelopeID, audit.ActionSignerUpdated, actor, audit.Metadata{
			"signerId": signerID,
			"from":     from,
			"to":       position,
		})
	}
	out := toSigner(*target)
	return &out, nil
}

// RemoveSigner removes a signer from a DRAFT envelope.
func (s *Service) RemoveSigner(ctx context.Context, envelopeID, signerID, actor string) error {
	_, existing, err := s.envelopeDraft(ctx, envelopeID)
	if err != nil {
		return err
	}
	var email string
	for _, sg := range existing {
		if sg.ID == signerID {
			email = sg.Email
		}
	}
	if email == "" {
		return signerr.NotFound("signer", signerID)
	}
	if err := s.store.RemoveSigner(ctx, envelopeID, signerID); err != nil {
		return err
	}
	s.record(ctx, envelopeID, audit.ActionSignerRemoved, actor, audit.Metadata{"signerId": signerID, "email": email})
	return nil
}

// load returns a document after applying lazy expiry.
func (s *Service) load(ctx context.Context, id string) (*DocumentRecord, error) {
	doc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, signerr.NotFound("document", id)
	}
	return s.applyExpiry(ctx, doc)
}

// record appends an audit entry. Failures are logged, never returned: the
// state change it describes has already committed.
func (s *Service) record(ctx context.Context, documentID string, action audit.Action, actor string, md audit.Metadata) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Append(ctx, documentID, action, actor, md); err != nil {
		s.logger.Error("failed to append audit entry",
			zap.String("documentId", documentID),
			zap.String("action", string(action)),
			zap.Error(err))
	}
}
