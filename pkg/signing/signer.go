package signing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lumenhouse/esign/pkg/artifact"
	"github.com/lumenhouse/esign/pkg/audit"
	"github.com/lumenhouse/esign/pkg/otp"
	"github.com/lumenhouse/esign/pkg/render"
	"github.com/lumenhouse/esign/pkg/session"
	"github.com/lumenhouse/esign/pkg/signerr"
)

// MaxDeclineReason caps the length of a decline reason.
const MaxDeclineReason = 1000

var (
	_ otp.RecipientDirectory   = (*Service)(nil)
	_ otp.VerificationListener = (*Service)(nil)
)

// openSigner loads a document awaiting signatures together with one of its
// signers that can still act.
func (s *Service) openSigner(ctx context.Context, documentID, signerID string) (*DocumentRecord, *SignerRecord, error) {
	doc, err := s.load(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	if !awaitingSignatures(doc.Kind, doc.Status) {
		return nil, nil, signerr.IllegalTransition(string(doc.Status), "")
	}
	signer, err := s.store.Signer(ctx, documentID, signerID)
	if err != nil {
		return nil, nil, err
	}
	if signer == nil {
		return nil, nil, signerr.NotFound("signer", signerID)
	}
	switch signer.Status {
	case SignerSigned:
		return nil, nil, signerr.New(signerr.CodeAlreadySigned, "signer has already signed")
	case SignerDeclined:
		return nil, nil, signerr.IllegalTransition(string(SignerDeclined), "")
	}
	return doc, signer, nil
}

// Recipient resolves the signer a magic link was sent to. It fails when the
// document no longer accepts signer actions.
func (s *Service) Recipient(ctx context.Context, documentID, signerID string) (*otp.Recipient, error) {
	doc, signer, err := s.openSigner(ctx, documentID, signerID)
	if err != nil {
		return nil, err
	}
	return &otp.Recipient{Name: signer.Name, Email: signer.Email, DocumentTitle: doc.Title}, nil
}

// OnVerified moves the signer to viewed and a SENT contract to VIEWED. It is
// idempotent; every call is audited.
func (s *Service) OnVerified(ctx context.Context, documentID, signerID, email string) error {
	doc, signer, err := s.openSigner(ctx, documentID, signerID)
	if err != nil {
		return err
	}
	first, err := s.store.MarkViewed(ctx, doc, signer.ID, s.now().UTC())
	if err != nil {
		return err
	}
	s.record(ctx, documentID, audit.ActionViewed, email, audit.Metadata{"signerId": signer.ID, "first": first})
	return nil
}

// LinkInfo is what an opened magic link reveals before verification.
type LinkInfo struct {
	DocumentID  string    `json:"documentId"`
	SignerID    string    `json:"signerId"`
	Number      string    `json:"number"`
	Title       string    `json:"title"`
	Status      Status    `json:"status"`
	MaskedEmail string    `json:"maskedEmail"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Next        string    `json:"next"`
}

// maskEmail hides all but the first character of the local part.
func maskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domain
}

// OpenLink validates a magic-link token without consuming it. Links of
// expired documents report ExpiredToken and links of otherwise closed
// documents InvalidToken.
func (s *Service) OpenLink(ctx context.Context, tokenValue string) (*LinkInfo, error) {
	binding, err := s.tokens.Validate(ctx, tokenValue)
	if err != nil {
		if signerr.CodeOf(err) == signerr.CodeInvalidToken {
			if rec, lerr := s.tokens.Lookup(ctx, tokenValue); lerr == nil && rec != nil {
				if doc, lerr := s.store.Get(ctx, rec.DocumentID); lerr == nil && doc != nil && doc.Status == StatusExpired {
					return nil, signerr.New(signerr.CodeExpiredToken, "link has expired")
				}
			}
		}
		return nil, err
	}
	doc, signer, err := s.openSigner(ctx, binding.DocumentID, binding.SignerID)
	if err != nil {
		current, lerr := s.store.Get(ctx, binding.DocumentID)
		switch {
		case lerr != nil:
			return nil, lerr
		case current != nil && current.Status == StatusExpired:
			return nil, signerr.New(signerr.CodeExpiredToken, "link has expired")
		case signerr.CodeOf(err) == signerr.CodeIllegalStateTransition || signerr.CodeOf(err) == signerr.CodeNotFound:
			return nil, signerr.New(signerr.CodeInvalidToken, "link is no longer valid")
		}
		return nil, err
	}
	return &LinkInfo{
		DocumentID:  doc.ID,
		SignerID:    signer.ID,
		Number:      doc.Number,
		Title:       doc.Title,
		Status:      doc.Status,
		MaskedEmail: maskEmail(signer.Email),
		ExpiresAt:   binding.ExpiresAt,
		Next:        "request_otp",
	}, nil
}

// SignerSummary is how other signers appear in a view.
type SignerSummary struct {
	Name     string       `json:"name"`
	Role     string       `json:"role,omitempty"`
	Position int          `json:"position"`
	Status   SignerStatus `json:"status"`
}

// DocumentView is the session-independent part of a view. It is cached per
// document version.
type DocumentView struct {
	DocumentID   string          `json:"documentId"`
	Number       string          `json:"number"`
	Kind         Kind            `json:"kind"`
	Title        string          `json:"title"`
	Status       Status          `json:"status"`
	Workflow     Workflow        `json:"workflow,omitempty"`
	HTML         string          `json:"html"`
	ArtifactHash string          `json:"artifactHash,omitempty"`
	ExpiresAt    *time.Time      `json:"expiresAt,omitempty"`
	Signers      []SignerSummary `json:"signers"`
	Version      int             `json:"version"`
}

// View is what a verified signer sees.
type View struct {
	DocumentView
	Signer           Signer    `json:"signer"`
	CanSign          bool      `json:"canSign"`
	Blocked          string    `json:"blocked,omitempty"`
	SessionExpiresAt time.Time `json:"sessionExpiresAt"`
}

// Authorize validates sessionID for documentID after applying lazy expiry.
func (s *Service) Authorize(ctx context.Context, documentID, sessionID string) (*session.Session, error) {
	if _, err := s.load(ctx, documentID); err != nil {
		return nil, err
	}
	return s.sessions.Validate(ctx, sessionID, documentID)
}

// AuthorizeRead is Authorize for downloads. Sessions left read-only after
// their holder signed are accepted until they expire.
func (s *Service) AuthorizeRead(ctx context.Context, documentID, sessionID string) (*session.Session, error) {
	if _, err := s.load(ctx, documentID); err != nil {
		return nil, err
	}
	return s.sessions.ValidateRead(ctx, sessionID, documentID)
}

// View returns the rendered document for the holder of sessionID.
func (s *Service) View(ctx context.Context, documentID, sessionID string) (*View, error) {
	sess, err := s.Authorize(ctx, documentID, sessionID)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, signerr.NotFound("document", documentID)
	}
	signers, err := s.store.Signers(ctx, documentID)
	if err != nil {
		return nil, err
	}

	view := &View{DocumentView: s.documentView(doc, signers), SessionExpiresAt: sess.ExpiresAt}
	for _, sg := range signers {
		if sg.ID == sess.SignerID {
			view.Signer = toSigner(sg)
		}
	}
	if err := NewSequencer(doc, signers).Check(sess.SignerID); err != nil {
		view.Blocked = string(signerr.CodeOf(err))
	} else {
		view.CanSign = true
	}
	return view, nil
}

func (s *Service) documentView(doc *DocumentRecord, signers []SignerRecord) DocumentView {
	key := fmt.Sprintf("view:%s:%d", doc.ID, doc.Version)
	if s.views != nil {
		if b, ok := s.views.Get(key); ok {
			var dv DocumentView
			if err := json.Unmarshal(b, &dv); err == nil {
				return dv
			}
		}
	}
	dv := DocumentView{
		DocumentID:   doc.ID,
		Number:       doc.Number,
		Kind:         doc.Kind,
		Title:        doc.Title,
		Status:       doc.Status,
		Workflow:     doc.Workflow,
		HTML:         doc.RenderedHTML,
		ArtifactHash: doc.ArtifactHash,
		ExpiresAt:    doc.ExpiresAt,
		Signers:      make([]SignerSummary, 0, len(signers)),
		Version:      doc.Version,
	}
	for _, sg := range signers {
		dv.Signers = append(dv.Signers, SignerSummary{Name: sg.Name, Role: sg.Role, Position: sg.Position, Status: sg.Status})
	}
	if s.views != nil {
		if b, err := json.Marshal(dv); err == nil {
			s.views.Set(key, b)
		}
	}
	return dv
}

// SignatureInput is a signature submission.
type SignatureInput struct {
	SessionID        string `json:"sessionId"`
	SignatureDataURL string `json:"signatureDataUrl"`
	SignerName       string `json:"signerName"`
	SignerEmail      string `json:"signerEmail"`
	AgreedToTerms    bool   `json:"agreedToTerms"`
	IPAddress        string `json:"-"`
	UserAgent        string `json:"-"`
}

// SignResult describes an accepted signature.
type SignResult struct {
	DocumentID string    `json:"documentId"`
	SignerID   string    `json:"signerId"`
	Status     Status    `json:"status"`
	SignedAt   time.Time `json:"signedAt"`
	Completed  bool      `json:"completed"`
	// SignedPDFPath is set once every signer has signed.
	SignedPDFPath string `json:"signedPdfPath,omitempty"`
}

// signableStatus checks that doc accepts a signature at all, before any
// session or input is looked at.
func signableStatus(doc *DocumentRecord) error {
	if doc.Kind == KindContract {
		switch doc.Status {
		case StatusViewed:
			return nil
		case StatusSigned:
			return signerr.New(signerr.CodeAlreadySigned, "document has already been signed")
		}
		return signerr.IllegalTransition(string(doc.Status), string(StatusSigned))
	}
	switch doc.Status {
	case StatusPending, StatusInProgress:
		return nil
	case StatusCompleted:
		return signerr.New(signerr.CodeAlreadySigned, "every signer has already signed")
	}
	return signerr.IllegalTransition(string(doc.Status), "")
}

// SubmitSignature records a signature for the signer behind in.SessionID.
// The session, the signer's turn and the inputs are checked before any
// state changes; the signer and document updates are one conditional
// transaction, so concurrent submissions for the same signer cannot both
// succeed.
func (s *Service) SubmitSignature(ctx context.Context, documentID string, in SignatureInput) (_ *SignResult, err error) {
	ctx, span := tracer.Start(ctx, "signing.SubmitSignature", trace.WithAttributes(attribute.String("document.id", documentID)))
	defer func() { endSpan(span, err) }()

	doc, err := s.load(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := signableStatus(doc); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Validate(ctx, in.SessionID, documentID)
	if err != nil {
		return nil, s.sessionConflict(ctx, documentID, in.SessionID, err)
	}
	signers, err := s.store.Signers(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := NewSequencer(doc, signers).Check(sess.SignerID); err != nil {
		return nil, err
	}
	var signer SignerRecord
	for _, sg := range signers {
		if sg.ID == sess.SignerID {
			signer = sg
		}
	}

	var fields []string
	if !in.AgreedToTerms {
		fields = append(fields, "agreedToTerms")
	}
	if strings.TrimSpace(in.SignerName) == "" {
		fields = append(fields, "signerName")
	}
	if !strings.EqualFold(strings.TrimSpace(in.SignerEmail), signer.Email) {
		fields = append(fields, "signerEmail")
	}
	img, imgErr := render.ParseDataURL(in.SignatureDataURL)
	if imgErr != nil {
		fields = append(fields, "signatureDataUrl")
	}
	if len(fields) > 0 {
		return nil, signerr.Validation("signature, signer name, signer email and consent are required", fields...)
	}

	signedAt := s.now().UTC()
	sig := &SignatureRecord{
		SignerID:      signer.ID,
		SignerName:    strings.TrimSpace(in.SignerName),
		SignerEmail:   signer.Email,
		ImageType:     img.Type,
		ImageData:     img.Data,
		AgreedToTerms: true,
		IPAddress:     in.IPAddress,
		UserAgent:     in.UserAgent,
		SignedAt:      signedAt,
	}
	updated, err := s.store.RecordSignature(ctx, documentID, sig)
	if errors.Is(err, errStale) {
		return nil, s.signConflict(ctx, documentID, signer.ID)
	}
	if err != nil {
		return nil, err
	}

	s.record(ctx, documentID, audit.ActionSigned, signer.Email, audit.Metadata{
		"signerId":  signer.ID,
		"name":      sig.SignerName,
		"ipAddress": in.IPAddress,
		"userAgent": in.UserAgent,
		"status":    string(updated.Status),
	})
	if _, err := s.sessions.RestrictSigner(ctx, documentID, signer.ID); err != nil {
		s.logger.Warn("failed to restrict signer sessions", zap.String("documentId", documentID), zap.Error(err))
	}
	s.logger.Info("signature recorded",
		zap.String("documentId", documentID),
		zap.String("signerId", signer.ID),
		zap.String("status", string(updated.Status)))

	res := &SignResult{DocumentID: documentID, SignerID: signer.ID, Status: updated.Status, SignedAt: signedAt}
	if err := s.onSignerCompleted(ctx, updated); err != nil {
		s.logger.Error("failed to schedule follow-up work", zap.String("documentId", documentID), zap.Error(err))
	}
	if updated.Status == doneStatus(updated.Kind) {
		res.Completed = true
		res.SignedPDFPath = artifact.SignedPath(documentID)
	}
	return res, nil
}

// sessionConflict reports AlreadySigned when a session was closed because
// its holder signed in the meantime, and cause otherwise.
func (s *Service) sessionConflict(ctx context.Context, documentID, sessionID string, cause error) error {
	if signerr.CodeOf(cause) != signerr.CodeSessionExpired {
		return cause
	}
	holder, err := s.sessions.Holder(ctx, sessionID)
	if err != nil || holder == nil || holder.DocumentID != documentID {
		return cause
	}
	signer, err := s.store.Signer(ctx, documentID, holder.SignerID)
	if err == nil && signer != nil && signer.Status == SignerSigned {
		return signerr.New(signerr.CodeAlreadySigned, "signer has already signed")
	}
	return cause
}

// signConflict explains why a signature transaction matched nothing.
func (s *Service) signConflict(ctx context.Context, documentID, signerID string) error {
	signer, err := s.store.Signer(ctx, documentID, signerID)
	if err != nil {
		return err
	}
	if signer != nil && signer.Status == SignerSigned {
		return signerr.New(signerr.CodeAlreadySigned, "signer has already signed")
	}
	doc, err := s.store.Get(ctx, documentID)
	if err != nil {
		return err
	}
	if doc == nil {
		return signerr.NotFound("document", documentID)
	}
	if signer != nil && signer.Status == SignerDeclined {
		return signerr.IllegalTransition(string(SignerDeclined), string(SignerSigned))
	}
	return signerr.IllegalTransition(string(doc.Status), "")
}

// onSignerCompleted reacts to a committed signature: a finished document is
// closed and queued for sealing, otherwise the signers whose turn has come
// are notified.
func (s *Service) onSignerCompleted(ctx context.Context, doc *DocumentRecord) error {
	if doc.Status == doneStatus(doc.Kind) {
		s.record(ctx, doc.ID, audit.ActionCompleted, "system", audit.Metadata{"status": string(doc.Status)})
		s.closeCompleted(ctx, doc.ID)
		return s.scheduleSeal(ctx, doc.ID)
	}
	if doc.Kind != KindEnvelope || doc.Workflow != WorkflowSequential {
		return nil
	}
	signers, err := s.store.Signers(ctx, doc.ID)
	if err != nil {
		return err
	}
	var errs []error
	for _, sg := range NewSequencer(doc, signers).Eligible() {
		if err := s.scheduleNotify(ctx, doc.ID, sg.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Decline records the session holder's refusal. A contract becomes
// DECLINED; an envelope is CANCELLED for every signer.
func (s *Service) Decline(ctx context.Context, documentID, sessionID, reason string) (*Document, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) > MaxDeclineReason {
		return nil, signerr.Validation(fmt.Sprintf("reason must be at most %d characters", MaxDeclineReason), "reason")
	}
	doc, err := s.load(ctx, documentID)
	if err != nil {
		return nil, err
	}
	to := StatusDeclined
	if doc.Kind == KindEnvelope {
		to = StatusCancelled
	}
	if err := doc.Machine().ValidateTransition(doc.Status, to); err != nil || !awaitingSignatures(doc.Kind, doc.Status) {
		return nil, signerr.IllegalTransition(string(doc.Status), string(to))
	}
	sess, err := s.sessions.Validate(ctx, sessionID, documentID)
	if err != nil {
		return nil, err
	}
	_, signer, err := s.openSigner(ctx, documentID, sess.SignerID)
	if err != nil {
		return nil, err
	}

	statusReason := reason
	if doc.Kind == KindEnvelope {
		statusReason = "declined by " + signer.Email
		if reason != "" {
			statusReason += ": " + reason
		}
	}
	if _, err := s.store.Decline(ctx, documentID, signer.ID, doc.Machine().Sources(to), to, statusReason, s.now().UTC()); err != nil {
		if errors.Is(err, errStale) {
			return nil, s.signConflict(ctx, documentID, signer.ID)
		}
		return nil, err
	}

	s.record(ctx, documentID, audit.ActionDeclined, signer.Email, audit.Metadata{"signerId": signer.ID, "reason": reason})
	if doc.Kind == KindEnvelope {
		s.record(ctx, documentID, audit.ActionCancelled, "system", audit.Metadata{"reason": statusReason})
	}
	s.closeOut(ctx, documentID)
	s.logger.Info("document declined", zap.String("documentId", documentID), zap.String("signerId", signer.ID))
	return s.Get(ctx, documentID)
}

// ExtendSession renews a live session on a document that still accepts
// signer actions.
func (s *Service) ExtendSession(ctx context.Context, documentID, sessionID string) (*session.Session, error) {
	doc, err := s.load(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !awaitingSignatures(doc.Kind, doc.Status) {
		return nil, signerr.New(signerr.CodeSessionExpired, "document is closed; the session cannot be extended")
	}
	sess, err := s.sessions.Extend(ctx, sessionID, documentID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, documentID, audit.ActionSessionExtended, sess.Email, audit.Metadata{
		"signerId":  sess.SignerID,
		"expiresAt": sess.ExpiresAt.Format(time.RFC3339),
	})
	return sess, nil
}
