package signing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lumenhouse/esign/pkg/artifact"
	"github.com/lumenhouse/esign/pkg/audit"
	"github.com/lumenhouse/esign/pkg/notify"
	"github.com/lumenhouse/esign/pkg/render"
	"github.com/lumenhouse/esign/pkg/signerr"
	"github.com/lumenhouse/esign/pkg/token"
)

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(signerr.CodeOf(err)))
	}
	span.End()
}

func (s *Service) meta(doc *DocumentRecord) render.Meta {
	return render.Meta{Number: doc.Number, Title: doc.Title, Created: doc.CreatedAt}
}

// Send renders the document, stores its unsigned PDF, moves it out of DRAFT
// and mails magic links to the signers who may act first. The status change
// commits before delivery; a delivery failure is returned and audited, and
// the issuer can resend.
func (s *Service) Send(ctx context.Context, id, actor string) (_ *Document, err error) {
	ctx, span := tracer.Start(ctx, "signing.Send", trace.WithAttributes(attribute.String("document.id", id)))
	defer func() { endSpan(span, err) }()

	doc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	to := sentStatus(doc.Kind)
	if err := doc.Machine().ValidateTransition(doc.Status, to); err != nil {
		return nil, err
	}
	signers, err := s.store.Signers(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(signers) == 0 {
		return nil, signerr.Validation("at least one recipient is required", "signers")
	}
	for i, sg := range signers {
		if _, ok := normalizeEmail(sg.Email); !ok {
			return nil, signerr.Validation("recipient email is not valid", fmt.Sprintf("signers[%d].email", i))
		}
	}

	rendered, err := s.renderer.Render(render.Source{
		TemplateID: doc.TemplateID,
		Body:       doc.Body,
		Variables:  doc.Variables,
	}, true)
	if err != nil {
		return nil, err
	}
	pdf, hash, err := s.renderer.PDF(rendered.HTML, s.meta(doc))
	if err != nil {
		return nil, fmt.Errorf("generate pdf: %w", err)
	}
	path := artifact.UnsignedPath(id)
	if err := s.artifacts.Write(ctx, path, pdf); err != nil {
		return nil, fmt.Errorf("store unsigned pdf: %w", err)
	}

	now := s.now().UTC()
	doc, err = s.store.Transition(ctx, id, []Status{StatusDraft}, to, map[string]any{
		"sent_at":       now,
		"rendered_html": rendered.HTML,
		"unsigned_hash": hash,
		"artifact_path": path,
		"artifact_hash": hash,
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, audit.ActionPDFGenerated, actor, audit.Metadata{"path": path, "hash": hash})
	md := audit.Metadata{"signers": len(signers), "status": string(to)}
	if len(rendered.Missing) > 0 {
		md["missingVariables"] = rendered.Missing
	}
	s.record(ctx, id, audit.ActionSent, actor, md)
	s.logger.Info("document sent",
		zap.String("documentId", id),
		zap.String("status", string(to)),
		zap.Int("signers", len(signers)))

	var errs []error
	for _, sg := range NewSequencer(doc, signers).Eligible() {
		if err := s.deliverLink(ctx, doc, sg, notify.KindMagicLink, actor); err != nil {
			errs = append(errs, err)
		}
	}
	out := toDocument(doc, signers)
	return out, errors.Join(errs...)
}

// deliverLink issues a fresh token for signer, which revokes any earlier
// one, and mails the link.
func (s *Service) deliverLink(ctx context.Context, doc *DocumentRecord, signer SignerRecord, kind, actor string) error {
	issued, err := s.tokens.Issue(ctx, doc.ID, signer.ID)
	if err != nil {
		return err
	}
	if s.mailer == nil {
		s.logger.Warn("no mailer configured; signing link not delivered",
			zap.String("documentId", doc.ID), zap.String("signerId", signer.ID))
		return nil
	}
	url := s.cfg.SignURL(issued.Value)
	msg := notify.MagicLinkMessage(signer.Email, signer.Name, doc.Title, url, issued.Record.ExpiresAt)
	if kind == notify.KindYourTurn {
		msg = notify.YourTurnMessage(signer.Email, signer.Name, doc.Title, url, issued.Record.ExpiresAt)
	}
	if err := notify.Deliver(ctx, s.mailer, msg, s.delivery); err != nil {
		s.record(ctx, doc.ID, audit.ActionDeliveryFailed, actor, audit.Metadata{
			"signerId": signer.ID,
			"email":    signer.Email,
			"kind":     kind,
			"error":    err.Error(),
		})
		s.logger.Error("failed to deliver signing link",
			zap.String("documentId", doc.ID),
			zap.String("signerId", signer.ID),
			zap.Error(err))
		return fmt.Errorf("deliver signing link to %s: %w", signer.Email, err)
	}
	return nil
}

// Resend revokes the outstanding link of one signer, or of every signer who
// may act now when signerID is empty, and mails a new one. The document
// status does not change.
func (s *Service) Resend(ctx context.Context, id, signerID, actor string) (*Document, error) {
	doc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !awaitingSignatures(doc.Kind, doc.Status) {
		return nil, signerr.IllegalTransition(string(doc.Status), "")
	}
	signers, err := s.store.Signers(ctx, id)
	if err != nil {
		return nil, err
	}
	seq := NewSequencer(doc, signers)

	var targets []SignerRecord
	if signerID == "" {
		targets = seq.Eligible()
	} else {
		if err := seq.Check(signerID); err != nil {
			return nil, err
		}
		for _, sg := range signers {
			if sg.ID == signerID {
				targets = append(targets, sg)
			}
		}
	}
	if len(targets) == 0 {
		return nil, signerr.Validation("no signer can act on this document", "signerId")
	}

	var errs []error
	for _, sg := range targets {
		if _, err := s.tokens.RevokeSigner(ctx, id, sg.ID, token.ReasonResent); err != nil {
			return nil, err
		}
		if err := s.deliverLink(ctx, doc, sg, notify.KindMagicLink, actor); err != nil {
			errs = append(errs, err)
			continue
		}
		s.record(ctx, id, audit.ActionResent, actor, audit.Metadata{"signerId": sg.ID, "email": sg.Email})
	}
	return toDocument(doc, signers), errors.Join(errs...)
}

// Void cancels a document that is not yet terminal: contracts become VOIDED
// and envelopes CANCELLED. Every link and session of the document is
// revoked.
func (s *Service) Void(ctx context.Context, id, reason, actor string) (*Document, error) {
	doc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	m := doc.Machine()
	to := cancelStatus(doc.Kind)
	if err := m.ValidateTransition(doc.Status, to); err != nil {
		return nil, err
	}
	doc, err = s.store.Transition(ctx, id, m.Sources(to), to, map[string]any{"status_reason": reason})
	if err != nil {
		return nil, err
	}
	action := audit.ActionVoided
	if doc.Kind == KindEnvelope {
		action = audit.ActionCancelled
	}
	s.record(ctx, id, action, actor, audit.Metadata{"reason": reason})
	s.closeOut(ctx, id)
	s.logger.Info("document cancelled", zap.String("documentId", id), zap.String("status", string(to)))
	return s.Get(ctx, id)
}

// closeOut revokes the links and sessions of a document that reached a
// terminal state.
func (s *Service) closeOut(ctx context.Context, id string) {
	if _, err := s.tokens.RevokeDocument(ctx, id, token.ReasonTerminal); err != nil {
		s.logger.Error("failed to revoke document tokens", zap.String("documentId", id), zap.Error(err))
	}
	if _, err := s.sessions.RevokeDocument(ctx, id); err != nil {
		s.logger.Error("failed to revoke document sessions", zap.String("documentId", id), zap.Error(err))
	}
}

// closeCompleted revokes the links of a completed document. Its sessions
// stay readable so signers can fetch the signed PDF until they expire.
func (s *Service) closeCompleted(ctx context.Context, id string) {
	if _, err := s.tokens.RevokeDocument(ctx, id, token.ReasonTerminal); err != nil {
		s.logger.Error("failed to revoke document tokens", zap.String("documentId", id), zap.Error(err))
	}
	if _, err := s.sessions.RestrictDocument(ctx, id); err != nil {
		s.logger.Error("failed to restrict document sessions", zap.String("documentId", id), zap.Error(err))
	}
}
