package signing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lumenhouse/esign/pkg/artifact"
	"github.com/lumenhouse/esign/pkg/audit"
	"github.com/lumenhouse/esign/pkg/integrity"
	"github.com/lumenhouse/esign/pkg/jobs"
	"github.com/lumenhouse/esign/pkg/notify"
	"github.com/lumenhouse/esign/pkg/render"
	"github.com/lumenhouse/esign/pkg/signerr"
)

var _ integrity.SealSource = (*Service)(nil)

// Seal returns the recorded artifact path and hash of a document, or nil
// for an unknown document.
func (s *Service) Seal(ctx context.Context, documentID string) (*integrity.Seal, error) {
	doc, err := s.store.Get(ctx, documentID)
	if err != nil || doc == nil {
		return nil, err
	}
	return &integrity.Seal{Path: doc.ArtifactPath, Hash: doc.ArtifactHash}, nil
}

// GeneratePDF regenerates the current artifact of a document and replaces
// its recorded hash. Drafts are rendered from their template, sent
// documents reprint the content frozen at send time and finished documents
// are sealed again.
func (s *Service) GeneratePDF(ctx context.Context, documentID, actor string) (*integrity.Seal, error) {
	doc, err := s.load(ctx, documentID)
	if err != nil {
		return nil, err
	}
	switch {
	case doc.Status == doneStatus(doc.Kind):
		return s.SealDocument(ctx, documentID, actor)
	case doc.Terminal():
		return nil, signerr.IllegalTransition(string(doc.Status), "")
	}

	html := doc.RenderedHTML
	if doc.Status == StatusDraft {
		rendered, err := s.renderer.Render(render.Source{
			TemplateID: doc.TemplateID,
			Body:       doc.Body,
			Variables:  doc.Variables,
		}, false)
		if err != nil {
			return nil, err
		}
		html = rendered.HTML
	}
	pdf, hash, err := s.renderer.PDF(html, s.meta(doc))
	if err != nil {
		return nil, fmt.Errorf("generate pdf: %w", err)
	}
	path := artifact.UnsignedPath(documentID)
	if err := s.artifacts.Write(ctx, path, pdf); err != nil {
		return nil, fmt.Errorf("store unsigned pdf: %w", err)
	}
	if err := s.store.Update(ctx, documentID, doc.Status, map[string]any{
		"rendered_html": html,
		"unsigned_hash": hash,
		"artifact_path": path,
		"artifact_hash": hash,
	}); err != nil {
		return nil, err
	}
	s.record(ctx, documentID, audit.ActionPDFGenerated, actor, audit.Metadata{"path": path, "hash": hash})
	return &integrity.Seal{Path: path, Hash: hash}, nil
}

// SealDocument prints the finished document with every captured signature,
// stores it at the signed path and records its hash as the seal. The first
// seal also tells every signer the document is complete.
func (s *Service) SealDocument(ctx context.Context, documentID, actor string) (_ *integrity.Seal, err error) {
	ctx, span := tracer.Start(ctx, "signing.SealDocument", trace.WithAttributes(attribute.String("document.id", documentID)))
	defer func() { endSpan(span, err) }()

	doc, err := s.store.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, signerr.NotFound("document", documentID)
	}
	if done := doneStatus(doc.Kind); doc.Status != done {
		return nil, signerr.IllegalTransition(string(doc.Status), string(done))
	}
	signers, err := s.store.Signers(ctx, documentID)
	if err != nil {
		return nil, err
	}
	sigs, err := s.store.Signatures(ctx, documentID)
	if err != nil {
		return nil, err
	}
	bySigner := make(map[string]SignatureRecord, len(sigs))
	for _, sig := range sigs {
		bySigner[sig.SignerID] = sig
	}

	stamps := make([]render.SignatureStamp, 0, len(signers))
	for _, sg := range signers {
		sig, ok := bySigner[sg.ID]
		if !ok {
			continue
		}
		stamps = append(stamps, render.SignatureStamp{
			Name:      sig.SignerName,
			Email:     sig.SignerEmail,
			Role:      sg.Role,
			SignedAt:  sig.SignedAt,
			IPAddress: sig.IPAddress,
			Image:     &render.Image{Type: sig.ImageType, Data: sig.ImageData},
		})
	}

	pdf, hash, err := s.renderer.SignedPDF(doc.RenderedHTML, s.meta(doc), doc.UnsignedHash, stamps)
	if err == nil {
		err = s.artifacts.Write(ctx, artifact.SignedPath(documentID), pdf)
	}
	if err != nil {
		s.record(ctx, documentID, audit.ActionSealFailed, actor, audit.Metadata{"error": err.Error()})
		return nil, fmt.Errorf("seal document: %w", err)
	}

	path := artifact.SignedPath(documentID)
	if err := s.store.Update(ctx, documentID, doc.Status, map[string]any{
		"artifact_path": path,
		"artifact_hash": hash,
		"sealed_at":     s.now().UTC(),
	}); err != nil {
		return nil, err
	}
	s.record(ctx, documentID, audit.ActionSealed, actor, audit.Metadata{
		"path":       path,
		"hash":       hash,
		"signatures": len(stamps),
	})
	s.logger.Info("document sealed", zap.String("documentId", documentID), zap.String("hash", hash))

	if doc.SealedAt == nil && s.mailer != nil {
		for _, sg := range signers {
			msg := notify.CompletedMessage(sg.Email, doc.Title, doc.Number)
			if err := notify.Deliver(ctx, s.mailer, msg, s.delivery); err != nil {
				s.logger.Warn("failed to send completion notice",
					zap.String("documentId", documentID),
					zap.String("signerId", sg.ID),
					zap.Error(err))
			}
		}
	}
	return &integrity.Seal{Path: path, Hash: hash}, nil
}

// NotifySigner mails a fresh link to a signer whose turn has come. It does
// nothing when the document closed or the signer cannot act yet.
func (s *Service) NotifySigner(ctx context.Context, documentID, signerID string) error {
	doc, err := s.load(ctx, documentID)
	if err != nil {
		return err
	}
	signers, err := s.store.Signers(ctx, documentID)
	if err != nil {
		return err
	}
	if err := NewSequencer(doc, signers).Check(signerID); err != nil {
		s.logger.Info("skipping signer notification",
			zap.String("documentId", documentID),
			zap.String("signerId", signerID),
			zap.String("reason", string(signerr.CodeOf(err))))
		return nil
	}
	for _, sg := range signers {
		if sg.ID != signerID {
			continue
		}
		if err := s.deliverLink(ctx, doc, sg, notify.KindYourTurn, "system"); err != nil {
			return err
		}
		s.record(ctx, documentID, audit.ActionSent, "system", audit.Metadata{
			"signerId": sg.ID,
			"email":    sg.Email,
			"kind":     notify.KindYourTurn,
		})
	}
	return nil
}

func (s *Service) scheduleSeal(ctx context.Context, documentID string) error {
	if s.jobs == nil {
		_, err := s.SealDocument(ctx, documentID, "system")
		return err
	}
	_, err := s.jobs.Enqueue(ctx, &jobs.Job{
		Kind:           jobs.KindSealDocument,
		DocumentID:     documentID,
		IdempotencyKey: jobs.IdempotencyKey(jobs.KindSealDocument, documentID),
	})
	return err
}

func (s *Service) scheduleNotify(ctx context.Context, documentID, signerID string) error {
	if s.jobs == nil {
		return s.NotifySigner(ctx, documentID, signerID)
	}
	_, err := s.jobs.Enqueue(ctx, &jobs.Job{
		Kind:           jobs.KindNotifySigner,
		DocumentID:     documentID,
		SignerID:       signerID,
		IdempotencyKey: jobs.IdempotencyKey(jobs.KindNotifySigner, documentID, signerID),
	})
	return err
}

// RegisterJobs installs the sealing and notification handlers on wp.
// Domain errors fail a job permanently; anything else is retried.
func (s *Service) RegisterJobs(wp *jobs.WorkerPool) {
	wp.Handle(jobs.KindSealDocument, func(ctx context.Context, job *jobs.Job) (string, error) {
		seal, err := s.SealDocument(ctx, job.DocumentID, job.RequestedBy)
		if err != nil {
			return "", classify(err)
		}
		return "sealed " + seal.Hash, nil
	})
	wp.Handle(jobs.KindNotifySigner, func(ctx context.Context, job *jobs.Job) (string, error) {
		if err := s.NotifySigner(ctx, job.DocumentID, job.SignerID); err != nil {
			return "", classify(err)
		}
		return "notified " + job.SignerID, nil
	})
}

func classify(err error) error {
	if signerr.CodeOf(err) != "" {
		return jobs.Permanent(err)
	}
	return err
}
