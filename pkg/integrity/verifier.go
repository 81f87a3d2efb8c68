// Package integrity recomputes the hash of a stored artifact and compares it
// with the value sealed when the artifact was generated.
package integrity

import (
	"context"
	"crypto/subtle"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lumenhouse/esign/pkg/artifact"
	"github.com/lumenhouse/esign/pkg/audit"
	"github.com/lumenhouse/esign/pkg/logger"
	"github.com/lumenhouse/esign/pkg/render"
	"github.com/lumenhouse/esign/pkg/signerr"
)

var tracer = otel.Tracer("github.com/lumenhouse/esign/pkg/integrity")

// Seal is the recorded location and hash of a document's current artifact.
type Seal struct {
	Path string
	Hash string
}

// SealSource looks up the seal of a document. It returns (nil, nil) for an
// unknown document and a Seal with empty fields when nothing was generated.
type SealSource interface {
	Seal(ctx context.Context, documentID string) (*Seal, error)
}

// Result reports a verification.
type Result struct {
	DocumentID     string `json:"documentId"`
	Valid          bool   `json:"valid"`
	RecomputedHash string `json:"recomputedHash"`
	SealedHash     string `json:"sealedHash"`
	Path           string `json:"path,omitempty"`
	// Reason explains an invalid result, e.g. "artifact missing".
	Reason string `json:"reason,omitempty"`
}

// Verifier checks stored artifacts against their seals.
type Verifier struct {
	seals  SealSource
	store  artifact.Store
	audit  *audit.Store
	logger *zap.Logger
}

// NewVerifier creates a Verifier. auditStore may be nil.
func NewVerifier(seals SealSource, store artifact.Store, auditStore *audit.Store, log *zap.Logger) *Verifier {
	return &Verifier{seals: seals, store: store, audit: auditStore, logger: logger.OrNop(log).Named("integrity")}
}

// Verify re-reads the current artifact of documentID and recomputes its hash.
// A missing or unreadable artifact is an invalid result, not an error; errors
// are reserved for an unknown document or a failing seal lookup.
func (v *Verifier) Verify(ctx context.Context, documentID string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "integrity.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("document.id", documentID))

	seal, err := v.seals.Seal(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if seal == nil {
		return nil, signerr.NotFound("document", documentID)
	}

	res := &Result{DocumentID: documentID, SealedHash: seal.Hash, Path: seal.Path}
	switch {
	case seal.Path == "" || seal.Hash == "":
		res.Reason = "no artifact has been generated"
	default:
		data, err := v.store.Read(ctx, seal.Path)
		switch {
		case errors.Is(err, artifact.ErrNotFound):
			res.Reason = "artifact missing"
		case err != nil:
			res.Reason = "artifact unreadable"
			v.logger.Warn("artifact read failed", zap.String("documentId", documentID), zap.Error(err))
		default:
			res.RecomputedHash = render.Hash(data)
			res.Valid = subtle.ConstantTimeCompare([]byte(res.RecomputedHash), []byte(seal.Hash)) == 1
			if !res.Valid {
				res.Reason = "hash mismatch"
			}
		}
	}

	span.SetAttributes(attribute.Bool("integrity.valid", res.Valid))
	if !res.Valid {
		v.logger.Warn("integrity check failed",
			zap.String("documentId", documentID),
			zap.String("reason", res.Reason),
			zap.String("sealedHash", res.SealedHash),
			zap.String("recomputedHash", res.RecomputedHash))
	}
	return res, nil
}

// Require verifies documentID and turns an invalid result into
// IntegrityMismatch carrying both hashes.
func (v *Verifier) Require(ctx context.Context, documentID string) (*Result, error) {
	res, err := v.Verify(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		e := signerr.IntegrityMismatch(res.RecomputedHash, res.SealedHash)
		if res.Reason != "" {
			e.Message += ": " + res.Reason
		}
		return res, e
	}
	return res, nil
}

// Check is Verify with the outcome recorded in the audit log as
// integrity_checked by actor.
func (v *Verifier) Check(ctx context.Context, documentID, actor string) (*Result, error) {
	res, err := v.Verify(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if v.audit != nil {
		md := audit.Metadata{
			"valid":          res.Valid,
			"sealedHash":     res.SealedHash,
			"recomputedHash": res.RecomputedHash,
		}
		if res.Reason != "" {
			md["reason"] = res.Reason
		}
		if _, err := v.audit.Append(ctx, documentID, audit.ActionIntegrityChecked, actor, md); err != nil {
			v.logger.Error("audit append failed", zap.String("documentId", documentID), zap.Error(err))
		}
	}
	return res, nil
}
