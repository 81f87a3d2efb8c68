// Package token issues, validates and revokes magic-link tokens bound to a
// document and, optionally, a signer.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lumenhouse/esign/pkg/logger"
	"github.com/lumenhouse/esign/pkg/signerr"
)

// Revocation reasons recorded on superseded or withdrawn tokens.
const (
	ReasonSuperseded = "superseded"
	ReasonResent     = "resent"
	ReasonTerminal   = "document_closed"
	ReasonManual     = "revoked"
)

// Service persists magic-link tokens.
type Service struct {
	db     *gorm.DB
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

// NewService creates a token service.
func NewService(db *gorm.DB, cfg Config, log *zap.Logger) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	return &Service{
		db:     db,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.OrNop(log).Named("token"),
	}
}

// WithClock overrides the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithTx returns a copy of the service that runs its queries on tx.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	c := *s
	c.db = tx
	return &c
}

// AutoMigrate creates or updates the token table.
func (s *Service) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Record{}); err != nil {
		return fmt.Errorf("auto-migrate tokens: %w", err)
	}
	return nil
}

// Issue mints a new token for (documentID, signerID) and revokes every
// outstanding token of the same pair in the same transaction, so an old and
// a new token are never both valid.
func (s *Service) Issue(ctx context.Context, documentID, signerID string) (*Issued, error) {
	if documentID == "" {
		return nil, errors.New("issue token: document id is required")
	}
	value, err := NewValue()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rec := Record{
		ID:         uuid.NewString(),
		ValueHash:  HashValue(value),
		DocumentID: documentID,
		SignerID:   signerID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.cfg.TTL),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Record{}).
			Where("document_id = ? AND signer_id = ? AND consumed_at IS NULL AND revoked_at IS NULL", documentID, signerID).
			Updates(map[string]any{"revoked_at": now, "revoke_reason": ReasonSuperseded}).Error; err != nil {
			return fmt.Errorf("revoke outstanding tokens: %w", err)
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	s.logger.Debug("token issued",
		zap.String("documentId", documentID),
		zap.String("signerId", signerID),
		zap.Time("expiresAt", rec.ExpiresAt))

	return &Issued{Value: value, Record: rec}, nil
}

// Lookup returns the record for a token value regardless of its state, or
// nil when the value is unknown.
func (s *Service) Lookup(ctx context.Context, value string) (*Record, error) {
	if value == "" {
		return nil, nil
	}
	var rec Record
	res := s.db.WithContext(ctx).Where("value_hash = ?", HashValue(value)).Limit(1).Find(&rec)
	if res.Error != nil {
		return nil, fmt.Errorf("lookup token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &rec, nil
}

// Validate checks existence, revocation, consumption and expiry. It does not
// consume the token.
func (s *Service) Validate(ctx context.Context, value string) (*Binding, error) {
	rec, err := s.Lookup(ctx, value)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, signerr.New(signerr.CodeInvalidToken, "link is not valid")
	}

	switch rec.StateAt(s.now()) {
	case StateRevoked:
		return nil, signerr.New(signerr.CodeInvalidToken, "link is no longer valid")
	case StateConsumed:
		return nil, signerr.New(signerr.CodeTokenAlreadyConsumed, "link has already been used")
	case StateExpired:
		return nil, signerr.New(signerr.CodeExpiredToken, "link has expired")
	}

	return &Binding{
		TokenID:    rec.ID,
		DocumentID: rec.DocumentID,
		SignerID:   rec.SignerID,
		ExpiresAt:  rec.ExpiresAt,
	}, nil
}

// Consume marks a live token as used. Exactly one concurrent caller wins;
// the others observe TokenAlreadyConsumed.
func (s *Service) Consume(ctx context.Context, tokenID string) error {
	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND consumed_at IS NULL AND revoked_at IS NULL AND expires_at > ?", tokenID, now).
		Update("consumed_at", now)
	if res.Error != nil {
		return fmt.Errorf("consume token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var rec Record
		found := s.db.WithContext(ctx).Where("id = ?", tokenID).Limit(1).Find(&rec)
		if found.Error != nil {
			return fmt.Errorf("consume token: %w", found.Error)
		}
		if found.RowsAffected == 0 {
			return signerr.New(signerr.CodeInvalidToken, "link is not valid")
		}
		switch rec.StateAt(now) {
		case StateExpired:
			return signerr.New(signerr.CodeExpiredToken, "link has expired")
		case StateRevoked:
			return signerr.New(signerr.CodeInvalidToken, "link is no longer valid")
		}
		return signerr.New(signerr.CodeTokenAlreadyConsumed, "link has already been used")
	}
	return nil
}

// Revoke invalidates a single token by value.
func (s *Service) Revoke(ctx context.Context, value, reason string) error {
	if reason == "" {
		reason = ReasonManual
	}
	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("value_hash = ? AND revoked_at IS NULL", HashValue(value)).
		Updates(map[string]any{"revoked_at": s.now().UTC(), "revoke_reason": reason})
	if res.Error != nil {
		return fmt.Errorf("revoke token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		rec, err := s.Lookup(ctx, value)
		if err != nil {
			return err
		}
		if rec == nil {
			return signerr.New(signerr.CodeInvalidToken, "link is not valid")
		}
	}
	return nil
}

// RevokeSigner invalidates every outstanding token of (documentID, signerID).
func (s *Service) RevokeSigner(ctx context.Context, documentID, signerID, reason string) (int64, error) {
	return s.revokeWhere(ctx, reason, "document_id = ? AND signer_id = ?", documentID, signerID)
}

// RevokeDocument invalidates every outstanding token bound to documentID.
func (s *Service) RevokeDocument(ctx context.Context, documentID, reason string) (int64, error) {
	return s.revokeWhere(ctx, reason, "document_id = ?", documentID)
}

func (s *Service) revokeWhere(ctx context.Context, reason, cond string, args ...any) (int64, error) {
	if reason == "" {
		reason = ReasonManual
	}
	res := s.db.WithContext(ctx).Model(&Record{}).
		Where(cond, args...).
		Where("consumed_at IS NULL AND revoked_at IS NULL").
		Updates(map[string]any{"revoked_at": s.now().UTC(), "revoke_reason": reason})
	if res.Error != nil {
		return 0, fmt.Errorf("revoke tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// HasLive reports whether documentID still has an unexpired, unconsumed and
// unrevoked token.
func (s *Service) HasLive(ctx context.Context, documentID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Record{}).
		Where("document_id = ? AND consumed_at IS NULL AND revoked_at IS NULL AND expires_at > ?", documentID, s.now().UTC()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count live tokens: %w", err)
	}
	return count > 0, nil
}

// HasIssued reports whether any token was ever issued for documentID.
func (s *Service) HasIssued(ctx context.Context, documentID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Record{}).Where("document_id = ?", documentID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("count tokens: %w", err)
	}
	return count > 0, nil
}

// Lapsed reports whether every token issued for documentID expired or was
// revoked without ever being used: at least one was issued, none is live
// and none was consumed.
func (s *Service) Lapsed(ctx context.Context, documentID string) (bool, error) {
	issued, err := s.HasIssued(ctx, documentID)
	if err != nil || !issued {
		return false, err
	}
	live, err := s.HasLive(ctx, documentID)
	if err != nil || live {
		return false, err
	}
	var consumed int64
	if err := s.db.WithContext(ctx).Model(&Record{}).
		Where("document_id = ? AND consumed_at IS NOT NULL", documentID).
		Count(&consumed).Error; err != nil {
		return false, fmt.Errorf("count consumed tokens: %w", err)
	}
	return consumed == 0, nil
}

// Purge deletes tokens that expired before cutoff. Whatever their state,
// such tokens can no longer authorize anything.
func (s *Service) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", cutoff).Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}
