// Package session mints and validates the time-boxed signing sessions granted
// after a successful OTP verification.
package session

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lumenhouse/esign/pkg/logger"
	"github.com/lumenhouse/esign/pkg/signerr"
	"github.com/lumenhouse/esign/pkg/token"
)

// Manager persists sessions and fronts lookups with a short-lived cache.
// Writes always invalidate the cached entry.
type Manager struct {
	db     *gorm.DB
	cfg    Config
	cache  *gocache.Cache
	now    func() time.Time
	logger *zap.Logger
}

// NewManager creates a session manager.
func NewManager(db *gorm.DB, cfg Config, log *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxLifetime < cfg.TTL {
		cfg.MaxLifetime = cfg.TTL
	}
	if cfg.CacheTTL < 0 {
		cfg.CacheTTL = 0
	}
	if cfg.CacheTTL > MaxCacheTTL {
		cfg.CacheTTL = MaxCacheTTL
	}
	return &Manager{
		db:     db,
		cfg:    cfg,
		cache:  gocache.New(cfg.CacheTTL, 5*time.Minute),
		now:    time.Now,
		logger: logger.OrNop(log).Named("session"),
	}
}

// WithClock overrides the time source. Used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithTx returns a copy of the manager that runs its queries on tx. The
// read cache is shared.
func (m *Manager) WithTx(tx *gorm.DB) *Manager {
	c := *m
	c.db = tx
	return &c
}

// AutoMigrate creates or updates the session table.
func (m *Manager) AutoMigrate() error {
	if err := m.db.AutoMigrate(&Record{}); err != nil {
		return fmt.Errorf("auto-migrate sessions: %w", err)
	}
	return nil
}

// Mint creates a session for a verified signer of documentID.
func (m *Manager) Mint(ctx context.Context, documentID, signerID, email string) (*Session, error) {
	id, err := token.NewValue()
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	rec := Record{
		KeyHash:      token.HashValue(id),
		DocumentID:   documentID,
		SignerID:     signerID,
		Email:        email,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.cfg.TTL),
		MaxExpiresAt: now.Add(m.cfg.MaxLifetime),
	}
	if err := m.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("mint session: %w", err)
	}
	m.logger.Debug("session minted",
		zap.String("documentId", documentID),
		zap.String("signerId", signerID),
		zap.Time("expiresAt", rec.ExpiresAt))
	return rec.toSession(id), nil
}

// Validate returns the live session for id, bound to documentID. Unknown ids
// and ids bound to another document are SESSION_INVALID; expired, revoked or
// read-only sessions are SessionExpired.
func (m *Manager) Validate(ctx context.Context, id, documentID string) (*Session, error) {
	sess, err := m.ValidateRead(ctx, id, documentID)
	if err != nil {
		return nil, err
	}
	if sess.ReadOnly {
		return nil, signerr.New(signerr.CodeSessionExpired, "session has expired; verify again to continue")
	}
	return sess, nil
}

// ValidateRead is Validate for download routes: read-only sessions pass.
func (m *Manager) ValidateRead(ctx context.Context, id, documentID string) (*Session, error) {
	if id == "" {
		return nil, signerr.New(signerr.CodeSessionInvalid, "session id is required")
	}
	rec, err := m.load(ctx, token.HashValue(id))
	if err != nil {
		return nil, err
	}
	if rec == nil || (documentID != "" && rec.DocumentID != documentID) {
		return nil, signerr.New(signerr.CodeSessionInvalid, "session is not valid for this document")
	}
	if !rec.activeAt(m.now()) {
		return nil, signerr.New(signerr.CodeSessionExpired, "session has expired; verify again to continue")
	}
	return rec.toSession(id), nil
}

// Holder returns the binding of a session whatever its state, or nil for an
// unknown id.
func (m *Manager) Holder(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}
	rec, err := m.load(ctx, token.HashValue(id))
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.toSession(id), nil
}

// Extend renews a still-valid session to now+TTL, never past its maximum
// lifetime.
func (m *Manager) Extend(ctx context.Context, id, documentID string) (*Session, error) {
	sess, err := m.Validate(ctx, id, documentID)
	if err != nil {
		return nil, err
	}
	key := token.HashValue(id)
	now := m.now().UTC()

	var rec Record
	if err := m.db.WithContext(ctx).Where("key_hash = ?", key).First(&rec).Error; err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	newExpiry := now.Add(m.cfg.TTL)
	if newExpiry.After(rec.MaxExpiresAt) {
		newExpiry = rec.MaxExpiresAt
	}
	if !newExpiry.After(rec.ExpiresAt) {
		return sess, nil
	}

	res := m.db.WithContext(ctx).Model(&Record{}).
		Where("key_hash = ? AND revoked_at IS NULL AND read_only = ? AND expires_at > ?", key, false, now).
		Updates(map[string]any{
			"expires_at": newExpiry,
			"extensions": gorm.Expr("extensions + 1"),
		})
	m.cache.Delete(key)
	if res.Error != nil {
		return nil, fmt.Errorf("extend session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, signerr.New(signerr.CodeSessionExpired, "session has expired; verify again to continue")
	}
	sess.ExpiresAt = newExpiry
	return sess, nil
}

// Revoke ends a single session.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	key := token.HashValue(id)
	err := m.db.WithContext(ctx).Model(&Record{}).
		Where("key_hash = ? AND revoked_at IS NULL", key).
		Update("revoked_at", m.now().UTC()).Error
	m.cache.Delete(key)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeDocument ends every session of documentID. Called when the document
// reaches a terminal state.
func (m *Manager) RevokeDocument(ctx context.Context, documentID string) (int64, error) {
	return m.revokeWhere(ctx, "document_id = ?", documentID)
}

// RestrictSigner makes every live session of one signer on documentID
// read-only. Called once the signer has signed.
func (m *Manager) RestrictSigner(ctx context.Context, documentID, signerID string) (int64, error) {
	return m.updateWhere(ctx, "read_only", true, "document_id = ? AND signer_id = ?", documentID, signerID)
}

// RestrictDocument makes every live session of documentID read-only. Called
// when the document completes.
func (m *Manager) RestrictDocument(ctx context.Context, documentID string) (int64, error) {
	return m.updateWhere(ctx, "read_only", true, "document_id = ?", documentID)
}

func (m *Manager) revokeWhere(ctx context.Context, cond string, args ...any) (int64, error) {
	return m.updateWhere(ctx, "revoked_at", m.now().UTC(), cond, args...)
}

func (m *Manager) updateWhere(ctx context.Context, column string, value any, cond string, args ...any) (int64, error) {
	var keys []string
	if err := m.db.WithContext(ctx).Model(&Record{}).
		Where(cond, args...).Where("revoked_at IS NULL").
		Pluck("key_hash", &keys).Error; err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	res := m.db.WithContext(ctx).Model(&Record{}).
		Where("key_hash IN ? AND revoked_at IS NULL", keys).
		Update(column, value)
	for _, k := range keys {
		m.cache.Delete(k)
	}
	if res.Error != nil {
		return 0, fmt.Errorf("update sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (m *Manager) load(ctx context.Context, key string) (*Record, error) {
	if v, ok := m.cache.Get(key); ok {
		rec := v.(Record)
		return &rec, nil
	}
	var rec Record
	res := m.db.WithContext(ctx).Where("key_hash = ?", key).Limit(1).Find(&rec)
	if res.Error != nil {
		return nil, fmt.Errorf("load session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	if m.cfg.CacheTTL > 0 {
		m.cache.Set(key, rec, gocache.DefaultExpiration)
	}
	return &rec, nil
}

// Purge deletes sessions whose maximum lifetime ended before cutoff.
func (m *Manager) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res := m.db.WithContext(ctx).Where("max_expires_at < ?", cutoff).Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}
