// Package otp challenges the holder of a magic link to prove control of the
// invited email address and escalates a verified code into a signing session.
package otp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lumenhouse/esign/pkg/audit"
	"github.com/lumenhouse/esign/pkg/logger"
	"github.com/lumenhouse/esign/pkg/notify"
	"github.com/lumenhouse/esign/pkg/ratelimit"
	"github.com/lumenhouse/esign/pkg/session"
	"github.com/lumenhouse/esign/pkg/signerr"
	"github.com/lumenhouse/esign/pkg/token"
)

var tracer = otel.Tracer("github.com/lumenhouse/esign/pkg/otp")

// errChallengeTaken reports that the conditional consume of a challenge
// matched no row.
var errChallengeTaken = errors.New("challenge no longer active")

// Recipient is the invited identity behind a token binding.
type Recipient struct {
	Name          string
	Email         string
	DocumentTitle string
}

// RecipientDirectory resolves who a (document, signer) binding was sent to.
// It fails when the document can no longer be acted on.
type RecipientDirectory interface {
	Recipient(ctx context.Context, documentID, signerID string) (*Recipient, error)
}

// VerificationListener is told about every successful verification once the
// challenge and token are consumed and the session is minted.
type VerificationListener interface {
	OnVerified(ctx context.Context, documentID, signerID, email string) error
}

// Issued describes a freshly requested challenge.
type Issued struct {
	ChallengeID string
	ExpiresAt   time.Time
}

// Authenticator implements request and verification of OTP challenges.
type Authenticator struct {
	db        *gorm.DB
	cfg       Config
	tokens    *token.Service
	sessions  *session.Manager
	audit     *audit.Store
	mailer    notify.Mailer
	directory RecipientDirectory
	listener  VerificationListener
	limiter   *ratelimit.Limiter
	now       func() time.Time
	logger    *zap.Logger
}

// Deps groups the collaborators of an Authenticator.
type Deps struct {
	Tokens    *token.Service
	Sessions  *session.Manager
	Audit     *audit.Store
	Mailer    notify.Mailer
	Directory RecipientDirectory
	Listener  VerificationListener
	Logger    *zap.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(db *gorm.DB, cfg Config, deps Deps) *Authenticator {
	cfg = cfg.withDefaults()
	return &Authenticator{
		db:        db,
		cfg:       cfg,
		tokens:    deps.Tokens,
		sessions:  deps.Sessions,
		audit:     deps.Audit,
		mailer:    deps.Mailer,
		directory: deps.Directory,
		listener:  deps.Listener,
		limiter:   ratelimit.New(cfg.RequestLimit, cfg.RequestWindow),
		now:       time.Now,
		logger:    logger.OrNop(deps.Logger).Named("otp"),
	}
}

// WithClock overrides the time source. Used by tests.
func (a *Authenticator) WithClock(now func() time.Time) *Authenticator {
	a.now = now
	return a
}

// AutoMigrate creates or updates the challenge table.
func (a *Authenticator) AutoMigrate() error {
	if err := a.db.AutoMigrate(&ChallengeRecord{}); err != nil {
		return fmt.Errorf("auto-migrate otp challenges: %w", err)
	}
	return nil
}

// RequestChallenge validates the token, checks that email is the invited
// recipient, and emails a new code. Any active challenge of the same token is
// superseded, so only the latest code can verify.
func (a *Authenticator) RequestChallenge(ctx context.Context, tokenValue, email string) (_ *Issued, err error) {
	ctx, span := tracer.Start(ctx, "otp.RequestChallenge")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(signerr.CodeOf(err)))
		}
		span.End()
	}()

	binding, err := a.tokens.Validate(ctx, tokenValue)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("document.id", binding.DocumentID))

	rcpt, err := a.directory.Recipient(ctx, binding.DocumentID, binding.SignerID)
	if err != nil {
		return nil, err
	}
	email = strings.TrimSpace(email)
	if email == "" || !strings.EqualFold(email, rcpt.Email) {
		return nil, signerr.Validation("email does not match the invited recipient", "email")
	}

	if ok, wait := a.limiter.Allow("otp:" + binding.TokenID); !ok {
		return nil, signerr.RateLimited(wait)
	}

	code, err := generateCode(a.cfg.CodeLength)
	if err != nil {
		return nil, err
	}
	hash, err := hashCode(code, a.cfg.BcryptCost)
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	ch := ChallengeRecord{
		ID:          uuid.NewString(),
		TokenID:     binding.TokenID,
		DocumentID:  binding.DocumentID,
		SignerID:    binding.SignerID,
		Email:       rcpt.Email,
		CodeHash:    hash,
		State:       StateActive,
		MaxAttempts: a.cfg.MaxAttempts,
		ExpiresAt:   now.Add(a.cfg.TTL),
		CreatedAt:   now,
	}
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&ChallengeRecord{}).
			Where("token_id = ? AND state = ?", binding.TokenID, StateActive).
			Update("state", StateSuperseded).Error; err != nil {
			return err
		}
		return tx.Create(&ch).Error
	})
	if err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}

	msg := notify.OTPMessage(rcpt.Email, code, rcpt.DocumentTitle, ch.ExpiresAt)
	if err := notify.Deliver(ctx, a.mailer, msg, a.cfg.Delivery); err != nil {
		a.transition(ctx, ch.ID, StateActive, StateSuperseded)
		a.record(ctx, binding.DocumentID, audit.ActionDeliveryFailed, rcpt.Email, audit.Metadata{
			"message": notify.KindOTP,
			"error":   err.Error(),
		})
		return nil, err
	}

	a.record(ctx, binding.DocumentID, audit.ActionOTPRequested, rcpt.Email, audit.Metadata{
		"signerId":  binding.SignerID,
		"expiresAt": ch.ExpiresAt.Format(time.RFC3339),
	})
	a.logger.Info("otp challenge issued",
		zap.String("documentId", binding.DocumentID),
		zap.String("challengeId", ch.ID))

	return &Issued{ChallengeID: ch.ID, ExpiresAt: ch.ExpiresAt}, nil
}

// Verify checks code against the token's latest challenge. A match consumes
// the challenge and the token and mints a signing session; a mismatch spends
// one attempt. Concurrent verifications of the same challenge cannot both
// succeed.
func (a *Authenticator) Verify(ctx context.Context, tokenValue, code string) (_ *session.Session, err error) {
	ctx, span := tracer.Start(ctx, "otp.Verify")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(signerr.CodeOf(err)))
		}
		span.End()
	}()

	binding, err := a.tokens.Validate(ctx, tokenValue)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("document.id", binding.DocumentID))

	ch, err := a.latest(ctx, binding.TokenID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, signerr.New(signerr.CodeChallengeExpired, "no active code; request a new one")
	}
	if err := a.checkUsable(ctx, ch); err != nil {
		return nil, err
	}

	if !codeMatches(ch.CodeHash, normalizeCode(code)) {
		return nil, a.spendAttempt(ctx, ch)
	}

	// The challenge, the token and the new session commit together, so a
	// failed write leaves the code usable.
	var sess *session.Session
	now := a.now().UTC()
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ChallengeRecord{}).
			Where("id = ? AND state = ? AND attempts < max_attempts AND expires_at > ?", ch.ID, StateActive, now).
			Updates(map[string]any{"state": StateConsumed, "consumed_at": now})
		if res.Error != nil {
			return fmt.Errorf("consume challenge: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errChallengeTaken
		}
		if err := a.tokens.WithTx(tx).Consume(ctx, binding.TokenID); err != nil {
			return err
		}
		minted, err := a.sessions.WithTx(tx).Mint(ctx, binding.DocumentID, binding.SignerID, ch.Email)
		if err != nil {
			return err
		}
		sess = minted
		return nil
	})
	if errors.Is(err, errChallengeTaken) {
		fresh, err := a.get(ctx, ch.ID)
		if err != nil {
			return nil, err
		}
		if fresh == nil || fresh.State == StateConsumed {
			return nil, signerr.New(signerr.CodeTokenAlreadyConsumed, "code has already been used")
		}
		if err := a.checkUsable(ctx, fresh); err != nil {
			return nil, err
		}
		return nil, signerr.New(signerr.CodeChallengeExpired, "code is no longer valid; request a new one")
	}
	if err != nil {
		return nil, err
	}

	if a.listener != nil {
		if err := a.listener.OnVerified(ctx, binding.DocumentID, binding.SignerID, ch.Email); err != nil {
			// A refusal closes the new session; anything else keeps it.
			if _, ok := signerr.As(err); ok {
				if rerr := a.sessions.Revoke(ctx, sess.ID); rerr != nil {
					a.logger.Warn("failed to revoke refused session", zap.String("documentId", binding.DocumentID), zap.Error(rerr))
				}
				return nil, err
			}
			a.logger.Warn("verification listener failed",
				zap.String("documentId", binding.DocumentID),
				zap.String("signerId", binding.SignerID),
				zap.Error(err))
		}
	}

	a.limiter.Forget("otp:" + binding.TokenID)

	a.record(ctx, binding.DocumentID, audit.ActionVerified, ch.Email, audit.Metadata{
		"signerId":         binding.SignerID,
		"sessionExpiresAt": sess.ExpiresAt.Format(time.RFC3339),
	})
	a.logger.Info("otp verified",
		zap.String("documentId", binding.DocumentID),
		zap.String("signerId", binding.SignerID))

	return sess, nil
}

// checkUsable maps a non-active or stale challenge to its domain error,
// persisting the expired and exhausted states it discovers.
func (a *Authenticator) checkUsable(ctx context.Context, ch *ChallengeRecord) error {
	switch ch.State {
	case StateConsumed:
		return signerr.New(signerr.CodeTokenAlreadyConsumed, "code has already been used")
	case StateExhausted:
		return signerr.New(signerr.CodeChallengeAttemptsExhausted, "too many incorrect codes; request a new one")
	case StateExpired, StateSuperseded:
		return signerr.New(signerr.CodeChallengeExpired, "code has expired; request a new one")
	}

	if !a.now().Before(ch.ExpiresAt) {
		a.transition(ctx, ch.ID, StateActive, StateExpired)
		return signerr.New(signerr.CodeChallengeExpired, "code has expired; request a new one")
	}
	if ch.Attempts >= ch.MaxAttempts {
		a.transition(ctx, ch.ID, StateActive, StateExhausted)
		return signerr.New(signerr.CodeChallengeAttemptsExhausted, "too many incorrect codes; request a new one")
	}
	return nil
}

// spendAttempt records a wrong code and burns the challenge on the last one.
func (a *Authenticator) spendAttempt(ctx context.Context, ch *ChallengeRecord) error {
	res := a.db.WithContext(ctx).Model(&ChallengeRecord{}).
		Where("id = ? AND state = ? AND attempts < max_attempts", ch.ID, StateActive).
		Update("attempts", gorm.Expr("attempts + 1"))
	if res.Error != nil {
		return fmt.Errorf("record attempt: %w", res.Error)
	}

	fresh, err := a.get(ctx, ch.ID)
	if err != nil {
		return err
	}
	if fresh == nil {
		return signerr.New(signerr.CodeChallengeExpired, "no active code; request a new one")
	}
	if res.RowsAffected == 0 {
		if err := a.checkUsable(ctx, fresh); err != nil {
			return err
		}
	}

	remaining := fresh.Remaining()
	a.record(ctx, fresh.DocumentID, audit.ActionOTPFailed, fresh.Email, audit.Metadata{
		"attemptsRemaining": remaining,
	})
	if remaining == 0 {
		a.transition(ctx, fresh.ID, StateActive, StateExhausted)
		a.record(ctx, fresh.DocumentID, audit.ActionOTPExhausted, fresh.Email, nil)
	}
	return signerr.ChallengeMismatch(remaining)
}

func (a *Authenticator) transition(ctx context.Context, id string, from, to ChallengeState) {
	err := a.db.WithContext(ctx).Model(&ChallengeRecord{}).
		Where("id = ? AND state = ?", id, from).
		Update("state", to).Error
	if err != nil {
		a.logger.Warn("challenge state update failed", zap.String("challengeId", id), zap.Error(err))
	}
}

// latest returns the token's active challenge, or its most recent one when
// none is active.
func (a *Authenticator) latest(ctx context.Context, tokenID string) (*ChallengeRecord, error) {
	var ch ChallengeRecord
	res := a.db.WithContext(ctx).Where("token_id = ? AND state = ?", tokenID, StateActive).Limit(1).Find(&ch)
	if res.Error != nil {
		return nil, fmt.Errorf("load challenge: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return &ch, nil
	}
	res = a.db.WithContext(ctx).Where("token_id = ?", tokenID).Order("created_at DESC").Limit(1).Find(&ch)
	if res.Error != nil {
		return nil, fmt.Errorf("load challenge: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &ch, nil
}

func (a *Authenticator) get(ctx context.Context, id string) (*ChallengeRecord, error) {
	var ch ChallengeRecord
	if err := a.db.WithContext(ctx).First(&ch, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	return &ch, nil
}

// record appends to the audit log. Audit failures are logged, never returned:
// they must not undo a state change that already committed.
func (a *Authenticator) record(ctx context.Context, documentID string, action audit.Action, actor string, md audit.Metadata) {
	if a.audit == nil {
		return
	}
	if _, err := a.audit.Append(ctx, documentID, action, actor, md); err != nil {
		a.logger.Error("audit append failed",
			zap.String("documentId", documentID),
			zap.String("action", string(action)),
			zap.Error(err))
	}
}

// Purge deletes challenges that expired before cutoff and drops idle
// request-throttling windows.
func (a *Authenticator) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	a.limiter.Prune()
	res := a.db.WithContext(ctx).Where("expires_at < ?", cutoff).Delete(&ChallengeRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge otp challenges: %w", res.Error)
	}
	return res.RowsAffected, nil
}
