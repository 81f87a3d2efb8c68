package signing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lumenhouse/esign/pkg/signerr"
)

// errStale reports a conditional update that matched no row.
var errStale = errors.New("stale document state")

// Store provides database operations for documents, signers and signatures.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock overrides the time source. Used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// AutoMigrate creates or updates the document tables.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&DocumentRecord{}, &SignerRecord{}, &SignatureRecord{}); err != nil {
		return fmt.Errorf("auto-migrate documents: %w", err)
	}
	return nil
}

// newNumber returns a human-readable document number such as
// CTR-20260418-3FA85F.
func newNumber(kind Kind, now time.Time) string {
	prefix := "CTR"
	if kind == KindEnvelope {
		prefix = "ENV"
	}
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("%s-%s-%s", prefix, now.UTC().Format("20060102"), suffix)
}

// Create inserts a document together with its initial signers.
func (s *Store) Create(ctx context.Context, doc *DocumentRecord, signers []SignerRecord) error {
	now := s.now().UTC()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Number == "" {
		doc.Number = newNumber(doc.Kind, now)
	}
	if doc.Status == "" {
		doc.Status = StatusDraft
	}
	doc.Version = 1
	doc.CreatedAt = now
	doc.UpdatedAt = now

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(doc).Error; err != nil {
			return err
		}
		for i := range signers {
			signers[i].DocumentID = doc.ID
			if signers[i].ID == "" {
				signers[i].ID = uuid.NewString()
			}
			if signers[i].Status == "" {
				signers[i].Status = SignerPending
			}
			signers[i].CreatedAt = now
			if err := tx.Create(&signers[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// Get retrieves a document by ID. Returns nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*DocumentRecord, error) {
	var doc DocumentRecord
	if err := s.db.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

// ListFilter narrows a document listing.
type ListFilter struct {
	Kind      Kind
	Status    Status
	CreatedBy string
}

// List returns documents matching filter, newest first, with the total
// match count. The page token is the creation time and ID of the last
// document of the previous page.
func (s *Store) List(ctx context.Context, filter ListFilter, pageSize int, pageToken string) ([]DocumentRecord, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&DocumentRecord{})
		if filter.Kind != "" {
			q = q.Where("kind = ?", filter.Kind)
		}
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		if filter.CreatedBy != "" {
			q = q.Where("created_by = ?", filter.CreatedBy)
		}
		return q
	}

	db := s.db.WithContext(ctx)
	var total int64
	if err := buildQuery(db).Count(&total).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count documents: %w", err)
	}

	query := buildQuery(db).Order("created_at DESC").Order("id DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, id, err := parsePageToken(pageToken)
		if err != nil {
			return nil, "", 0, err
		}
		query = query.Where("(created_at < ? OR (created_at = ? AND id < ?))", t, t, id)
	}

	var docs []DocumentRecord
	if err := query.Find(&docs).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list documents: %w", err)
	}

	var next string
	if len(docs) > pageSize {
		last := docs[pageSize-1]
		next = last.CreatedAt.Format(time.RFC3339Nano) + "|" + last.ID
		docs = docs[:pageSize]
	}
	return docs, next, int(total), nil
}

// parsePageToken splits a "created_at|id" listing cursor.
func parsePageToken(token string) (time.Time, string, error) {
	ts, id, ok := strings.Cut(token, "|")
	if !ok || id == "" {
		return time.Time{}, "", signerr.Validation("invalid page token", "pageToken")
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", signerr.Validation("invalid page token", "pageToken")
	}
	return t, id, nil
}

// SignersOf returns the signers of several documents grouped by document.
func (s *Store) SignersOf(ctx context.Context, documentIDs []string) (map[string][]SignerRecord, error) {
	out := make(map[string][]SignerRecord, len(documentIDs))
	if len(documentIDs) == 0 {
		return out, nil
	}
	var signers []SignerRecord
	if err := s.db.WithContext(ctx).
		Where("document_id IN ?", documentIDs).
		Order("position ASC").
		Find(&signers).Error; err != nil {
		return nil, fmt.Errorf("list signers: %w", err)
	}
	for _, sg := range signers {
		out[sg.DocumentID] = append(out[sg.DocumentID], sg)
	}
	return out, nil
}

// Signers returns the signers of a document ordered by position.
func (s *Store) Signers(ctx context.Context, documentID string) ([]SignerRecord, error) {
	var signers []SignerRecord
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("position ASC").
		Find(&signers).Error; err != nil {
		return nil, fmt.Errorf("list signers: %w", err)
	}
	return signers, nil
}

// Signer retrieves one signer of a document. Returns nil if not found.
func (s *Store) Signer(ctx context.Context, documentID, signerID string) (*SignerRecord, error) {
	var signer SignerRecord
	res := s.db.WithContext(ctx).
		Where("id = ? AND document_id = ?", signerID, documentID).
		Limit(1).Find(&signer)
	if res.Error != nil {
		return nil, fmt.Errorf("get signer: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &signer, nil
}

// Signatures returns the captured signatures of a document.
func (s *Store) Signatures(ctx context.Context, documentID string) ([]SignatureRecord, error) {
	var sigs []SignatureRecord
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("signed_at ASC").
		Find(&sigs).Error; err != nil {
		return nil, fmt.Errorf("list signatures: %w", err)
	}
	return sigs, nil
}

// Transition moves a document from one of the from states to to, bumping
// its version, and returns the updated record. When the document is no
// longer in an expected state the error is an IllegalStateTransition naming
// the current state.
func (s *Store) Transition(ctx context.Context, id string, from []Status, to Status, extra map[string]any) (*DocumentRecord, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.transition(tx, id, from, to, extra)
	})
	if err != nil && !errors.Is(err, errStale) {
		return nil, err
	}
	doc, gerr := s.Get(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if doc == nil {
		return nil, signerr.NotFound("document", id)
	}
	if errors.Is(err, errStale) {
		return doc, signerr.IllegalTransition(string(doc.Status), string(to))
	}
	return doc, nil
}

func (s *Store) transition(tx *gorm.DB, id string, from []Status, to Status, extra map[string]any) error {
	updates := map[string]any{
		"status":     to,
		"version":    gorm.Expr("version + 1"),
		"updated_at": s.now().UTC(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&DocumentRecord{}).Where("id = ? AND status IN ?", id, from).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update document status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errStale
	}
	return nil
}

// touch bumps the version of a document in the given state so cached views
// of it are discarded.
func (s *Store) touch(tx *gorm.DB, id string, status Status, extra map[string]any) error {
	updates := map[string]any{
		"version":    gorm.Expr("version + 1"),
		"updated_at": s.now().UTC(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&DocumentRecord{}).Where("id = ? AND status = ?", id, status).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update document: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errStale
	}
	return nil
}

// setSignerStatus moves a signer out of one of the from states.
func (s *Store) setSignerStatus(tx *gorm.DB, signerID string, from []SignerStatus, to SignerStatus, extra map[string]any) error {
	updates := map[string]any{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&SignerRecord{}).Where("id = ? AND status IN ?", signerID, from).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update signer status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errStale
	}
	return nil
}

// Update applies updates to a document that is still in status.
func (s *Store) Update(ctx context.Context, id string, status Status, updates map[string]any) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.touch(tx, id, status, updates)
	})
	return s.draftResult(ctx, id, err)
}

// UpdateDraft applies updates to a DRAFT document.
func (s *Store) UpdateDraft(ctx context.Context, id string, updates map[string]any) error {
	return s.Update(ctx, id, StatusDraft, updates)
}

// MarkViewed records that signerID opened the document. It reports whether
// this was the signer's first view. Repeated and concurrent calls are safe.
func (s *Store) MarkViewed(ctx context.Context, doc *DocumentRecord, signerID string, at time.Time) (bool, error) {
	first := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := s.setSignerStatus(tx, signerID, []SignerStatus{SignerPending}, SignerViewed, map[string]any{"viewed_at": at})
		switch {
		case err == nil:
			first = true
		case !errors.Is(err, errStale):
			return err
		}
		if doc.Kind == KindContract {
			err = s.transition(tx, doc.ID, []Status{StatusSent}, StatusViewed, map[string]any{"viewed_at": at})
		} else if first {
			err = s.touch(tx, doc.ID, doc.Status, map[string]any{"viewed_at": gorm.Expr("COALESCE(viewed_at, ?)", at)})
		}
		if err != nil && !errors.Is(err, errStale) {
			return err
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark viewed: %w", err)
	}
	return first, nil
}

// RecordSignature marks signer as signed, stores sig and moves the document
// to the status its signers now imply, all in one transaction. It returns
// the updated document, or errStale when the signer or the document changed
// underneath.
func (s *Store) RecordSignature(ctx context.Context, documentID string, sig *SignatureRecord) (*DocumentRecord, error) {
	var out DocumentRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.setSignerStatus(tx, sig.SignerID, []SignerStatus{SignerPending, SignerViewed}, SignerSigned,
			map[string]any{"signed_at": sig.SignedAt}); err != nil {
			return err
		}
		if sig.ID == "" {
			sig.ID = uuid.NewString()
		}
		sig.DocumentID = documentID
		if err := tx.Create(sig).Error; err != nil {
			return fmt.Errorf("store signature: %w", err)
		}

		var doc DocumentRecord
		if err := tx.First(&doc, "id = ?", documentID).Error; err != nil {
			return fmt.Errorf("reload document: %w", err)
		}
		var signers []SignerRecord
		if err := tx.Where("document_id = ?", documentID).Find(&signers).Error; err != nil {
			return fmt.Errorf("reload signers: %w", err)
		}
		if !awaitingSignatures(doc.Kind, doc.Status) {
			return errStale
		}
		next := NewSequencer(&doc, signers).Aggregate()
		var err error
		if next == doc.Status {
			err = s.touch(tx, documentID, doc.Status, nil)
		} else {
			extra := map[string]any{}
			if next == doneStatus(doc.Kind) {
				extra["completed_at"] = sig.SignedAt
			}
			err = s.transition(tx, documentID, []Status{doc.Status}, next, extra)
		}
		if err != nil {
			return err
		}
		return tx.First(&out, "id = ?", documentID).Error
	})
	if err != nil {
		if errors.Is(err, errStale) {
			return nil, errStale
		}
		return nil, fmt.Errorf("record signature: %w", err)
	}
	return &out, nil
}

// Decline marks signer as declined and moves the document to to, in one
// transaction.
func (s *Store) Decline(ctx context.Context, documentID, signerID string, from []Status, to Status, reason string, at time.Time) (*DocumentRecord, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.setSignerStatus(tx, signerID, []SignerStatus{SignerPending, SignerViewed}, SignerDeclined,
			map[string]any{"declined_at": at, "decline_reason": reason}); err != nil {
			return err
		}
		return s.transition(tx, documentID, from, to, map[string]any{"status_reason": reason})
	})
	if err != nil {
		if errors.Is(err, errStale) {
			return nil, errStale
		}
		return nil, fmt.Errorf("decline: %w", err)
	}
	return s.Get(ctx, documentID)
}

// AddSigner inserts a signer into a DRAFT document.
func (s *Store) AddSigner(ctx context.Context, signer *SignerRecord) error {
	if signer.ID == "" {
		signer.ID = uuid.NewString()
	}
	signer.Status = SignerPending
	signer.CreatedAt = s.now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.touch(tx, signer.DocumentID, StatusDraft, nil); err != nil {
			return err
		}
		if err := tx.Create(signer).Error; err != nil {
			return fmt.Errorf("create signer: %w", err)
		}
		return nil
	})
	return s.draftResult(ctx, signer.DocumentID, err)
}

// UpdateSigner applies updates to a signer of a DRAFT document.
func (s *Store) UpdateSigner(ctx context.Context, documentID, signerID string, updates map[string]any) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.touch(tx, documentID, StatusDraft, nil); err != nil {
			return err
		}
		return tx.Model(&SignerRecord{}).
			Where("id = ? AND document_id = ?", signerID, documentID).
			Updates(updates).Error
	})
	return s.draftResult(ctx, documentID, err)
}

// RemoveSigner deletes a signer of a DRAFT document.
func (s *Store) RemoveSigner(ctx context.Context, documentID, signerID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.touch(tx, documentID, StatusDraft, nil); err != nil {
			return err
		}
		return tx.Where("id = ? AND document_id = ?", signerID, documentID).Delete(&SignerRecord{}).Error
	})
	return s.draftResult(ctx, documentID, err)
}

// Delete removes a DRAFT document and its signers.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND status = ?", id, StatusDraft).Delete(&DocumentRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStale
		}
		if err := tx.Where("document_id = ?", id).Delete(&SignatureRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("document_id = ?", id).Delete(&SignerRecord{}).Error
	})
	return s.draftResult(ctx, id, err)
}

// draftResult maps a failed status-guarded write to NotFound or to an
// IllegalStateTransition naming the current status.
func (s *Store) draftResult(ctx context.Context, id string, err error) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, errStale) {
		return fmt.Errorf("update document: %w", err)
	}
	doc, gerr := s.Get(ctx, id)
	if gerr != nil {
		return gerr
	}
	if doc == nil {
		return signerr.NotFound("document", id)
	}
	return signerr.IllegalTransition(string(doc.Status), "")
}

// ExpiryCandidates returns documents awaiting signatures whose deadline has
// passed or that were never opened, oldest update first.
func (s *Store) ExpiryCandidates(ctx context.Context, now time.Time, limit int) ([]DocumentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var docs []DocumentRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", []Status{StatusSent, StatusViewed, StatusPending, StatusInProgress}).
		Where("((expires_at IS NOT NULL AND expires_at <= ?) OR status IN ?)", now.UTC(), []Status{StatusSent, StatusPending}).
		Order("updated_at ASC").
		Limit(limit).
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("list expiry candidates: %w", err)
	}
	return docs, nil
}
