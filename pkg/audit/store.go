// Package audit implements the append-only, per-document audit log of the
// signing engine.
package audit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lumenhouse/esign/pkg/signerr"
)

const appendRetries = 5

// Store provides append-only operations for audit entries.
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

// AutoMigrate creates or updates the audit_entries table.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&EntryRecord{}); err != nil {
		return fmt.Errorf("auto-migrate audit entries: %w", err)
	}
	return nil
}

// Append records a new immutable entry for documentID. The entry receives the
// next per-document sequence number; concurrent appends that collide on the
// sequence are retried.
func (s *Store) Append(ctx context.Context, documentID string, action Action, actor string, metadata Metadata) (*EntryRecord, error) {
	if documentID == "" {
		return nil, errors.New("append audit entry: document id is required")
	}
	if !action.Valid() {
		return nil, fmt.Errorf("append audit entry: unknown action %q", action)
	}

	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		entry, err := s.appendOnce(ctx, documentID, action, actor, metadata)
		if err == nil {
			return entry, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("append audit entry: %w", lastErr)
}

func (s *Store) appendOnce(ctx context.Context, documentID string, action Action, actor string, metadata Metadata) (*EntryRecord, error) {
	var entry *EntryRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last EntryRecord
		res := tx.Where("document_id = ?", documentID).Order("seq DESC").Limit(1).Find(&last)
		if res.Error != nil {
			return res.Error
		}

		createdAt := s.now().UTC().Truncate(time.Microsecond)
		seq := int64(1)
		if res.RowsAffected > 0 {
			seq = last.Seq + 1
			if createdAt.Before(last.CreatedAt) {
				createdAt = last.CreatedAt.UTC()
			}
		}

		entry = &EntryRecord{
			ID:         uuid.NewString(),
			DocumentID: documentID,
			Seq:        seq,
			Action:     action,
			Actor:      actor,
			Metadata:   metadata,
			CreatedAt:  createdAt,
		}
		return tx.Create(entry).Error
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// List returns entries for documentID in creation order (oldest first).
// pageToken is the Seq of the last entry of the previous page.
func (s *Store) List(ctx context.Context, documentID string, pageSize int, pageToken string) ([]EntryRecord, string, int, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 500 {
		pageSize = 500
	}

	var totalSize int64
	if err := s.db.WithContext(ctx).Model(&EntryRecord{}).Where("document_id = ?", documentID).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count audit entries: %w", err)
	}

	query := s.db.WithContext(ctx).Where("document_id = ?", documentID).Order("seq ASC").Limit(pageSize + 1)
	if pageToken != "" {
		after, err := strconv.ParseInt(pageToken, 10, 64)
		if err != nil {
			return nil, "", 0, signerr.Validation("invalid page token", "pageToken")
		}
		query = query.Where("seq > ?", after)
	}

	var records []EntryRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list audit entries: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		records = records[:pageSize]
		nextToken = strconv.FormatInt(records[pageSize-1].Seq, 10)
	}

	return records, nextToken, int(totalSize), nil
}

// Entries returns a lazy sequence over every entry of documentID, oldest
// first, fetched pageSize at a time. Each range over the sequence restarts
// from the first entry.
func (s *Store) Entries(ctx context.Context, documentID string, pageSize int) iter.Seq2[EntryRecord, error] {
	return func(yield func(EntryRecord, error) bool) {
		token := ""
		for {
			page, next, _, err := s.List(ctx, documentID, pageSize, token)
			if err != nil {
				yield(EntryRecord{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if next == "" {
				return
			}
			token = next
		}
	}
}

// Latest returns the most recent entry of the given action for documentID,
// or nil when there is none.
func (s *Store) Latest(ctx context.Context, documentID string, action Action) (*EntryRecord, error) {
	var rec EntryRecord
	res := s.db.WithContext(ctx).
		Where("document_id = ? AND action = ?", documentID, action).
		Order("seq DESC").Limit(1).Find(&rec)
	if res.Error != nil {
		return nil, fmt.Errorf("latest audit entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &rec, nil
}
