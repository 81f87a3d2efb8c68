package signing

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lumenhouse/esign/pkg/audit"
)

// expiryDue reports whether doc should become EXPIRED now: its deadline has
// passed, or it was never opened and every link it was sent with lapsed.
func (s *Service) expiryDue(ctx context.Context, doc *DocumentRecord) (string, error) {
	if !awaitingSignatures(doc.Kind, doc.Status) {
		return "", nil
	}
	if doc.ExpiresAt != nil && !s.now().Before(*doc.ExpiresAt) {
		return "deadline passed", nil
	}
	if doc.Status != StatusSent && doc.Status != StatusPending {
		return "", nil
	}
	lapsed, err := s.tokens.Lapsed(ctx, doc.ID)
	if err != nil || !lapsed {
		return "", err
	}
	return "signing links expired unused", nil
}

// applyExpiry moves doc to EXPIRED when due and returns the current record.
func (s *Service) applyExpiry(ctx context.Context, doc *DocumentRecord) (*DocumentRecord, error) {
	reason, err := s.expiryDue(ctx, doc)
	if err != nil || reason == "" {
		return doc, err
	}
	from := doc.Status
	updated, err := s.store.Transition(ctx, doc.ID, []Status{from}, StatusExpired, map[string]any{"status_reason": reason})
	if err != nil {
		// Someone else moved the document first; report what it is now.
		if updated != nil {
			return updated, nil
		}
		return nil, err
	}
	s.record(ctx, doc.ID, audit.ActionExpired, "system", audit.Metadata{"from": string(from), "reason": reason})
	s.closeOut(ctx, doc.ID)
	s.logger.Info("document expired", zap.String("documentId", doc.ID), zap.String("reason", reason))
	return updated, nil
}

// Sweep applies expiry to documents that may be due and returns how many
// expired.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	candidates, err := s.store.ExpiryCandidates(ctx, s.now(), s.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	var errs []error
	for i := range candidates {
		doc := &candidates[i]
		before := doc.Status
		updated, err := s.applyExpiry(ctx, doc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if before != StatusExpired && updated.Status == StatusExpired {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

// RunSweeper runs Sweep every cfg.SweepInterval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 {
		s.logger.Info("expiry sweeper disabled")
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("expiry sweep failed", zap.Error(err))
			}
			if n > 0 {
				s.logger.Info("expired documents", zap.Int("count", n))
			}
		}
	}
}
