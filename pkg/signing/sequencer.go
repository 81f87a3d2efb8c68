package signing

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/lumenhouse/esign/pkg/signerr"
)

// Sequencer decides which signers of a document may act. It works on a
// snapshot of the document and its signers and never mutates them.
type Sequencer struct {
	doc     *DocumentRecord
	signers []SignerRecord
	signed  mapset.Set[string]
}

// NewSequencer builds a sequencer over doc and its signers.
func NewSequencer(doc *DocumentRecord, signers []SignerRecord) *Sequencer {
	sorted := append([]SignerRecord(nil), signers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
	signed := mapset.NewThreadUnsafeSet[string]()
	for _, s := range sorted {
		if s.Status == SignerSigned {
			signed.Add(s.ID)
		}
	}
	return &Sequencer{doc: doc, signers: sorted, signed: signed}
}

func (q *Sequencer) sequential() bool {
	return q.doc.Kind == KindEnvelope && q.doc.Workflow == WorkflowSequential
}

// CanAct reports whether signerID may sign now. Under PARALLEL any open
// signer of a document awaiting signatures may act; under SEQUENTIAL every
// signer at a lower position must already have signed.
func (q *Sequencer) CanAct(signerID string) bool {
	return q.Check(signerID) == nil
}

// Check is CanAct with the reason: IllegalStateTransition when the document
// or signer is not open, SequenceNotEligible when earlier signers are
// outstanding.
func (q *Sequencer) Check(signerID string) error {
	if !awaitingSignatures(q.doc.Kind, q.doc.Status) {
		return signerr.IllegalTransition(string(q.doc.Status), "")
	}
	var target *SignerRecord
	for i := range q.signers {
		if q.signers[i].ID == signerID {
			target = &q.signers[i]
			break
		}
	}
	if target == nil {
		return signerr.NotFound("signer", signerID)
	}
	switch target.Status {
	case SignerSigned:
		return signerr.New(signerr.CodeAlreadySigned, "signer has already signed")
	case SignerDeclined:
		return signerr.IllegalTransition(string(SignerDeclined), string(SignerSigned))
	}
	if !q.sequential() {
		return nil
	}
	for _, s := range q.signers {
		if s.Position >= target.Position {
			break
		}
		if !q.signed.Contains(s.ID) {
			return &signerr.Error{
				Code:    signerr.CodeSequenceNotEligible,
				Message: "an earlier signer has not signed yet",
				Current: string(target.Status),
			}
		}
	}
	return nil
}

// Eligible returns the open signers that may act now, in position order.
func (q *Sequencer) Eligible() []SignerRecord {
	var out []SignerRecord
	for _, s := range q.signers {
		if !s.Status.Open() {
			continue
		}
		if q.Check(s.ID) == nil {
			out = append(out, s)
		}
	}
	return out
}

// Complete reports whether every signer has signed.
func (q *Sequencer) Complete() bool {
	return len(q.signers) > 0 && q.signed.Cardinality() == len(q.signers)
}

// Aggregate returns the status the document should hold given its signers.
// It is only meaningful while the document awaits signatures.
func (q *Sequencer) Aggregate() Status {
	switch {
	case q.Complete():
		return doneStatus(q.doc.Kind)
	case q.doc.Kind == KindEnvelope && q.signed.Cardinality() > 0:
		return StatusInProgress
	}
	return q.doc.Status
}
