package signing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lumenhouse/esign/pkg/signerr"
)

func envelope(workflow Workflow, status Status) *DocumentRecord {
	return &DocumentRecord{ID: "env-1", Kind: KindEnvelope, Workflow: workflow, Status: status}
}

func signerAt(id string, pos int, status SignerStatus) SignerRecord {
	return SignerRecord{ID: id, DocumentID: "env-1", Name: id, Email: id + "@example.com", Position: pos, Status: status}
}

func TestSequencerSequential(t *testing.T) {
	doc := envelope(WorkflowSequential, StatusPending)
	// Deliberately out of order; positions decide.
	signers := []SignerRecord{
		signerAt("bob", 2, SignerPending),
		signerAt("alice", 1, SignerViewed),
		signerAt("carol", 3, SignerPending),
	}
	q := NewSequencer(doc, signers)

	assert.True(t, q.CanAct("alice"))
	assert.False(t, q.CanAct("bob"))
	err := q.Check("bob")
	assert.True(t, errors.Is(err, signerr.ErrSequenceNotEligible))
	e, _ := signerr.As(err)
	assert.Equal(t, string(SignerPending), e.Current)

	eligible := q.Eligible()
	if assert.Len(t, eligible, 1) {
		assert.Equal(t, "alice", eligible[0].ID)
	}
	assert.Equal(t, StatusPending, q.Aggregate())

	signers[1].Status = SignerSigned
	doc.Status = StatusInProgress
	q = NewSequencer(doc, signers)
	assert.True(t, q.CanAct("bob"))
	assert.False(t, q.CanAct("carol"))
	assert.True(t, errors.Is(q.Check("alice"), signerr.ErrAlreadySigned))
	assert.Equal(t, StatusInProgress, q.Aggregate())
	assert.False(t, q.Complete())
}

func TestSequencerParallel(t *testing.T) {
	doc := envelope(WorkflowParallel, StatusPending)
	signers := []SignerRecord{
		signerAt("alice", 1, SignerPending),
		signerAt("bob", 2, SignerPending),
	}
	q := NewSequencer(doc, signers)
	assert.True(t, q.CanAct("alice"))
	assert.True(t, q.CanAct("bob"))
	assert.Len(t, q.Eligible(), 2)

	signers[1].Status = SignerSigned
	q = NewSequencer(doc, signers)
	assert.Equal(t, StatusInProgress, q.Aggregate())

	signers[0].Status = SignerSigned
	q = NewSequencer(doc, signers)
	assert.True(t, q.Complete())
	assert.Equal(t, StatusCompleted, q.Aggregate())
	assert.Empty(t, q.Eligible())
}

func TestSequencerClosedDocument(t *testing.T) {
	q := NewSequencer(envelope(WorkflowParallel, StatusDraft), []SignerRecord{signerAt("alice", 1, SignerPending)})
	err := q.Check("alice")
	e, ok := signerr.As(err)
	if assert.True(t, ok) {
		assert.Equal(t, signerr.CodeIllegalStateTransition, e.Code)
		assert.Equal(t, string(StatusDraft), e.Current)
	}
	assert.True(t, errors.Is(q.Check("nobody"), signerr.ErrIllegalStateTransition))

	q = NewSequencer(envelope(WorkflowParallel, StatusPending), []SignerRecord{signerAt("alice", 1, SignerDeclined)})
	assert.True(t, errors.Is(q.Check("alice"), signerr.ErrIllegalStateTransition))
	assert.True(t, errors.Is(q.Check("nobody"), signerr.ErrNotFound))
}

func TestSequencerContract(t *testing.T) {
	doc := &DocumentRecord{ID: "ctr-1", Kind: KindContract, Status: StatusViewed}
	signers := []SignerRecord{{ID: "client", DocumentID: "ctr-1", Position: 1, Status: SignerViewed}}
	q := NewSequencer(doc, signers)
	assert.True(t, q.CanAct("client"))
	assert.Equal(t, StatusViewed, q.Aggregate())

	signers[0].Status = SignerSigned
	assert.Equal(t, StatusSigned, NewSequencer(doc, signers).Aggregate())
}
