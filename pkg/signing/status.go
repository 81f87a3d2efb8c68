package signing

import (
	"github.com/lumenhouse/esign/pkg/signerr"
)

// Kind distinguishes single-recipient contracts from multi-signer envelopes.
type Kind string

const (
	KindContract Kind = "contract"
	KindEnvelope Kind = "envelope"
)

// Status is the authoritative state of a document. Contracts and envelopes
// use disjoint subsets, validated by their own Machine.
type Status string

// Contract states.
const (
	StatusDraft    Status = "DRAFT"
	StatusSent     Status = "SENT"
	StatusViewed   Status = "VIEWED"
	StatusSigned   Status = "SIGNED"
	StatusDeclined Status = "DECLINED"
	StatusVoided   Status = "VOIDED"
	StatusExpired  Status = "EXPIRED"
)

// Envelope states. DRAFT and EXPIRED are shared with contracts.
const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Workflow is the signer ordering policy of an envelope.
type Workflow string

const (
	WorkflowSequential Workflow = "SEQUENTIAL"
	WorkflowParallel   Workflow = "PARALLEL"
)

// Valid reports whether w is a known workflow.
func (w Workflow) Valid() bool {
	return w == WorkflowSequential || w == WorkflowParallel
}

// SignerStatus is the per-signer progress within a document.
type SignerStatus string

const (
	SignerPending  SignerStatus = "pending"
	SignerViewed   SignerStatus = "viewed"
	SignerSigned   SignerStatus = "signed"
	SignerDeclined SignerStatus = "declined"
)

// Open reports whether the signer can still sign or decline.
func (s SignerStatus) Open() bool {
	return s == SignerPending || s == SignerViewed
}

// TransitionRule defines an allowed status transition.
type TransitionRule struct {
	From Status
	To   Status
}

// ContractTransitions defines the contract lifecycle.
var ContractTransitions = []TransitionRule{
	{From: StatusDraft, To: StatusSent},
	{From: StatusDraft, To: StatusVoided},
	{From: StatusSent, To: StatusViewed},
	{From: StatusSent, To: StatusDeclined},
	{From: StatusSent, To: StatusVoided},
	{From: StatusSent, To: StatusExpired},
	{From: StatusViewed, To: StatusSigned},
	{From: StatusViewed, To: StatusDeclined},
	{From: StatusViewed, To: StatusVoided},
	{From: StatusViewed, To: StatusExpired},
}

// EnvelopeTransitions defines the envelope lifecycle. PENDING may complete
// directly when a single signer finishes.
var EnvelopeTransitions = []TransitionRule{
	{From: StatusDraft, To: StatusPending},
	{From: StatusDraft, To: StatusCancelled},
	{From: StatusPending, To: StatusInProgress},
	{From: StatusPending, To: StatusCompleted},
	{From: StatusPending, To: StatusCancelled},
	{From: StatusPending, To: StatusExpired},
	{From: StatusInProgress, To: StatusCompleted},
	{From: StatusInProgress, To: StatusCancelled},
	{From: StatusInProgress, To: StatusExpired},
}

// Machine validates the status transitions of one document kind.
type Machine struct {
	kind        Kind
	transitions []TransitionRule
	states      map[Status]struct{}
	outgoing    map[Status][]Status
}

func newMachine(kind Kind, rules []TransitionRule) *Machine {
	m := &Machine{
		kind:        kind,
		transitions: rules,
		states:      make(map[Status]struct{}),
		outgoing:    make(map[Status][]Status),
	}
	for _, r := range rules {
		m.states[r.From] = struct{}{}
		m.states[r.To] = struct{}{}
		m.outgoing[r.From] = append(m.outgoing[r.From], r.To)
	}
	return m
}

var (
	contractMachine = newMachine(KindContract, ContractTransitions)
	envelopeMachine = newMachine(KindEnvelope, EnvelopeTransitions)
)

// MachineFor returns the machine governing kind, or nil for an unknown kind.
func MachineFor(kind Kind) *Machine {
	switch kind {
	case KindContract:
		return contractMachine
	case KindEnvelope:
		return envelopeMachine
	}
	return nil
}

// Kind returns the document kind the machine governs.
func (m *Machine) Kind() Kind { return m.kind }

// Known reports whether s is a state of this machine.
func (m *Machine) Known(s Status) bool {
	_, ok := m.states[s]
	return ok
}

// Terminal reports whether s has no outgoing transitions.
func (m *Machine) Terminal(s Status) bool {
	return m.Known(s) && len(m.outgoing[s]) == 0
}

// AllowedTransitions returns all valid target states from the given state.
func (m *Machine) AllowedTransitions(from Status) []Status {
	return append([]Status(nil), m.outgoing[from]...)
}

// CanTransition reports whether from->to is an edge of the machine.
func (m *Machine) CanTransition(from, to Status) bool {
	for _, t := range m.outgoing[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns nil if from->to is allowed, and an
// IllegalStateTransition naming from otherwise.
func (m *Machine) ValidateTransition(from, to Status) error {
	if m.CanTransition(from, to) {
		return nil
	}
	return signerr.IllegalTransition(string(from), string(to))
}

// Sources returns every state with an edge into to.
func (m *Machine) Sources(to Status) []Status {
	var from []Status
	for _, r := range m.transitions {
		if r.To == to {
			from = append(from, r.From)
		}
	}
	return from
}

// sentStatus is the status a document enters when sent.
func sentStatus(kind Kind) Status {
	if kind == KindEnvelope {
		return StatusPending
	}
	return StatusSent
}

// cancelStatus is the status an issuer cancellation leads to.
func cancelStatus(kind Kind) Status {
	if kind == KindEnvelope {
		return StatusCancelled
	}
	return StatusVoided
}

// doneStatus is the status of a fully signed document.
func doneStatus(kind Kind) Status {
	if kind == KindEnvelope {
		return StatusCompleted
	}
	return StatusSigned
}

// awaitingSignatures reports whether a document in status s accepts signer
// actions.
func awaitingSignatures(kind Kind, s Status) bool {
	if kind == KindEnvelope {
		return s == StatusPending || s == StatusInProgress
	}
	return s == StatusSent || s == StatusViewed
}
