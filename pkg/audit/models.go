package audit

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Action enumerates the kinds of audited actions.
type Action string

const (
	ActionCreated          Action = "created"
	ActionUpdated          Action = "updated"
	ActionDeleted          Action = "deleted"
	ActionSignerAdded      Action = "signer_added"
	ActionSignerRemoved    Action = "signer_removed"
	ActionSignerUpdated    Action = "signer_updated"
	ActionSent             Action = "sent"
	ActionResent           Action = "resent"
	ActionDeliveryFailed   Action = "delivery_failed"
	ActionOTPRequested     Action = "otp_requested"
	ActionOTPFailed        Action = "otp_failed"
	ActionOTPExhausted     Action = "otp_exhausted"
	ActionVerified         Action = "verified"
	ActionViewed           Action = "viewed"
	ActionSigned           Action = "signed"
	ActionDeclined         Action = "declined"
	ActionVoided           Action = "voided"
	ActionCancelled        Action = "cancelled"
	ActionExpired          Action = "expired"
	ActionCompleted        Action = "completed"
	ActionPDFGenerated     Action = "pdf_generated"
	ActionSealed           Action = "sealed"
	ActionSealFailed       Action = "seal_failed"
	ActionIntegrityChecked Action = "integrity_checked"
	ActionSessionExtended  Action = "session_extended"
	ActionAccessDenied     Action = "access_denied"
)

var knownActions = map[Action]struct{}{
	ActionCreated: {}, ActionUpdated: {}, ActionDeleted: {}, ActionSignerAdded: {},
	ActionSignerRemoved: {}, ActionSignerUpdated: {}, ActionSent: {}, ActionResent: {},
	ActionDeliveryFailed: {}, ActionOTPRequested: {}, ActionOTPFailed: {}, ActionOTPExhausted: {},
	ActionVerified: {}, ActionViewed: {}, ActionSigned: {}, ActionDeclined: {}, ActionVoided: {},
	ActionCancelled: {}, ActionExpired: {}, ActionCompleted: {}, ActionPDFGenerated: {},
	ActionSealed: {}, ActionSealFailed: {}, ActionIntegrityChecked: {}, ActionSessionExtended: {},
	ActionAccessDenied: {},
}

// Valid reports whether a is one of the enumerated actions.
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// Metadata is free-form entry context stored as JSON.
type Metadata map[string]any

// Scan implements the sql.Scanner interface for Metadata.
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for Metadata: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface for Metadata.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// EntryRecord is one immutable audit entry. Seq is the per-document
// insertion order; CreatedAt never decreases along Seq.
type EntryRecord struct {
	ID         string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	DocumentID string    `gorm:"column:document_id;type:varchar(36);not null;uniqueIndex:idx_audit_doc_seq,priority:1"`
	Seq        int64     `gorm:"column:seq;not null;uniqueIndex:idx_audit_doc_seq,priority:2"`
	Action     Action    `gorm:"column:action;type:varchar(32);not null;index:idx_audit_action"`
	Actor      string    `gorm:"column:actor"`
	Metadata   Metadata  `gorm:"column:metadata;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

// TableName returns the GORM table name.
func (EntryRecord) TableName() string { return "audit_entries" }
