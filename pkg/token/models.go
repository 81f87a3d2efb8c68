package token

import "time"

// State is the derived validity of a token at a point in time.
type State string

const (
	StateLive     State = "live"
	StateConsumed State = "consumed"
	StateRevoked  State = "revoked"
	StateExpired  State = "expired"
)

// Record is the persisted form of a magic-link token. Only the SHA-256 of
// the token value is stored.
type Record struct {
	ID           string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	ValueHash    string     `gorm:"column:value_hash;type:varchar(64);uniqueIndex:idx_token_value;not null"`
	DocumentID   string     `gorm:"column:document_id;type:varchar(36);index:idx_token_doc_signer,priority:1;not null"`
	SignerID     string     `gorm:"column:signer_id;type:varchar(36);index:idx_token_doc_signer,priority:2"`
	IssuedAt     time.Time  `gorm:"column:issued_at;not null"`
	ExpiresAt    time.Time  `gorm:"column:expires_at;not null"`
	ConsumedAt   *time.Time `gorm:"column:consumed_at"`
	RevokedAt    *time.Time `gorm:"column:revoked_at"`
	RevokeReason string     `gorm:"column:revoke_reason"`
}

// TableName returns the GORM table name.
func (Record) TableName() string { return "magic_link_tokens" }

// StateAt reports the token's validity at now. Revocation and consumption
// take precedence over expiry.
func (r *Record) StateAt(now time.Time) State {
	switch {
	case r.RevokedAt != nil:
		return StateRevoked
	case r.ConsumedAt != nil:
		return StateConsumed
	case !now.Before(r.ExpiresAt):
		return StateExpired
	}
	return StateLive
}

// Binding is what a valid token authorizes.
type Binding struct {
	TokenID    string
	DocumentID string
	SignerID   string
	ExpiresAt  time.Time
}

// Issued is a newly minted token. Value is only available at issuance.
type Issued struct {
	Value  string
	Record Record
}
