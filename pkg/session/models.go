package session

import "time"

// Record is a persisted signing session keyed by the SHA-256 of its id.
type Record struct {
	KeyHash      string     `gorm:"primaryKey;column:key_hash;type:varchar(64)"`
	DocumentID   string     `gorm:"column:document_id;type:varchar(36);index:idx_session_doc;not null"`
	SignerID     string     `gorm:"column:signer_id;type:varchar(36);not null"`
	Email        string     `gorm:"column:email;not null"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null"`
	ExpiresAt    time.Time  `gorm:"column:expires_at;not null"`
	MaxExpiresAt time.Time  `gorm:"column:max_expires_at;not null"`
	RevokedAt    *time.Time `gorm:"column:revoked_at"`
	ReadOnly     bool       `gorm:"column:read_only;default:false"`
	Extensions   int        `gorm:"column:extensions;default:0"`
}

// TableName returns the GORM table name.
func (Record) TableName() string { return "signing_sessions" }

func (r *Record) activeAt(now time.Time) bool {
	return r.RevokedAt == nil && now.Before(r.ExpiresAt)
}

// Session is the capability handed to request handlers after OTP success.
// It authorizes one signer's actions on one document until ExpiresAt. Once
// the signer has signed the session is ReadOnly and only grants downloads.
type Session struct {
	ID         string    `json:"sessionId"`
	DocumentID string    `json:"documentId"`
	SignerID   string    `json:"signerId"`
	Email      string    `json:"email"`
	ExpiresAt  time.Time `json:"expiresAt"`
	ReadOnly   bool      `json:"readOnly,omitempty"`
}

func (r *Record) toSession(id string) *Session {
	return &Session{
		ID:         id,
		DocumentID: r.DocumentID,
		SignerID:   r.SignerID,
		Email:      r.Email,
		ExpiresAt:  r.ExpiresAt,
		ReadOnly:   r.ReadOnly,
	}
}
