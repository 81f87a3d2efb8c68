package otp

import "time"

// ChallengeState is the lifecycle state of an OTP challenge.
type ChallengeState string

const (
	StateActive     ChallengeState = "active"
	StateConsumed   ChallengeState = "consumed"
	StateExhausted  ChallengeState = "exhausted"
	StateExpired    ChallengeState = "expired"
	StateSuperseded ChallengeState = "superseded"
)

// ChallengeRecord is a persisted OTP challenge. The code itself is never
// stored, only its bcrypt hash.
type ChallengeRecord struct {
	ID          string         `gorm:"primaryKey;column:id;type:varchar(36)"`
	TokenID     string         `gorm:"column:token_id;type:varchar(36);index:idx_challenge_token_state,priority:1;not null"`
	DocumentID  string         `gorm:"column:document_id;type:varchar(36);not null"`
	SignerID    string         `gorm:"column:signer_id;type:varchar(36)"`
	Email       string         `gorm:"column:email;not null"`
	CodeHash    string         `gorm:"column:code_hash;not null"`
	State       ChallengeState `gorm:"column:state;type:varchar(16);index:idx_challenge_token_state,priority:2;not null"`
	Attempts    int            `gorm:"column:attempts;not null;default:0"`
	MaxAttempts int            `gorm:"column:max_attempts;not null"`
	ExpiresAt   time.Time      `gorm:"column:expires_at;not null"`
	CreatedAt   time.Time      `gorm:"column:created_at;not null"`
	ConsumedAt  *time.Time     `gorm:"column:consumed_at"`
}

// TableName returns the GORM table name.
func (ChallengeRecord) TableName() string { return "otp_challenges" }

// Remaining returns the attempts left before the challenge is burned.
func (c *ChallengeRecord) Remaining() int {
	if r := c.MaxAttempts - c.Attempts; r > 0 {
		return r
	}
	return 0
}
