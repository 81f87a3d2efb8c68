package jobs

import (
	"time"
)

// JobState represents the lifecycle state of a background job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCanceled  JobState = "canceled"
)

// Kind names the work a job performs.
type Kind string

const (
	// KindSealDocument embeds the collected signatures into the final PDF
	// and records its hash.
	KindSealDocument Kind = "seal_document"
	// KindNotifySigner issues a fresh link to a signer whose turn has come
	// and emails it.
	KindNotifySigner Kind = "notify_signer"
)

// Job is the GORM model for a queued unit of work. Jobs carry ids only; any
// secret a handler needs (such as a magic link) is minted when it runs.
type Job struct {
	ID             string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	Kind           Kind       `gorm:"column:kind;type:varchar(32);index:idx_job_kind_state,priority:1;not null"`
	DocumentID     string     `gorm:"column:document_id;type:varchar(36);index:idx_job_document"`
	SignerID       string     `gorm:"column:signer_id;type:varchar(36)"`
	RequestedBy    string     `gorm:"column:requested_by;not null"`
	RequestedAt    time.Time  `gorm:"column:requested_at;not null"`
	State          JobState   `gorm:"column:state;type:varchar(16);index:idx_job_kind_state,priority:2;index:idx_job_state;not null;default:queued"`
	Message        string     `gorm:"column:message"`
	StartedAt      *time.Time `gorm:"column:started_at"`
	FinishedAt     *time.Time `gorm:"column:finished_at"`
	AttemptCount   int        `gorm:"column:attempt_count;default:0"`
	LastError      string     `gorm:"column:last_error"`
	IdempotencyKey *string    `gorm:"column:idempotency_key;uniqueIndex:idx_job_idemp_key"`
	DurationMs     int64      `gorm:"column:duration_ms"`
}

// TableName returns the GORM table name.
func (Job) TableName() string { return "signing_jobs" }

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	switch j.State {
	case JobStateSucceeded, JobStateFailed, JobStateCanceled:
		return true
	}
	return false
}

// Key returns the idempotency key, or "" when the job has none.
func (j *Job) Key() string {
	if j.IdempotencyKey == nil {
		return ""
	}
	return *j.IdempotencyKey
}

// IdempotencyKey builds the key that deduplicates active jobs of kind for
// one document, e.g. "seal_document:<id>".
func IdempotencyKey(kind Kind, documentID string, extra ...string) *string {
	k := string(kind) + ":" + documentID
	for _, e := range extra {
		k += ":" + e
	}
	return &k
}
