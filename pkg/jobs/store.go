package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lumenhouse/esign/pkg/signerr"
)

var skipLocked = clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}

// JobStore provides database operations for jobs.
type JobStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewJobStore creates a new JobStore.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db, now: time.Now}
}

// WithClock overrides the time source. Used by tests.
func (s *JobStore) WithClock(now func() time.Time) *JobStore {
	s.now = now
	return s
}

// AutoMigrate creates or updates the jobs table.
func (s *JobStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Job{}); err != nil {
		return fmt.Errorf("auto-migrate jobs: %w", err)
	}
	return nil
}

// JobListFilter defines filters for listing jobs.
type JobListFilter struct {
	Kind        string
	DocumentID  string
	State       string
	RequestedBy string
}

var activeStates = []JobState{JobStateQueued, JobStateRunning}

// Enqueue creates a new queued job. If IdempotencyKey is non-empty and a
// non-terminal job with the same key exists, the existing job is returned
// instead of creating a duplicate. Safe for concurrent use.
func (s *JobStore) Enqueue(ctx context.Context, job *Job) (*Job, error) {
	if job.Kind == "" {
		return nil, errors.New("enqueue job: kind is required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.State == "" {
		job.State = JobStateQueued
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = s.now().UTC()
	}
	if job.RequestedBy == "" {
		job.RequestedBy = "system"
	}

	db := s.db.WithContext(ctx)
	key := job.Key()
	if key == "" {
		job.IdempotencyKey = nil
		if err := db.Create(job).Error; err != nil {
			return nil, fmt.Errorf("enqueue job: %w", err)
		}
		return job, nil
	}

	var result *Job
	err := db.Transaction(func(tx *gorm.DB) error {
		var existing Job
		res := tx.Where("idempotency_key = ? AND state IN ?", key, activeStates).Limit(1).Find(&existing)
		if res.Error != nil {
			return fmt.Errorf("check idempotency key: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			result = &existing
			return nil
		}

		// Release the key held by finished jobs so the unique index does not
		// block the new one.
		if err := tx.Model(&Job{}).
			Where("idempotency_key = ? AND state NOT IN ?", key, activeStates).
			Update("idempotency_key", nil).Error; err != nil {
			return fmt.Errorf("release idempotency key: %w", err)
		}

		if err := tx.Create(job).Error; err != nil {
			return err
		}
		result = job
		return nil
	})
	if err != nil {
		// Another transaction may have created the job between our check and
		// create.
		var raced Job
		res := db.Where("idempotency_key = ? AND state IN ?", key, activeStates).Limit(1).Find(&raced)
		if res.Error == nil && res.RowsAffected > 0 {
			return &raced, nil
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return result, nil
}

// Claim atomically picks the oldest queued job and transitions it to
// running. PostgreSQL and MySQL use FOR UPDATE SKIP LOCKED so concurrent
// workers never block on each other. Returns nil if no jobs are available.
func (s *JobStore) Claim(ctx context.Context, maxRetries int) (*Job, error) {
	var job Job

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("state = ? AND attempt_count < ?", JobStateQueued, maxRetries).
			Order("requested_at ASC").
			Limit(1)
		switch tx.Dialector.Name() {
		case "postgres", "mysql":
			q = q.Clauses(skipLocked)
		}
		res := q.Find(&job)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		upd := tx.Model(&Job{}).Where("id = ? AND state = ?", job.ID, JobStateQueued).
			Updates(map[string]any{
				"state":         JobStateRunning,
				"started_at":    s.now().UTC(),
				"attempt_count": gorm.Expr("attempt_count + 1"),
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			job = Job{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if job.ID == "" {
		return nil, nil
	}

	// Reload to get the updated values.
	if err := s.db.WithContext(ctx).First(&job, "id = ?", job.ID).Error; err != nil {
		return nil, fmt.Errorf("reload claimed job: %w", err)
	}
	return &job, nil
}

// Complete marks a running job as succeeded.
func (s *JobStore) Complete(ctx context.Context, jobID, message string, durationMs int64) error {
	result := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND state = ?", jobID, JobStateRunning).
		Updates(map[string]any{
			"state":       JobStateSucceeded,
			"finished_at": s.now().UTC(),
			"duration_ms": durationMs,
			"message":     message,
			"last_error":  "",
		})
	if result.Error != nil {
		return fmt.Errorf("complete job: %w", result.Error)
	}
	return nil
}

// Fail records a failed attempt. While attempts remain and the failure is
// not permanent the job is re-queued; otherwise it becomes failed.
func (s *JobStore) Fail(ctx context.Context, jobID, errMsg string, maxRetries int, permanent bool) (*Job, error) {
	now := s.now().UTC()
	db := s.db.WithContext(ctx)

	var job Job
	if err := db.First(&job, "id = ?", jobID).Error; err != nil {
		return nil, fmt.Errorf("load job for fail: %w", err)
	}

	updates := map[string]any{
		"last_error":  errMsg,
		"finished_at": now,
	}
	if !permanent && job.AttemptCount < maxRetries {
		updates["state"] = JobStateQueued
		updates["started_at"] = nil
		updates["finished_at"] = nil
	} else {
		updates["state"] = JobStateFailed
		if permanent {
			updates["message"] = "Failed: " + errMsg
		} else {
			updates["message"] = "Max retries exceeded: " + errMsg
		}
	}

	if err := db.Model(&Job{}).Where("id = ? AND state = ?", jobID, JobStateRunning).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("fail job: %w", err)
	}
	if err := db.First(&job, "id = ?", jobID).Error; err != nil {
		return nil, fmt.Errorf("reload job: %w", err)
	}
	return &job, nil
}

// Cancel marks a queued job as canceled. Running jobs cannot be canceled.
func (s *JobStore) Cancel(ctx context.Context, jobID, by string) error {
	db := s.db.WithContext(ctx)
	msg := "Canceled"
	if by != "" {
		msg = "Canceled by " + by
	}
	result := db.Model(&Job{}).
		Where("id = ? AND state = ?", jobID, JobStateQueued).
		Updates(map[string]any{
			"state":       JobStateCanceled,
			"finished_at": s.now().UTC(),
			"message":     msg,
		})
	if result.Error != nil {
		return fmt.Errorf("cancel job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		job, err := s.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return signerr.NotFound("job", jobID)
		}
		return signerr.IllegalTransition(string(job.State), string(JobStateCanceled))
	}
	return nil
}

// Get retrieves a job by ID.
func (s *JobStore) Get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// List returns paginated jobs matching the given filter, newest first.
func (s *JobStore) List(ctx context.Context, filter JobListFilter, pageSize int, pageToken string) ([]Job, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&Job{})
		if filter.Kind != "" {
			q = q.Where("kind = ?", filter.Kind)
		}
		if filter.DocumentID != "" {
			q = q.Where("document_id = ?", filter.DocumentID)
		}
		if filter.State != "" {
			q = q.Where("state = ?", filter.State)
		}
		if filter.RequestedBy != "" {
			q = q.Where("requested_by = ?", filter.RequestedBy)
		}
		return q
	}

	db := s.db.WithContext(ctx)
	var totalSize int64
	if err := buildQuery(db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count jobs: %w", err)
	}

	query := buildQuery(db).Order("requested_at DESC").Order("id DESC").Limit(pageSize + 1)
	if pageToken != "" {
		ts, id, ok := strings.Cut(pageToken, "|")
		t, err := time.Parse(time.RFC3339Nano, ts)
		if !ok || id == "" || err != nil {
			return nil, "", 0, signerr.Validation("invalid page token", "pageToken")
		}
		query = query.Where("(requested_at < ? OR (requested_at = ? AND id < ?))", t, t, id)
	}

	var records []Job
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list jobs: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		last := records[pageSize-1]
		nextToken = last.RequestedAt.Format(time.RFC3339Nano) + "|" + last.ID
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// CleanupStuckJobs transitions running jobs that have been stuck
// (started_at older than claimTimeout) back to queued for retry.
func (s *JobStore) CleanupStuckJobs(ctx context.Context, claimTimeout time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-claimTimeout)
	result := s.db.WithContext(ctx).Model(&Job{}).
		Where("state = ? AND started_at < ?", JobStateRunning, cutoff).
		Updates(map[string]any{
			"state":      JobStateQueued,
			"started_at": nil,
			"last_error": "Timed out (stuck job recovery)",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup stuck jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteOlderThan removes terminal jobs finished before cutoff.
func (s *JobStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("state IN ? AND finished_at < ?",
		[]JobState{JobStateSucceeded, JobStateFailed, JobStateCanceled}, cutoff).
		Delete(&Job{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
