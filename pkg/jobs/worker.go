package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumenhouse/esign/pkg/logger"
)

// Handler executes one job. The returned message is stored on success.
type Handler func(ctx context.Context, job *Job) (message string, err error)

// ErrPermanent marks a failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent job failure")

// Permanent wraps err so the worker fails the job without further retries.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// WorkerPool processes queued jobs using a pool of goroutines.
type WorkerPool struct {
	store    *JobStore
	cfg      Config
	logger   *zap.Logger
	mu       sync.RWMutex
	handlers map[Kind]Handler
	wg       sync.WaitGroup
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(store *JobStore, cfg Config, log *zap.Logger) *WorkerPool {
	return &WorkerPool{
		store:    store,
		cfg:      cfg.withDefaults(),
		logger:   logger.OrNop(log).Named("jobs"),
		handlers: make(map[Kind]Handler),
	}
}

// Handle registers the handler for kind, replacing any previous one.
func (wp *WorkerPool) Handle(kind Kind, h Handler) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.handlers[kind] = h
}

func (wp *WorkerPool) handler(kind Kind) (Handler, bool) {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	h, ok := wp.handlers[kind]
	return h, ok
}

// Run starts the worker pool. It spawns cfg.Concurrency goroutines,
// each polling for jobs. It blocks until the context is cancelled,
// then waits for all workers to finish.
func (wp *WorkerPool) Run(ctx context.Context) {
	if wp.store == nil || !wp.cfg.Enabled {
		wp.logger.Info("job worker pool disabled")
		return
	}

	wp.logger.Info("job worker pool starting",
		zap.Int("concurrency", wp.cfg.Concurrency),
		zap.Int("maxRetries", wp.cfg.MaxRetries),
		zap.Duration("pollInterval", wp.cfg.PollInterval))

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.cleanupLoop(ctx)
	}()

	for i := 0; i < wp.cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	wp.logger.Info("job worker pool shutting down, waiting for workers to finish")
	wp.wg.Wait()
	wp.logger.Info("job worker pool stopped")
}

// Drain processes queued jobs on the calling goroutine until none can be
// claimed, and returns how many were attempted. Retries are attempted in the
// same call.
func (wp *WorkerPool) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil && wp.processOne(ctx, -1) {
		n++
	}
	return n
}

// workerLoop is the main loop for a single worker goroutine.
func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	wp.logger.Debug("worker started", zap.Int("workerID", workerID))

	for {
		select {
		case <-ctx.Done():
			wp.logger.Debug("worker stopped", zap.Int("workerID", workerID))
			return
		case <-ticker.C:
			// Keep claiming while there is work so a burst does not wait a
			// full poll interval per job.
			for ctx.Err() == nil && wp.processOne(ctx, workerID) {
			}
		}
	}
}

// processOne tries to claim and process a single job. It reports whether a
// job was claimed.
func (wp *WorkerPool) processOne(ctx context.Context, workerID int) bool {
	job, err := wp.store.Claim(ctx, wp.cfg.MaxRetries)
	if err != nil {
		wp.logger.Error("failed to claim job", zap.Int("workerID", workerID), zap.Error(err))
		return false
	}
	if job == nil {
		return false
	}

	log := wp.logger.With(
		zap.Int("workerID", workerID),
		zap.String("jobID", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("documentId", job.DocumentID),
		zap.Int("attempt", job.AttemptCount))
	log.Info("processing job")

	h, ok := wp.handler(job.Kind)
	if !ok {
		wp.fail(ctx, log, job, fmt.Errorf("no handler registered for kind %q", job.Kind), true)
		return true
	}

	start := time.Now()
	msg, err := wp.run(ctx, h, job)
	if err != nil {
		wp.fail(ctx, log, job, err, errors.Is(err, ErrPermanent))
		return true
	}

	elapsed := time.Since(start)
	log.Info("job completed", zap.Duration("duration", elapsed))
	if err := wp.store.Complete(ctx, job.ID, msg, elapsed.Milliseconds()); err != nil {
		log.Error("failed to mark job as complete", zap.Error(err))
	}
	return true
}

// run invokes h, turning a panic into a job failure.
func (wp *WorkerPool) run(ctx context.Context, h Handler, job *Job) (msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (wp *WorkerPool) fail(ctx context.Context, log *zap.Logger, job *Job, cause error, permanent bool) {
	updated, err := wp.store.Fail(ctx, job.ID, cause.Error(), wp.cfg.MaxRetries, permanent)
	if err != nil {
		log.Error("failed to mark job as failed", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	if updated.State == JobStateFailed {
		log.Error("job failed", zap.Error(cause))
		return
	}
	log.Warn("job attempt failed, will retry", zap.Error(cause))
}

// cleanupLoop periodically recovers stuck jobs and deletes old finished ones.
func (wp *WorkerPool) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if wp.cfg.ClaimTimeout > 0 {
				recovered, err := wp.store.CleanupStuckJobs(ctx, wp.cfg.ClaimTimeout)
				if err != nil {
					wp.logger.Error("failed to cleanup stuck jobs", zap.Error(err))
				} else if recovered > 0 {
					wp.logger.Info("recovered stuck jobs", zap.Int64("count", recovered))
				}
			}

			if wp.cfg.RetentionDays > 0 {
				cutoff := time.Now().AddDate(0, 0, -wp.cfg.RetentionDays)
				deleted, err := wp.store.DeleteOlderThan(ctx, cutoff)
				if err != nil {
					wp.logger.Error("failed to delete old jobs", zap.Error(err))
				} else if deleted > 0 {
					wp.logger.Info("deleted old jobs", zap.Int64("count", deleted))
				}
			}
		}
	}
}
