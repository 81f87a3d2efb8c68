package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lumenhouse/esign/pkg/logger"
)

// Purger deletes records that expired before cutoff and reports how many.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Target is one named kind of credential to purge.
type Target struct {
	Name   string
	Purger Purger
}

// Worker periodically purges expired credentials.
type Worker struct {
	targets   []Target
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewWorker creates a Worker over targets.
func NewWorker(cfg Config, targets []Target, log *zap.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Worker{
		targets:   targets,
		retention: time.Duration(cfg.Days) * 24 * time.Hour,
		interval:  cfg.Interval,
		now:       time.Now,
		logger:    logger.OrNop(log).Named("retention"),
	}
}

// WithClock overrides the time source. Used by tests.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// Run purges once per interval until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	if len(w.targets) == 0 || w.retention <= 0 {
		w.logger.Info("retention worker disabled",
			zap.Int("targets", len(w.targets)),
			zap.Int("retentionDays", int(w.retention.Hours()/24)))
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("retention worker started",
		zap.Int("retentionDays", int(w.retention.Hours()/24)),
		zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("retention worker stopped")
			return
		case <-ticker.C:
			w.Cleanup(ctx)
		}
	}
}

// Cleanup performs a single retention pass and returns the deleted count per
// target. A failing target does not stop the others.
func (w *Worker) Cleanup(ctx context.Context) map[string]int64 {
	cutoff := w.now().Add(-w.retention)
	deleted := make(map[string]int64, len(w.targets))
	for _, t := range w.targets {
		n, err := t.Purger.Purge(ctx, cutoff)
		if err != nil {
			w.logger.Error("retention cleanup failed", zap.String("target", t.Name), zap.Error(err))
			continue
		}
		deleted[t.Name] = n
		if n > 0 {
			w.logger.Info("retention cleanup completed",
				zap.String("target", t.Name),
				zap.Int64("deleted", n),
				zap.Time("cutoff", cutoff))
		}
	}
	return deleted
}
