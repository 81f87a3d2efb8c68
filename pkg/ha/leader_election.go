package ha

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// leaseRecord is one contended lease. The holder keeps it by renewing
// before ExpiresAt; anyone may take it afterwards.
type leaseRecord struct {
	Name      string    `gorm:"primaryKey;column:name"`
	Holder    string    `gorm:"column:holder;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
	RenewedAt time.Time `gorm:"column:renewed_at;not null"`
}

func (leaseRecord) TableName() string { return "esign_leases" }

// LeaderElector runs lease-based leader election over the shared database
// so that singleton background loops (the expiry sweeper) run on exactly
// one replica.
type LeaderElector struct {
	cfg      Config
	db       *gorm.DB
	isLeader bool
	mu       sync.RWMutex
	logger   *zap.Logger
	now      func() time.Time
	onStart  func(ctx context.Context)
	onStop   func()
}

// NewLeaderElector creates a LeaderElector for cfg.LeaseName.
func NewLeaderElector(db *gorm.DB, cfg Config, logger *zap.Logger) *LeaderElector {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &LeaderElector{
		cfg:    cfg,
		db:     db,
		logger: logger.Named("leader").With(zap.String("identity", cfg.Identity), zap.String("lease", cfg.LeaseName)),
		now:    time.Now,
	}
}

// WithClock overrides the time source used for lease expiry.
func (le *LeaderElector) WithClock(now func() time.Time) *LeaderElector {
	le.now = now
	return le
}

// AutoMigrate creates the lease table.
func (le *LeaderElector) AutoMigrate() error {
	if err := le.db.AutoMigrate(&leaseRecord{}); err != nil {
		return fmt.Errorf("auto-migrate leases: %w", err)
	}
	return nil
}

// OnStartLeading registers a callback invoked when this instance becomes leader.
// The provided context is cancelled when leadership is lost.
func (le *LeaderElector) OnStartLeading(fn func(ctx context.Context)) {
	le.onStart = fn
}

// OnStopLeading registers a callback invoked when this instance loses leadership.
func (le *LeaderElector) OnStopLeading(fn func()) {
	le.onStop = fn
}

// IsLeader returns true if this instance is the current leader.
func (le *LeaderElector) IsLeader() bool {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.isLeader
}

// tryAcquireOrRenew takes the lease when it is free or expired and extends
// it when already held.
func (le *LeaderElector) tryAcquireOrRenew(ctx context.Context) (bool, error) {
	now := le.now()
	expires := now.Add(le.cfg.LeaseDuration)

	res := le.db.WithContext(ctx).Model(&leaseRecord{}).
		Where("name = ? AND (holder = ? OR expires_at < ?)", le.cfg.LeaseName, le.cfg.Identity, now).
		Updates(map[string]any{"holder": le.cfg.Identity, "expires_at": expires, "renewed_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("renew lease %s: %w", le.cfg.LeaseName, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	var existing int64
	if err := le.db.WithContext(ctx).Model(&leaseRecord{}).Where("name = ?", le.cfg.LeaseName).Count(&existing).Error; err != nil {
		return false, fmt.Errorf("read lease %s: %w", le.cfg.LeaseName, err)
	}
	if existing > 0 {
		return false, nil
	}
	row := leaseRecord{Name: le.cfg.LeaseName, Holder: le.cfg.Identity, ExpiresAt: expires, RenewedAt: now}
	if err := le.db.WithContext(ctx).Create(&row).Error; err != nil {
		// Lost the insert race to another replica.
		return false, nil
	}
	return true, nil
}

// release gives the lease up so a standby can take over without waiting for
// it to expire.
func (le *LeaderElector) release() {
	err := le.db.Where("name = ? AND holder = ?", le.cfg.LeaseName, le.cfg.Identity).Delete(&leaseRecord{}).Error
	if err != nil {
		le.logger.Warn("release lease", zap.Error(err))
	}
}

// Run starts leader election. It blocks until the context is cancelled.
// When this instance becomes leader, it calls the OnStartLeading callback.
// When leadership is lost, it calls OnStopLeading.
func (le *LeaderElector) Run(ctx context.Context) {
	le.logger.Info("starting leader election",
		zap.Duration("leaseDuration", le.cfg.LeaseDuration),
		zap.Duration("retryPeriod", le.cfg.RetryPeriod),
	)

	var cancelLeading context.CancelFunc
	var leading sync.WaitGroup
	stopLeading := func() {
		if cancelLeading == nil {
			return
		}
		cancelLeading()
		leading.Wait()
		cancelLeading = nil
		le.setLeader(false)
		le.logger.Info("lost leadership")
		if le.onStop != nil {
			le.onStop()
		}
	}

	ticker := time.NewTicker(le.cfg.RetryPeriod)
	defer ticker.Stop()
loop:
	for {
		held, err := le.tryAcquireOrRenew(ctx)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			le.logger.Warn("lease attempt failed", zap.Error(err))
		}

		switch {
		case held && cancelLeading == nil:
			var leaderCtx context.Context
			leaderCtx, cancelLeading = context.WithCancel(ctx)
			le.setLeader(true)
			le.logger.Info("elected as leader")
			if le.onStart != nil {
				leading.Add(1)
				go func() {
					defer leading.Done()
					le.onStart(leaderCtx)
				}()
			}
		case !held && cancelLeading != nil:
			stopLeading()
		}

		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
	}

	if cancelLeading != nil {
		stopLeading()
		le.release()
	}
}

func (le *LeaderElector) setLeader(v bool) {
	le.mu.Lock()
	le.isLeader = v
	le.mu.Unlock()
}
