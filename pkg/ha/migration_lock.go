package ha

import (
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MigrationLocker serializes AutoMigrate across replicas starting at the
// same time.
type MigrationLocker interface {
	// WithLock executes fn while holding the migration lock.
	// It blocks until the lock is acquired, then releases it after fn returns.
	WithLock(ctx context.Context, fn func() error) error
}

const migrationLockName = "esign-migration"

// Table lock timings for databases without advisory locks.
var (
	lockRetries       = 30
	lockRetryInterval = time.Second
	staleLockAge      = 5 * time.Minute
)

// NewMigrationLocker creates a MigrationLocker appropriate for the database
// dialect. PostgreSQL uses advisory locks; other databases use a lock table,
// which is created immediately so concurrent callers never race on it.
func NewMigrationLocker(db *gorm.DB, cfg Config, logger *zap.Logger) MigrationLocker {
	if db == nil || !cfg.MigrationLockEnabled {
		return noopMigrationLock{}
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("migration-lock")

	if db.Dialector.Name() == "postgres" {
		return &pgAdvisoryLock{
			db:     db,
			lockID: advisoryLockID(migrationLockName),
			logger: logger,
		}
	}
	if err := db.AutoMigrate(&migrationLockRecord{}); err != nil {
		logger.Warn("could not create migration lock table", zap.Error(err))
	}
	return &tableMigrationLock{db: db, holder: cfg.Identity, logger: logger}
}

func advisoryLockID(name string) int64 {
	return int64(crc32.ChecksumIEEE([]byte(name)))
}

type noopMigrationLock struct{}

func (noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

// pgAdvisoryLock holds a session-level PostgreSQL advisory lock.
type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
	logger *zap.Logger
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.db.WithContext(ctx).Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	l.logger.Debug("migration lock acquired", zap.Int64("lockId", l.lockID))

	defer func() {
		if err := l.db.Exec("SELECT pg_advisory_unlock(?)", l.lockID).Error; err != nil {
			l.logger.Warn("release migration advisory lock", zap.Error(err))
		}
	}()

	return fn()
}

// migrationLockRecord is the single lock row used on SQLite and MySQL.
type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (migrationLockRecord) TableName() string { return "esign_migration_lock" }

// tableMigrationLock takes the lock by inserting the lock row; the primary
// key rejects a second holder. Rows older than staleLockAge belong to a
// crashed replica and are cleared.
type tableMigrationLock struct {
	db     *gorm.DB
	holder string
	logger *zap.Logger
}

func (l *tableMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if err := l.db.Where("id = ?", migrationLockName).Delete(&migrationLockRecord{}).Error; err != nil {
			l.logger.Warn("release migration lock", zap.Error(err))
		}
	}()
	return fn()
}

func (l *tableMigrationLock) acquire(ctx context.Context) error {
	var lastErr error
	for i := 0; i < lockRetries; i++ {
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", migrationLockName, time.Now().Add(-staleLockAge)).
			Delete(&migrationLockRecord{})

		row := migrationLockRecord{ID: migrationLockName, LockedAt: time.Now(), LockedBy: l.holder}
		if lastErr = l.db.WithContext(ctx).Create(&row).Error; lastErr == nil {
			l.logger.Debug("migration lock acquired", zap.String("holder", l.holder))
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
	return fmt.Errorf("acquire migration lock after %d attempts: %w", lockRetries, lastErr)
}
