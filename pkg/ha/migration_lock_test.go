package ha

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var lockEnabled = Config{MigrationLockEnabled: true, Identity: "replica-a"}

func TestNewMigrationLocker_Disabled(t *testing.T) {
	for name, locker := range map[string]MigrationLocker{
		"nil db":   NewMigrationLocker(nil, lockEnabled, nil),
		"disabled": NewMigrationLocker(leaseDB(t), Config{MigrationLockEnabled: false}, nil),
	} {
		t.Run(name, func(t *testing.T) {
			called := false
			err := locker.WithLock(context.Background(), func() error {
				called = true
				return nil
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !called {
				t.Error("function was not called")
			}
		})
	}
}

func TestTableMigrationLock_ReleasesAfterError(t *testing.T) {
	db := leaseDB(t)
	locker := NewMigrationLocker(db, lockEnabled, nil)

	wantErr := errors.New("migration failed")
	err := locker.WithLock(context.Background(), func() error {
		var count int64
		db.Model(&migrationLockRecord{}).Count(&count)
		if count != 1 {
			t.Errorf("lock row count while held = %d, want 1", count)
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}

	var count int64
	db.Model(&migrationLockRecord{}).Count(&count)
	if count != 0 {
		t.Errorf("expected lock table to be empty after error, got %d rows", count)
	}
}

func TestTableMigrationLock_Serialization(t *testing.T) {
	lockRetryInterval = 5 * time.Millisecond
	t.Cleanup(func() { lockRetryInterval = time.Second })

	locker := NewMigrationLocker(leaseDB(t), lockEnabled, nil)

	var concurrent, maxConcurrent atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), func() error {
				cur := concurrent.Add(1)
				for {
					prev := maxConcurrent.Load()
					if cur <= prev || maxConcurrent.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				concurrent.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("WithLock: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxConcurrent.Load() > 1 {
		t.Errorf("expected max concurrency of 1, got %d", maxConcurrent.Load())
	}
}

func TestTableMigrationLock_ContextCancellation(t *testing.T) {
	locker := NewMigrationLocker(leaseDB(t), lockEnabled, nil)

	err := locker.WithLock(context.Background(), func() error {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := locker.WithLock(ctx, func() error {
			t.Error("should not have acquired the lock")
			return nil
		}); err == nil {
			t.Error("expected context cancellation error")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer WithLock error: %v", err)
	}
}

func TestPgAdvisoryLock(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open gorm: %v", err)
	}

	locker := NewMigrationLocker(db, lockEnabled, nil)
	if _, ok := locker.(*pgAdvisoryLock); !ok {
		t.Fatalf("locker = %T, want *pgAdvisoryLock", locker)
	}

	id := advisoryLockID("esign-migration")
	mock.ExpectExec(`SELECT pg_advisory_lock`).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SELECT pg_advisory_unlock`).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 0))

	wantErr := errors.New("bad column")
	err = locker.WithLock(context.Background(), func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}

	mock.ExpectExec(`SELECT pg_advisory_lock`).WithArgs(id).WillReturnError(errors.New("connection reset"))
	err = locker.WithLock(context.Background(), func() error {
		t.Error("fn must not run without the lock")
		return nil
	})
	if err == nil {
		t.Fatal("expected acquire error")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
