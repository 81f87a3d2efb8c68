package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lumenhouse/esign/pkg/signerr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T) (*Service, *fakeClock) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	svc := NewService(db, Config{TTL: 72 * time.Hour}, nil).WithClock(clock.Now)
	require.NoError(t, svc.AutoMigrate())
	return svc, clock
}

func TestIssueAndValidate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "doc-1", "signer-1")
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Value)
	assert.NotEqual(t, issued.Value, issued.Record.ValueHash)

	binding, err := svc.Validate(ctx, issued.Value)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", binding.DocumentID)
	assert.Equal(t, "signer-1", binding.SignerID)

	// Validation alone does not consume.
	_, err = svc.Validate(ctx, issued.Value)
	assert.NoError(t, err)
}

func TestValidateUnknown(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Validate(context.Background(), "nope")
	assert.True(t, errors.Is(err, signerr.ErrInvalidToken))
}

func TestReissueInvalidatesPrevious(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Issue(ctx, "doc-1", "signer-1")
	require.NoError(t, err)
	other, err := svc.Issue(ctx, "doc-1", "signer-2")
	require.NoError(t, err)
	second, err := svc.Issue(ctx, "doc-1", "signer-1")
	require.NoError(t, err)

	_, err = svc.Validate(ctx, first.Value)
	assert.True(t, errors.Is(err, signerr.ErrInvalidToken))

	_, err = svc.Validate(ctx, second.Value)
	assert.NoError(t, err)
	_, err = svc.Validate(ctx, other.Value)
	assert.NoError(t, err, "tokens of other signers are untouched")
}

func TestExpiry(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "doc-1", "")
	require.NoError(t, err)

	clock.Advance(72 * time.Hour)
	_, err = svc.Validate(ctx, issued.Value)
	assert.True(t, errors.Is(err, signerr.ErrExpiredToken))

	err = svc.Consume(ctx, issued.Record.ID)
	assert.True(t, errors.Is(err, signerr.ErrExpiredToken))

	live, err := svc.HasLive(ctx, "doc-1")
	require.NoError(t, err)
	assert.False(t, live)
}

func TestConsumePreventsReplay(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "doc-1", "signer-1")
	require.NoError(t, err)
	require.NoError(t, svc.Consume(ctx, issued.Record.ID))

	_, err = svc.Validate(ctx, issued.Value)
	assert.True(t, errors.Is(err, signerr.ErrTokenAlreadyConsumed))

	err = svc.Consume(ctx, issued.Record.ID)
	assert.True(t, errors.Is(err, signerr.ErrTokenAlreadyConsumed))
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "doc-1", "signer-1")
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- svc.Consume(ctx, issued.Record.ID)
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, signerr.ErrTokenAlreadyConsumed))
	}
	assert.Equal(t, 1, wins)
}

func TestRevoke(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Issue(ctx, "doc-1", "s1")
	require.NoError(t, err)
	b, err := svc.Issue(ctx, "doc-1", "s2")
	require.NoError(t, err)
	c, err := svc.Issue(ctx, "doc-2", "s1")
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, a.Value, ""))
	_, err = svc.Validate(ctx, a.Value)
	assert.True(t, errors.Is(err, signerr.ErrInvalidToken))

	err = svc.Revoke(ctx, "unknown", "")
	assert.True(t, errors.Is(err, signerr.ErrInvalidToken))

	n, err := svc.RevokeDocument(ctx, "doc-1", ReasonTerminal)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = svc.Validate(ctx, b.Value)
	assert.Error(t, err)

	_, err = svc.Validate(ctx, c.Value)
	assert.NoError(t, err)

	issued, err := svc.HasIssued(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, issued)
}

func TestLapsed(t *testing.T) {
	ctx := context.Background()

	t.Run("never issued", func(t *testing.T) {
		svc, _ := newTestService(t)
		lapsed, err := svc.Lapsed(ctx, "doc-1")
		require.NoError(t, err)
		assert.False(t, lapsed)
	})

	t.Run("expired unused", func(t *testing.T) {
		svc, clock := newTestService(t)
		_, err := svc.Issue(ctx, "doc-1", "signer-1")
		require.NoError(t, err)

		lapsed, err := svc.Lapsed(ctx, "doc-1")
		require.NoError(t, err)
		assert.False(t, lapsed, "a live token has not lapsed")

		clock.Advance(73 * time.Hour)
		lapsed, err = svc.Lapsed(ctx, "doc-1")
		require.NoError(t, err)
		assert.True(t, lapsed)
	})

	t.Run("consumed token keeps the document open", func(t *testing.T) {
		svc, clock := newTestService(t)
		issued, err := svc.Issue(ctx, "doc-1", "signer-1")
		require.NoError(t, err)
		require.NoError(t, svc.Consume(ctx, issued.Record.ID))

		clock.Advance(73 * time.Hour)
		lapsed, err := svc.Lapsed(ctx, "doc-1")
		require.NoError(t, err)
		assert.False(t, lapsed)
	})
}
