package signing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenhouse/esign/pkg/audit"
	"github.com/lumenhouse/esign/pkg/notify"
	"github.com/lumenhouse/esign/pkg/signerr"
)

func TestLazyExpiryOnDeadline(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	deadline := f.clock.Now().Add(24 * time.Hour)
	doc := f.sentContract(t, &deadline)
	link := f.link(t, "ana@example.com", notify.KindMagicLink)

	f.clock.Advance(25 * time.Hour)

	// Opening the link is what notices the deadline.
	_, err := f.svc.OpenLink(ctx, link)
	assert.True(t, errors.Is(err, signerr.ErrExpiredToken), "got %v", err)

	current, err := f.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, current.Status)
	assert.Equal(t, "deadline passed", current.StatusReason)

	// The link was revoked on expiry and still reports the expiry.
	_, err = f.svc.OpenLink(ctx, link)
	assert.True(t, errors.Is(err, signerr.ErrExpiredToken), "got %v", err)

	entry, err := f.audit.Latest(ctx, doc.ID, audit.ActionExpired)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "system", entry.Actor)

	n, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "already expired")
}

func TestViewedContractExpiresOnDeadline(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	deadline := f.clock.Now().Add(40 * time.Minute)
	doc := f.sentContract(t, &deadline)
	sess := f.verify(t, f.link(t, "ana@example.com", notify.KindMagicLink), "ana@example.com")

	f.clock.Advance(20 * time.Minute)
	sess, err := f.svc.ExtendSession(ctx, doc.ID, sess.ID)
	require.NoError(t, err)
	// The session is still live; the document is not.
	f.clock.Advance(25 * time.Minute)

	_, err = f.svc.SubmitSignature(ctx, doc.ID, f.signature(t, sess, "Ana Lúcia"))
	e, ok := signerr.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, signerr.CodeIllegalStateTransition, e.Code)
	assert.Equal(t, string(StatusExpired), e.Current)
}

func TestLapsedLinksExpireUnopenedDocuments(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	unopened := f.sentContract(t, nil)
	opened := f.sentContract(t, nil)
	f.verify(t, f.link(t, "ana@example.com", notify.KindMagicLink), "ana@example.com")

	f.clock.Advance(3 * 24 * time.Hour)
	n, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "links are still live")

	f.clock.Advance(5 * 24 * time.Hour)
	n, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.Get(ctx, unopened.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Equal(t, "signing links expired unused", got.StatusReason)

	got, err = f.svc.Get(ctx, opened.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusViewed, got.Status, "a viewed contract only expires on its deadline")
}

func TestSweepExpiresEnvelopesInProgress(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	deadline := f.clock.Now().Add(48 * time.Hour)
	doc, err := f.svc.CreateEnvelope(ctx, EnvelopeInput{
		Title:     "Venue Access Agreement",
		Body:      "<p>Access for {{venue}}</p>",
		Variables: map[string]string{"venue": "Quinta do Lago"},
		Workflow:  WorkflowParallel,
		Signers: []SignerInput{
			{Name: "Alice", Email: "alice@example.com"},
			{Name: "Bob", Email: "bob@example.com"},
		},
		ExpiresAt: &deadline,
	}, "studio")
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, doc.ID, "studio")
	require.NoError(t, err)

	sess := f.verify(t, f.link(t, "alice@example.com", notify.KindMagicLink), "alice@example.com")
	res, err := f.svc.SubmitSignature(ctx, doc.ID, f.signature(t, sess, "Alice"))
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, res.Status)

	f.clock.Advance(49 * time.Hour)
	n, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	_, err = f.svc.Resend(ctx, doc.ID, "", "studio")
	assert.True(t, errors.Is(err, signerr.ErrIllegalStateTransition))
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	f := newFixture(t, false)
	f.svc.cfg.SweepInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.RunSweeper(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
