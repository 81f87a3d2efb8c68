package signing

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenhouse/esign/pkg/artifact"
	"github.com/lumenhouse/esign/pkg/audit"
	"github.com/lumenhouse/esign/pkg/notify"
	"github.com/lumenhouse/esign/pkg/signerr"
	"github.com/lumenhouse/esign/pkg/token"
)

func TestContractLifecycle(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	doc := f.contract(t, nil)
	assert.Equal(t, StatusDraft, doc.Status)
	assert.True(t, strings.HasPrefix(doc.Number, "CTR-20260502-"), doc.Number)
	require.Len(t, doc.Signers, 1)
	assert.Equal(t, "ana@example.com", doc.Signers[0].Email)

	sent, err := f.svc.Send(ctx, doc.ID, "studio@lumenhouse.test")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, sent.Status)
	assert.NotNil(t, sent.SentAt)
	assert.NotEmpty(t, sent.ArtifactHash)

	link := f.link(t, "ana@example.com", notify.KindMagicLink)
	info, err := f.svc.OpenLink(ctx, link)
	require.NoError(t, err)
	assert.Equal(t, "a***@example.com", info.MaskedEmail)
	assert.Equal(t, "request_otp", info.Next)

	sess := f.verify(t, link, "ana@example.com")
	viewed, err := f.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusViewed, viewed.Status)
	assert.NotNil(t, viewed.ViewedAt)
	assert.Equal(t, SignerViewed, viewed.Signers[0].Status)

	// The link was spent by the verification.
	_, err = f.auth.RequestChallenge(ctx, link, "ana@example.com")
	assert.True(t, errors.Is(err, signerr.ErrTokenAlreadyConsumed), "got %v", err)

	view, err := f.svc.View(ctx, doc.ID, sess.ID)
	require.NoError(t, err)
	assert.True(t, view.CanSign)
	assert.Contains(t, view.HTML, "Client: Ana Lúcia")
	assert.Equal(t, sess.ExpiresAt, view.SessionExpiresAt)

	res, err := f.svc.SubmitSignature(ctx, doc.ID, f.signature(t, sess, "Ana Lúcia"))
	require.NoError(t, err)
	assert.Equal(t, StatusSigned, res.Status)
	assert.True(t, res.Completed)
	assert.Equal(t, artifact.SignedPath(doc.ID), res.SignedPDFPath)

	final, err := f.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSigned, final.Status)
	assert.NotNil(t, final.SealedAt)
	assert.NotEqual(t, sent.ArtifactHash, final.ArtifactHash)

	integrity, err := f.verifier.Verify(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, integrity.Valid)

	_, err = f.svc.SubmitSignature(ctx, doc.ID, f.signature(t, sess, "Ana Lúcia"))
	assert.True(t, errors.Is(err, signerr.ErrAlreadySigned), "got %v", err)

	_, err = f.svc.Authorize(ctx, doc.ID, sess.ID)
	assert.True(t, errors.Is(err, signerr.ErrSessionExpired), "got %v", err)
	readable, err := f.svc.AuthorizeRead(ctx, doc.ID, sess.ID)
	require.NoError(t, err)
	assert.True(t, readable.ReadOnly)

	_, err = f.svc.Void(ctx, doc.ID, "too late", "studio")
	e, ok := signerr.As(err)
	require.True(t, ok)
	assert.Equal(t, string(StatusSigned), e.Current)
}

func TestSubmitSignatureOnDraft(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	doc := f.contract(t, nil)

	_, err := f.svc.SubmitSignature(ctx, doc.ID, SignatureInput{
		SessionID:        "not-a-session",
		SignatureDataURL: pngDataURL(t),
		SignerName:       "Ana Lúcia",
		SignerEmail:      "ana@example.com",
		AgreedToTerms:    true,
	})
	e, ok := signerr.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, signerr.CodeIllegalStateTransition, e.Code)
	assert.Equal(t, string(StatusDraft), e.Current)

	current, err := f.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, current.Status)
	assert.NotContains(t, f.actions(t, doc.ID), audit.ActionSigned)
}

func TestSubmitSignatureValidation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	doc := f.sentContract(t, nil)
	sess := f.verify(t, f.link(t, "ana@example.com", notify.KindMagicLink), "ana@example.com")

	_, err := f.svc.SubmitSignature(ctx, doc.ID, SignatureInput{
		SessionID:        sess.ID,
		SignatureDataURL: "data:image/gif;base64,R0lGOD",
		SignerName:       "  ",
		SignerEmail:      "someone@else.com",
	})
	e, ok := signerr.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, signerr.CodeValidationFailure, e.Code)
	assert.ElementsMatch(t, []string{"agreedToTerms", "signerName", "signerEmail", "signatureDataUrl"}, e.Fields)

	_, err = f.svc.SubmitSignature(ctx, doc.ID, SignatureInput{SessionID: "bogus"})
	assert.True(t, errors.Is(err, signerr.ErrSessionInvalid), "got %v", err)

	current, err := f.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusViewed, current.Status)
}

func TestConcurrentSubmitSingleWinner(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	doc := f.sentContract(t, nil)
	sess := f.verify(t, f.link(t, "ana@example.com", notify.KindMagicLink), "ana@example.com")
	in := f.signature(t, sess, "Ana Lúcia")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.SubmitSignature(ctx, doc.ID, in)
		}()
	}
	wg.Wait()

	var wins, already int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, signerr.ErrAlreadySigned):
			already++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, already)

	sigs, err := f.svc.Store().Signatures(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, sigs, 1)
}

func TestDeclineContract(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	doc := f.sentContract(t, nil)
	sess := f.verify(t, f.link(t, "ana@example.com", notify.KindMagicLink), "ana@example.com")

	_, err := f.svc.Decline(ctx, doc.ID, sess.ID, strings.Repeat("x", MaxDeclineReason+1))
	assert.True(t, errors.Is(err, signerr.ErrValidationFailure))

	out, err := f.svc.Decline(ctx, doc.ID, sess.ID, "We found another photographer")
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, out.Status)
	assert.Equal(t, "We found another photographer", out.StatusReason)
	assert.Equal(t, SignerDeclined, out.Signers[0].Status)
	assert.NotNil(t, out.Signers[0].DeclinedAt)

	_, err = f.svc.View(ctx, doc.ID, sess.ID)
	assert.True(t, errors.Is(err, signerr.ErrSessionExpired), "got %v", err)

	_, err = f.svc.Decline(ctx, doc.ID, sess.ID, "")
	assert.True(t, errors.Is(err, signerr.ErrIllegalStateTransition))

	latest, err := f.audit.Latest(ctx, doc.ID, audit.ActionDeclined)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "ana@example.com", latest.Actor)
}

func TestVoidRevokesLinks(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	doc := f.sentContract(t, nil)
	link := f.link(t, "ana@example.com", notify.KindMagicLink)

	out, err := f.svc.Void(ctx, doc.ID, "client cancelled the booking", "studio")
	require.NoError(t, err)
	assert.Equal(t, StatusVoided, out.Status)

	_, err = f.svc.OpenLink(ctx, link)
	assert.True(t, errors.Is(err, signerr.ErrInvalidToken), "got %v", err)

	_, err = f.svc.Void(ctx, doc.ID, "again", "studio")
	e, ok := signerr.As(err)
	require.True(t, ok)
	assert.Equal(t, signerr.CodeIllegalStateTransition, e.Code)
	assert.Equal(t, string(StatusVoided), e.Current)
}

func TestResendRevokesPreviousLink(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	doc := f.sentContract(t, nil)
	first := f.link(t, "ana@example.com", notify.KindMagicLink)

	out, err := f.svc.Resend(ctx, doc.ID, "", "studio")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, out.Status)
	second := f.link(t, "ana@example.com", notify.KindMagicLink)
	assert.NotEqual(t, first, second)

	_, err = f.svc.OpenLink(ctx, first)
	assert.True(t, errors.Is(err, signerr.ErrInvalidToken), "got %v", err)
	rec, err := f.tokens.Lookup(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, token.ReasonResent, rec.RevokeReason)

	_, err = f.svc.OpenLink(ctx, second)
	require.NoError(t, err)
	assert.Contains(t, f.actions(t, doc.ID), audit.ActionResent)

	_, err = f.svc.Resend(ctx, doc.ID, "no-such-signer", "studio")
	assert.True(t, errors.Is(err, signerr.ErrNotFound))
}

func TestSendDeliveryFailureKeepsDocumentSent(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	doc := f.contract(t, nil)

	f.outbox.FailNext = 2
	out, err := f.svc.Send(ctx, doc.ID, "studio")
	require.Error(t, err)
	require.NotNil(t, out)
	assert.Equal(t, StatusSent, out.Status)
	assert.Contains(t, f.actions(t, doc.ID), audit.ActionDeliveryFailed)

	_, err = f.svc.Resend(ctx, doc.ID, "", "studio")
	require.NoError(t, err)
	f.link(t, "ana@example.com", notify.KindMagicLink)
}

func TestSendRendersStrictly(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	doc, err := f.svc.CreateContract(ctx, ContractInput{
		Title:      "Engagement Shoot",
		TemplateID: "wedding",
		Variables:  map[string]string{"client_name": "Rui"},
		Recipient:  SignerInput{Name: "Rui", Email: "rui@example.com"},
	}, "studio")
	require.NoError(t, err)

	_, err = f.svc.Send(ctx, doc.ID, "studio")
	e, ok := signerr.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, signerr.CodeRenderFailure, e.Code)
	assert.Equal(t, []string{"event_date"}, e.Fields)
	assert.Empty(t, f.outbox.Messages())

	// A draft preview still renders, with a visible marker.
	seal, err := f.svc.GeneratePDF(ctx, doc.ID, "studio")
	require.NoError(t, err)
	assert.Equal(t, artifact.UnsignedPath(doc.ID), seal.Path)

	updated, err := f.svc.UpdateDraft(ctx, doc.ID, DraftUpdate{Variables: map[string]string{"client_name": "Rui", "event_date": "2026-10-03"}}, "studio")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-03", updated.Variables["event_date"])

	sent, err := f.svc.Send(ctx, doc.ID, "studio")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, sent.Status)

	_, err = f.svc.UpdateDraft(ctx, doc.ID, DraftUpdate{Variables: map[string]string{"client_name": "X"}}, "studio")
	assert.True(t, errors.Is(err, signerr.ErrIllegalStateTransition))
	assert.True(t, errors.Is(f.svc.Delete(ctx, doc.ID, "studio"), signerr.ErrIllegalStateTransition))
}

func TestCreateContractValidation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.svc.CreateContract(ctx, ContractInput{
		Title:     "Portrait",
		Body:      "<p>x</p>",
		Recipient: SignerInput{Name: "", Email: "Ana <ana@example.com>"},
	}, "studio")
	e, ok := signerr.As(err)
	require.True(t, ok, "got %v", err)
	assert.ElementsMatch(t, []string{"recipient.name", "recipient.email"}, e.Fields)

	_, err = f.svc.CreateContract(ctx, ContractInput{
		Title:     "Portrait",
		Body:      "<p>x</p>",
		Recipient: SignerInput{Name: "Ana", Email: "ana@example.com"},
		ExpiresAt: ptr(f.clock.Now().Add(-time.Hour)),
	}, "studio")
	assert.True(t, errors.Is(err, signerr.ErrValidationFailure))

	_, err = f.svc.CreateContract(ctx, ContractInput{
		Title:      "Portrait",
		TemplateID: "missing",
		Recipient:  SignerInput{Name: "Ana", Email: "ana@example.com"},
	}, "studio")
	assert.True(t, errors.Is(err, signerr.ErrNotFound))
}

func TestDeleteDraft(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	doc := f.contract(t, nil)

	require.NoError(t, f.svc.Delete(ctx, doc.ID, "studio"))
	_, err := f.svc.Get(ctx, doc.ID)
	assert.True(t, errors.Is(err, signerr.ErrNotFound))
	assert.Contains(t, f.actions(t, doc.ID), audit.ActionDeleted, "audit trail outlives the document")
}

func TestExtendSession(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	doc := f.sentContract(t, nil)
	sess := f.verify(t, f.link(t, "ana@example.com", notify.KindMagicLink), "ana@example.com")

	f.clock.Advance(20 * time.Minute)
	extended, err := f.svc.ExtendSession(ctx, doc.ID, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), extended.ExpiresAt)
	assert.Contains(t, f.actions(t, doc.ID), audit.ActionSessionExtended)

	_, err = f.svc.Void(ctx, doc.ID, "", "studio")
	require.NoError(t, err)
	_, err = f.svc.ExtendSession(ctx, doc.ID, sess.ID)
	assert.True(t, errors.Is(err, signerr.ErrSessionExpired))
}

func TestViewIsCachedPerVersion(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	doc := f.sentContract(t, nil)
	sess := f.verify(t, f.link(t, "ana@example.com", notify.KindMagicLink), "ana@example.com")

	first, err := f.svc.View(ctx, doc.ID, sess.ID)
	require.NoError(t, err)
	second, err := f.svc.View(ctx, doc.ID, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, first.DocumentView, second.DocumentView)
	assert.Equal(t, 1, f.views.hits)

	_, ok := f.views.Get("view:" + doc.ID + ":" + strconv.Itoa(first.Version))
	assert.True(t, ok)
}

func ptr[T any](v T) *T { return &v }
