package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenhouse/esign/pkg/artifact"
	"github.com/lumenhouse/esign/pkg/audit"
	"github.com/lumenhouse/esign/pkg/authz"
	"github.com/lumenhouse/esign/pkg/config"
	"github.com/lumenhouse/esign/pkg/signing"
)

const signerEmail = "marta@example.test"

func TestSigningFlow(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	id := env.sentContract(t)
	link := env.linkFor(t, signerEmail)

	rec := env.do(t, http.MethodGet, "/sign/"+link, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	info := decode[signing.LinkInfo](t, rec)
	assert.Equal(t, id, info.DocumentID)
	assert.Equal(t, "request_otp", info.Next)
	assert.Equal(t, "m***@example.test", info.MaskedEmail)

	sessionID := env.session(t, signerEmail)

	// The token is spent; the session still reaches the document through it.
	rec = env.do(t, http.MethodGet, "/contract/sign/"+link, "", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "TOKEN_ALREADY_CONSUMED", decode[errorBody](t, rec).Error.Code)

	rec = env.do(t, http.MethodGet, "/sign/"+link+"?sessionId="+sessionID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/contract/view/"+id+"?sessionId="+sessionID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[signing.View](t, rec)
	assert.True(t, view.CanSign)
	assert.Equal(t, signing.StatusViewed, view.Status)
	assert.Contains(t, view.HTML, "Marta Reis")

	rec = env.do(t, http.MethodPost, "/contract/extend-session", "", map[string]string{
		"documentId": id, "sessionId": sessionID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/contract/sign/"+id, "", map[string]any{
		"sessionId":        sessionID,
		"signatureDataUrl": pngDataURL(t),
		"signerName":       "Marta Reis",
		"signerEmail":      signerEmail,
		"agreedToTerms":    true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[map[string]any](t, rec)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, true, out["completed"])
	assert.Equal(t, artifact.SignedPath(id), out["signedPdfPath"])
	assert.NotEmpty(t, out["signedAt"])

	// Client details come from the connection, not the request body.
	entry, err := env.audit.Latest(context.Background(), id, audit.ActionSigned)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "198.51.100.20", entry.Metadata["ipAddress"])
	assert.Equal(t, "api-test", entry.Metadata["userAgent"])

	// A second submission with the read-only session is refused.
	rec = env.do(t, http.MethodPost, "/contract/sign/"+id, "", map[string]any{
		"sessionId":        sessionID,
		"signatureDataUrl": pngDataURL(t),
		"signerName":       "Marta Reis",
		"signerEmail":      signerEmail,
		"agreedToTerms":    true,
	})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "ALREADY_SIGNED", decode[errorBody](t, rec).Error.Code)
}

func TestInvalidLinkResponses(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})

	rec := env.do(t, http.MethodGet, "/sign/not-a-real-token", "", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "INVALID_TOKEN", decode[errorBody](t, rec).Error.Code)

	rec = env.do(t, http.MethodGet, "/sign/not-a-real-token", "", nil, "Accept", "text/html,application/xhtml+xml")
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, rec.Body.String(), "no longer valid")
}

func TestOTPMismatchReportsRemainingAttempts(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	env.sentContract(t)
	link := env.linkFor(t, signerEmail)

	rec := env.do(t, http.MethodPost, "/contract/request-otp", "", map[string]string{"token": link, "email": "someone@example.test"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/contract/request-otp", "", map[string]string{"token": link, "email": signerEmail})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	wrong := "000000"
	if env.codeFor(t, signerEmail) == wrong {
		wrong = "111111"
	}
	rec = env.do(t, http.MethodPost, "/contract/verify-otp", "", map[string]string{"token": link, "otp": wrong})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "CHALLENGE_MISMATCH", body.Error.Code)
	require.NotNil(t, body.Error.AttemptsRemaining)
	assert.Equal(t, 4, *body.Error.AttemptsRemaining)
}

func TestSignatureValidationListsFields(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	id := env.sentContract(t)
	sessionID := env.session(t, signerEmail)

	rec := env.do(t, http.MethodPost, "/contract/sign/"+id, "", map[string]any{
		"sessionId":   sessionID,
		"signerEmail": signerEmail,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "VALIDATION_FAILURE", body.Error.Code)
	var fields []string
	for _, e := range body.Errors {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"agreedToTerms", "signerName", "signatureDataUrl"}, fields)
}

func TestDeclineCancelsContract(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	id := env.sentContract(t)
	sessionID := env.session(t, signerEmail)

	rec := env.do(t, http.MethodPost, "/contract/decline/"+id, "", map[string]string{
		"sessionId": sessionID, "reason": "wrong date",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(signing.StatusDeclined), decode[map[string]any](t, rec)["status"])

	rec = env.do(t, http.MethodGet, "/contract/view/"+id+"?sessionId="+sessionID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignerPDFRequiresIntegrity(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	id := env.sentContract(t)
	sessionID := env.session(t, signerEmail)

	rec := env.do(t, http.MethodGet, "/contract/pdf/"+id+"?sessionId="+sessionID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "%PDF"))
	assert.NotEmpty(t, rec.Header().Get("X-Content-SHA256"))

	require.NoError(t, env.artifacts.Write(context.Background(), artifact.UnsignedPath(id), []byte("%PDF-1.4 tampered")))

	rec = env.do(t, http.MethodGet, "/contract/pdf/"+id+"?sessionId="+sessionID, "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "INTEGRITY_MISMATCH", body.Error.Code)
	assert.NotEqual(t, body.Error.SealedHash, body.Error.RecomputedHash)

	rec = env.do(t, http.MethodGet, "/contract/pdf/"+id+"?sessionId=bogus", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignerDownloadsSealedPDFAfterSigning(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	id := env.sentContract(t)
	sessionID := env.session(t, signerEmail)

	rec := env.do(t, http.MethodPost, "/contract/sign/"+id, "", map[string]any{
		"sessionId":        sessionID,
		"signatureDataUrl": pngDataURL(t),
		"signerName":       "Marta Reis",
		"signerEmail":      signerEmail,
		"agreedToTerms":    true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode[map[string]any](t, rec)["completed"])

	sealed, err := env.artifacts.Read(context.Background(), artifact.SignedPath(id))
	require.NoError(t, err)

	rec = env.do(t, http.MethodGet, "/contract/pdf/"+id+"?sessionId="+sessionID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, sealed, rec.Body.Bytes())

	// The session only grants downloads now.
	rec = env.do(t, http.MethodGet, "/contract/view/"+id+"?sessionId="+sessionID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodPost, "/contract/extend-session", "", map[string]string{
		"documentId": id, "sessionId": sessionID,
	})
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestPublicRateLimit(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{PublicRateLimit: 2, PublicRateWindow: time.Minute})

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodGet, "/sign/nope", "", nil)
		assert.Equal(t, http.StatusGone, rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/sign/nope", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Admin and health routes are not throttled by the public limiter.
	rec = env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/admin/documents", env.bearer(t, "ops", authz.RoleViewer), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
