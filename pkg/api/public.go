package api

import (
	"html/template"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lumenhouse/esign/pkg/clientinfo"
	"github.com/lumenhouse/esign/pkg/signerr"
	"github.com/lumenhouse/esign/pkg/signing"
)

func (s *Server) mountPublic(r chi.Router) {
	// The link and the signature submission share a path shape, so both
	// routes use the same parameter name.
	r.Get("/sign/{ref}", s.openLinkHandler)
	r.Get("/contract/sign/{ref}", s.openLinkHandler)
	r.Post("/contract/sign/{ref}", s.signHandler)

	r.Post("/contract/request-otp", s.requestOTPHandler)
	r.Post("/contract/verify-otp", s.verifyOTPHandler)
	r.Post("/contract/extend-session", s.extendSessionHandler)
	r.Get("/contract/view/{documentId}", s.viewHandler)
	r.Post("/contract/decline/{documentId}", s.declineHandler)
	r.Get("/contract/pdf/{documentId}", s.signerPDFHandler)
}

var linkInvalidPage = template.Must(template.New("link").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<main>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
<p>Please contact the studio to receive a new signing link.</p>
</main>
</body>
</html>
`))

// linkDead reports whether err means the magic link can no longer be used.
func linkDead(err error) bool {
	switch signerr.CodeOf(err) {
	case signerr.CodeInvalidToken, signerr.CodeExpiredToken, signerr.CodeTokenAlreadyConsumed:
		return true
	}
	return false
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// writeLinkError answers a dead link with 410, as a page for browsers.
func writeLinkError(w http.ResponseWriter, r *http.Request, err error) {
	if !linkDead(err) {
		writeError(w, err)
		return
	}
	if wantsHTML(r) {
		title, msg := "This link is no longer valid", "The signing link you followed is invalid or has already been used."
		if signerr.CodeOf(err) == signerr.CodeExpiredToken {
			title, msg = "This link has expired", "The signing link you followed has expired."
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusGone)
		_ = linkInvalidPage.Execute(w, map[string]string{"Title": title, "Message": msg})
		return
	}
	_, body := signerr.Response(err)
	writeJSON(w, http.StatusGone, body)
}

// openLinkHandler handles GET /sign/{token}. With a sessionId it returns the
// document view instead of the link summary, so a verified signer can reload
// the page after the token was consumed.
func (s *Server) openLinkHandler(w http.ResponseWriter, r *http.Request) {
	tokenValue := chi.URLParam(r, "ref")
	if sessionID := r.URL.Query().Get("sessionId"); sessionID != "" {
		rec, err := s.deps.Tokens.Lookup(r.Context(), tokenValue)
		if err != nil {
			writeError(w, err)
			return
		}
		if rec == nil {
			writeLinkError(w, r, signerr.New(signerr.CodeInvalidToken, "link is not valid"))
			return
		}
		view, err := s.deps.Signing.View(r.Context(), rec.DocumentID, sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	info, err := s.deps.Signing.OpenLink(r.Context(), tokenValue)
	if err != nil {
		writeLinkError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type requestOTPBody struct {
	Token string `json:"token"`
	Email string `json:"email"`
}

// requestOTPHandler handles POST /contract/request-otp
func (s *Server) requestOTPHandler(w http.ResponseWriter, r *http.Request) {
	var body requestOTPBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	var missing []string
	if body.Token == "" {
		missing = append(missing, "token")
	}
	if body.Email == "" {
		missing = append(missing, "email")
	}
	if len(missing) > 0 {
		writeError(w, signerr.Validation("token and email are required", missing...))
		return
	}

	issued, err := s.deps.OTP.RequestChallenge(r.Context(), body.Token, body.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"expiresAt": issued.ExpiresAt,
	})
}

type verifyOTPBody struct {
	Token string `json:"token"`
	OTP   string `json:"otp"`
}

// verifyOTPHandler handles POST /contract/verify-otp
func (s *Server) verifyOTPHandler(w http.ResponseWriter, r *http.Request) {
	var body verifyOTPBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Token == "" || body.OTP == "" {
		writeError(w, signerr.Validation("token and otp are required", "token", "otp"))
		return
	}

	sess, err := s.deps.OTP.Verify(r.Context(), body.Token, body.OTP)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"sessionId":  sess.ID,
		"documentId": sess.DocumentID,
		"expiresAt":  sess.ExpiresAt,
	})
}

// viewHandler handles GET /contract/view/{documentId}?sessionId=
func (s *Server) viewHandler(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Signing.View(r.Context(), chi.URLParam(r, "documentId"), r.URL.Query().Get("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// signHandler handles POST /contract/sign/{documentId}
func (s *Server) signHandler(w http.ResponseWriter, r *http.Request) {
	var in signing.SignatureInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	if c, ok := clientinfo.FromContext(r.Context()); ok {
		in.IPAddress, in.UserAgent = c.IP, c.UserAgent
	}

	res, err := s.deps.Signing.SubmitSignature(r.Context(), chi.URLParam(r, "ref"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"documentId":    res.DocumentID,
		"status":        res.Status,
		"signedAt":      res.SignedAt,
		"completed":     res.Completed,
		"signedPdfPath": res.SignedPDFPath,
	})
}

type declineBody struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// declineHandler handles POST /contract/decline/{documentId}
func (s *Server) declineHandler(w http.ResponseWriter, r *http.Request) {
	var body declineBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.deps.Signing.Decline(r.Context(), chi.URLParam(r, "documentId"), body.SessionID, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"documentId": doc.ID,
		"status":     doc.Status,
	})
}

type extendSessionBody struct {
	DocumentID string `json:"documentId"`
	SessionID  string `json:"sessionId"`
}

// extendSessionHandler handles POST /contract/extend-session
func (s *Server) extendSessionHandler(w http.ResponseWriter, r *http.Request) {
	var body extendSessionBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.DocumentID == "" || body.SessionID == "" {
		writeError(w, signerr.Validation("documentId and sessionId are required", "documentId", "sessionId"))
		return
	}
	sess, err := s.deps.Signing.ExtendSession(r.Context(), body.DocumentID, body.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"expiresAt": sess.ExpiresAt,
	})
}

// signerPDFHandler handles GET /contract/pdf/{documentId}?sessionId= and
// streams the current artifact once its integrity holds. Signers who already
// signed keep access until their session expires.
func (s *Server) signerPDFHandler(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentId")
	if _, err := s.deps.Signing.AuthorizeRead(r.Context(), documentID, r.URL.Query().Get("sessionId")); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Verifier.Require(r.Context(), documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.streamArtifact(w, r, documentID, res.Path, res.SealedHash)
}

func (s *Server) streamArtifact(w http.ResponseWriter, r *http.Request, documentID, path, hash string) {
	f, err := s.deps.Artifacts.Open(r.Context(), path)
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="`+documentID+`.pdf"`)
	if hash != "" {
		w.Header().Set("X-Content-SHA256", hash)
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Warn("artifact stream interrupted", zap.String("documentId", documentID), zap.Error(err))
	}
}

