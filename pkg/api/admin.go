package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lumenhouse/esign/pkg/audit"
	"github.com/lumenhouse/esign/pkg/authz"
	"github.com/lumenhouse/esign/pkg/jobs"
	"github.com/lumenhouse/esign/pkg/signerr"
	"github.com/lumenhouse/esign/pkg/signing"
)

func (s *Server) mountAdmin(r chi.Router) {
	r.Post("/contracts", s.createContractHandler)
	r.Get("/contracts/{documentId}", s.getDocumentHandler(signing.KindContract))
	r.Patch("/contracts/{documentId}", s.updateDraftHandler(signing.KindContract))
	r.Delete("/contracts/{documentId}", s.deleteDocumentHandler(signing.KindContract))

	r.Post("/envelopes", s.createEnvelopeHandler)
	r.Get("/envelopes/{documentId}", s.getDocumentHandler(signing.KindEnvelope))
	r.Patch("/envelopes/{documentId}", s.updateDraftHandler(signing.KindEnvelope))
	r.Delete("/envelopes/{documentId}", s.deleteDocumentHandler(signing.KindEnvelope))
	r.Post("/envelopes/{documentId}/signers", s.addSignerHandler)
	r.Patch("/envelopes/{documentId}/signers/{signerId}", s.repositionSignerHandler)
	r.Delete("/envelopes/{documentId}/signers/{signerId}", s.removeSignerHandler)

	r.Get("/documents", s.listDocumentsHandler)
	r.Post("/documents/{documentId}/send", s.sendHandler)
	r.Post("/documents/{documentId}/resend", s.resendHandler)
	r.Post("/documents/{documentId}/void", s.voidHandler)
	r.Post("/documents/{documentId}/pdf", s.generatePDFHandler)
	r.Get("/documents/{documentId}/pdf", s.adminPDFHandler)
	r.Get("/documents/{documentId}/integrity", s.integrityHandler)
	r.Get("/documents/{documentId}/audit", audit.ListEntriesHandler(s.deps.Audit))

	if s.deps.Jobs != nil {
		r.Mount("/jobs", jobs.Router(s.deps.Jobs, func(r *http.Request) string {
			return authz.Actor(r.Context())
		}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.deps.Cache.TemplatesMiddleware())
		r.Get("/templates", s.listTemplatesHandler)
		r.Get("/templates/{templateId}", s.getTemplateHandler)
	})
}

// loadKind fetches a document and hides it when it is of the other kind, so
// /admin/contracts/{id} never serves an envelope.
func (s *Server) loadKind(r *http.Request, kind signing.Kind) (*signing.Document, error) {
	id := chi.URLParam(r, "documentId")
	doc, err := s.deps.Signing.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if doc.Kind != kind {
		return nil, signerr.NotFound(string(kind), id)
	}
	return doc, nil
}

// createContractHandler handles POST /admin/contracts
func (s *Server) createContractHandler(w http.ResponseWriter, r *http.Request) {
	var in signing.ContractInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.deps.Signing.CreateContract(r.Context(), in, authz.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// createEnvelopeHandler handles POST /admin/envelopes
func (s *Server) createEnvelopeHandler(w http.ResponseWriter, r *http.Request) {
	var in signing.EnvelopeInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.deps.Signing.CreateEnvelope(r.Context(), in, authz.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) getDocumentHandler(kind signing.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := s.loadKind(r, kind)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func (s *Server) updateDraftHandler(kind signing.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in signing.DraftUpdate
		if err := decodeJSON(w, r, &in); err != nil {
			writeError(w, err)
			return
		}
		if _, err := s.loadKind(r, kind); err != nil {
			writeError(w, err)
			return
		}
		doc, err := s.deps.Signing.UpdateDraft(r.Context(), chi.URLParam(r, "documentId"), in, authz.Actor(r.Context()))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func (s *Server) deleteDocumentHandler(kind signing.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.loadKind(r, kind); err != nil {
			writeError(w, err)
			return
		}
		if err := s.deps.Signing.Delete(r.Context(), chi.URLParam(r, "documentId"), authz.Actor(r.Context())); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// addSignerHandler handles POST /admin/envelopes/{documentId}/signers
func (s *Server) addSignerHandler(w http.ResponseWriter, r *http.Request) {
	var in signing.SignerInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	signer, err := s.deps.Signing.AddSigner(r.Context(), chi.URLParam(r, "documentId"), in, authz.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, signer)
}

type repositionBody struct {
	Position int `json:"position"`
}

// repositionSignerHandler handles PATCH /admin/envelopes/{documentId}/signers/{signerId}
func (s *Server) repositionSignerHandler(w http.ResponseWriter, r *http.Request) {
	var body repositionBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	signer, err := s.deps.Signing.UpdateSignerPosition(r.Context(),
		chi.URLParam(r, "documentId"), chi.URLParam(r, "signerId"), body.Position, authz.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signer)
}

// removeSignerHandler handles DELETE /admin/envelopes/{documentId}/signers/{signerId}
func (s *Server) removeSignerHandler(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Signing.RemoveSigner(r.Context(),
		chi.URLParam(r, "documentId"), chi.URLParam(r, "signerId"), authz.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listDocumentsHandler handles GET /admin/documents
// Query params: kind, status, createdBy, pageSize, pageToken
func (s *Server) listDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := signing.ListFilter{
		Kind:      signing.Kind(q.Get("kind")),
		Status:    signing.Status(q.Get("status")),
		CreatedBy: q.Get("createdBy"),
	}
	pageSize := 20
	if ps := q.Get("pageSize"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 {
			pageSize = v
		}
	}
	page, err := s.deps.Signing.List(r.Context(), filter, pageSize, q.Get("pageToken"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// sendHandler handles POST /admin/documents/{documentId}/send
func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Signing.Send(r.Context(), chi.URLParam(r, "documentId"), authz.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type resendBody struct {
	SignerID string `json:"signerId,omitempty"`
}

// resendHandler handles POST /admin/documents/{documentId}/resend
func (s *Server) resendHandler(w http.ResponseWriter, r *http.Request) {
	var body resendBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.deps.Signing.Resend(r.Context(), chi.URLParam(r, "documentId"), body.SignerID, authz.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type voidBody struct {
	Reason string `json:"reason,omitempty"`
}

// voidHandler handles POST /admin/documents/{documentId}/void
func (s *Server) voidHandler(w http.ResponseWriter, r *http.Request) {
	var body voidBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.deps.Signing.Void(r.Context(), chi.URLParam(r, "documentId"), body.Reason, authz.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// generatePDFHandler handles POST /admin/documents/{documentId}/pdf
func (s *Server) generatePDFHandler(w http.ResponseWriter, r *http.Request) {
	seal, err := s.deps.Signing.GeneratePDF(r.Context(), chi.URLParam(r, "documentId"), authz.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"path": seal.Path,
		"hash": seal.Hash,
	})
}

// adminPDFHandler handles GET /admin/documents/{documentId}/pdf. The
// artifact is served even when it fails verification so it can be
// inspected; X-Integrity reports the outcome.
func (s *Server) adminPDFHandler(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentId")
	res, err := s.deps.Verifier.Verify(r.Context(), documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Path == "" || res.RecomputedHash == "" {
		writeError(w, signerr.New(signerr.CodeNotFound, "document %s has no readable artifact", documentID))
		return
	}
	if res.Valid {
		w.Header().Set("X-Integrity", "valid")
	} else {
		w.Header().Set("X-Integrity", "mismatch")
	}
	s.streamArtifact(w, r, documentID, res.Path, res.SealedHash)
}

// integrityHandler handles GET /admin/documents/{documentId}/integrity
func (s *Server) integrityHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Verifier.Check(r.Context(), chi.URLParam(r, "documentId"), authz.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type templateSummary struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Required []string `json:"required,omitempty"`
}

// listTemplatesHandler handles GET /admin/templates
func (s *Server) listTemplatesHandler(w http.ResponseWriter, _ *http.Request) {
	ids := s.deps.Templates.IDs()
	out := make([]templateSummary, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.deps.Templates.Get(id); ok {
			out = append(out, templateSummary{ID: t.ID, Title: t.Title, Required: t.Required})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"templates": out,
		"size":      len(out),
	})
}

// getTemplateHandler handles GET /admin/templates/{templateId}
func (s *Server) getTemplateHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "templateId")
	t, ok := s.deps.Templates.Get(id)
	if !ok {
		writeError(w, signerr.NotFound("template", id))
		return
	}
	writeJSON(w, http.StatusOK, t)
}
