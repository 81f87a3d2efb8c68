package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lumenhouse/esign/pkg/signerr"
)

// ListEntriesHandler handles GET .../documents/{documentId}/audit
// Query params: pageSize, pageToken
func ListEntriesHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		documentID := chi.URLParam(r, "documentId")
		if documentID == "" {
			writeError(w, signerr.Validation("missing document ID", "documentId"))
			return
		}

		pageSize := 50
		if ps := r.URL.Query().Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}
		pageToken := r.URL.Query().Get("pageToken")

		records, nextToken, total, err := store.List(r.Context(), documentID, pageSize, pageToken)
		if err != nil {
			writeError(w, err)
			return
		}

		entries := make([]entryResponse, len(records))
		for i, rec := range records {
			entries[i] = recordToResponse(rec)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"entries":       entries,
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

type entryResponse struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"documentId"`
	Seq        int64          `json:"seq"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"createdAt"`
}

func recordToResponse(rec EntryRecord) entryResponse {
	return entryResponse{
		ID:         rec.ID,
		DocumentID: rec.DocumentID,
		Seq:        rec.Seq,
		Action:     string(rec.Action),
		Actor:      rec.Actor,
		Metadata:   map[string]any(rec.Metadata),
		CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	status, body := signerr.Response(err)
	writeJSON(w, status, body)
}
