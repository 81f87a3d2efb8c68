package jobs

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lumenhouse/esign/pkg/signerr"
)

// Actor resolves who is making a request, for the job's audit fields.
type Actor func(r *http.Request) string

// GetJobHandler handles GET /admin/jobs/{jobId}
func GetJobHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		if jobID == "" {
			writeError(w, signerr.Validation("missing job ID", "jobId"))
			return
		}

		job, err := store.Get(r.Context(), jobID)
		if err != nil {
			writeError(w, err)
			return
		}
		if job == nil {
			writeError(w, signerr.NotFound("job", jobID))
			return
		}

		writeJSON(w, http.StatusOK, jobToResponse(job))
	}
}

// ListJobsHandler handles GET /admin/jobs
// Query params: kind, documentId, state, requestedBy, pageSize, pageToken
func ListJobsHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := JobListFilter{
			Kind:        q.Get("kind"),
			DocumentID:  q.Get("documentId"),
			State:       q.Get("state"),
			RequestedBy: q.Get("requestedBy"),
		}

		pageSize := 20
		if ps := q.Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}

		records, nextToken, total, err := store.List(r.Context(), filter, pageSize, q.Get("pageToken"))
		if err != nil {
			writeError(w, err)
			return
		}

		jobs := make([]jobResponse, len(records))
		for i := range records {
			jobs[i] = jobToResponse(&records[i])
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":          jobs,
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

// CancelJobHandler handles POST /admin/jobs/{jobId}:cancel
func CancelJobHandler(store *JobStore, actor Actor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		if jobID == "" {
			writeError(w, signerr.Validation("missing job ID", "jobId"))
			return
		}

		by := ""
		if actor != nil {
			by = actor(r)
		}
		if err := store.Cancel(r.Context(), jobID, by); err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"status": "canceled",
			"jobId":  jobID,
		})
	}
}

// jobResponse is the API response for a job.
type jobResponse struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	DocumentID   string `json:"documentId,omitempty"`
	SignerID     string `json:"signerId,omitempty"`
	RequestedBy  string `json:"requestedBy"`
	RequestedAt  string `json:"requestedAt"`
	State        string `json:"state"`
	Message      string `json:"message,omitempty"`
	StartedAt    string `json:"startedAt,omitempty"`
	FinishedAt   string `json:"finishedAt,omitempty"`
	AttemptCount int    `json:"attemptCount"`
	LastError    string `json:"lastError,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`
}

func jobToResponse(job *Job) jobResponse {
	resp := jobResponse{
		ID:           job.ID,
		Kind:         string(job.Kind),
		DocumentID:   job.DocumentID,
		SignerID:     job.SignerID,
		RequestedBy:  job.RequestedBy,
		RequestedAt:  job.RequestedAt.UTC().Format(time.RFC3339),
		State:        string(job.State),
		Message:      job.Message,
		AttemptCount: job.AttemptCount,
		LastError:    job.LastError,
		DurationMs:   job.DurationMs,
	}
	if job.StartedAt != nil {
		resp.StartedAt = job.StartedAt.UTC().Format(time.RFC3339)
	}
	if job.FinishedAt != nil {
		resp.FinishedAt = job.FinishedAt.UTC().Format(time.RFC3339)
	}
	return resp
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
