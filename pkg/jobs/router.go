package jobs

import (
	"github.com/go-chi/chi/v5"
)

// Router creates a chi.Router for the job status API. Callers mount it
// behind their own authentication.
func Router(store *JobStore, actor Actor) chi.Router {
	r := chi.NewRouter()
	r.Get("/", ListJobsHandler(store))
	r.Get("/{jobId}", GetJobHandler(store))
	r.Post("/{jobId}:cancel", CancelJobHandler(store, actor))
	return r
}
