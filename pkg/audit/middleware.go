package audit

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lumenhouse/esign/pkg/authz"
	"github.com/lumenhouse/esign/pkg/logger"
)

// responseCapture wraps http.ResponseWriter to capture the status code.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// DeniedAccessMiddleware records an access_denied entry on the targeted
// document whenever an authenticated admin request is refused with 403. It
// runs after authentication and wraps the authorization middleware.
// Unauthenticated (401) requests are not recorded since anyone could send them.
func DeniedAccessMiddleware(store *Store, cfg Config, log *zap.Logger) func(http.Handler) http.Handler {
	log = logger.OrNop(log).Named("audit")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil || !cfg.LogDenied {
				next.ServeHTTP(w, r)
				return
			}
			documentID := extractDocumentID(r.URL.Path)
			if documentID == "" {
				next.ServeHTTP(w, r)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)
			if capture.statusCode != http.StatusForbidden {
				return
			}

			id, _ := authz.IdentityFromContext(r.Context())
			requestID := middleware.GetReqID(r.Context())
			meta := Metadata{
				"operation": extractOperation(r.Method, r.URL.Path),
				"roles":     id.Roles,
			}
			if requestID != "" {
				meta["requestId"] = requestID
			}

			// Best-effort write: the response has already been sent.
			ctx := context.WithoutCancel(r.Context())
			if _, err := store.Append(ctx, documentID, ActionAccessDenied, authz.Actor(r.Context()), meta); err != nil {
				log.Error("failed to record denied access", zap.String("documentId", documentID), zap.Error(err))
			}
		})
	}
}
