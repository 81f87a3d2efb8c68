package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenhouse/esign/pkg/authz"
)

func statusHandler(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	})
}

func TestDeniedAccessMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		path      string
		status    int
		wantEntry bool
	}{
		{"forbidden void is recorded", Config{LogDenied: true}, "/admin/documents/d-1/void", http.StatusForbidden, true},
		{"success is not recorded", Config{LogDenied: true}, "/admin/documents/d-1/void", http.StatusOK, false},
		{"unauthenticated is not recorded", Config{LogDenied: true}, "/admin/documents/d-1/void", http.StatusUnauthorized, false},
		{"no document in path", Config{LogDenied: true}, "/admin/jobs/j-1:cancel", http.StatusForbidden, false},
		{"disabled", Config{LogDenied: false}, "/admin/documents/d-1/void", http.StatusForbidden, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			h := DeniedAccessMiddleware(store, tt.cfg, nil)(statusHandler(tt.status))

			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			req = req.WithContext(authz.WithIdentity(req.Context(), authz.Identity{User: "rui", Roles: []string{authz.RoleViewer}}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code, "response passes through")

			entry, err := store.Latest(context.Background(), "d-1", ActionAccessDenied)
			require.NoError(t, err)
			if !tt.wantEntry {
				assert.Nil(t, entry)
				return
			}
			require.NotNil(t, entry)
			assert.Equal(t, "rui", entry.Actor)
			assert.Equal(t, "post void", entry.Metadata["operation"])
		})
	}
}

func TestDeniedAccessMiddleware_NilStore(t *testing.T) {
	h := DeniedAccessMiddleware(nil, DefaultConfig(), nil)(statusHandler(http.StatusForbidden))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/documents/d-1/void", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
