package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/lumenhouse/esign/pkg/clientinfo"
	"github.com/lumenhouse/esign/pkg/signerr"
)

// KeyFunc derives the limiter key for a request.
type KeyFunc func(r *http.Request) string

// ClientIP keys requests by the client resolved by clientinfo.Middleware,
// falling back to the socket address.
func ClientIP(r *http.Request) string {
	if ip := clientinfo.IPFromContext(r.Context()); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429 and a Retry-After header.
func Middleware(l *Limiter, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := l.Allow(key(r))
			if !ok {
				err := signerr.RateLimited(wait)
				status, body := signerr.Response(err)
				signerr.SetRetryAfter(w.Header(), err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_ = json.NewEncoder(w).Encode(body)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
