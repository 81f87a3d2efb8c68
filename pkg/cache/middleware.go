package cache

import (
	"bytes"
	"net/http"
)

// captureWriter records the status and body of a response while passing it
// through.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *captureWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// encode prefixes body with its content type so both survive in one entry.
func encode(contentType string, body []byte) []byte {
	out := make([]byte, 0, len(contentType)+1+len(body))
	out = append(out, contentType...)
	out = append(out, '\n')
	return append(out, body...)
}

func decode(b []byte) (string, []byte) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return "application/json", b
	}
	return string(b[:i]), b[i+1:]
}

// CacheMiddleware caches successful GET responses in c, keyed by request
// URI. Hits are answered with X-Cache: HIT; everything else is served by
// next with X-Cache: MISS. Only 200 responses are stored.
func CacheMiddleware(c *LRUCache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			key := r.URL.RequestURI()
			if cached, ok := c.Get(key); ok {
				contentType, body := decode(cached)
				w.Header().Set("Content-Type", contentType)
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(body)
				return
			}

			cw := &captureWriter{ResponseWriter: w}
			cw.Header().Set("X-Cache", "MISS")
			next.ServeHTTP(cw, r)

			if cw.status == http.StatusOK {
				contentType := cw.Header().Get("Content-Type")
				if contentType == "" {
					contentType = "application/json"
				}
				c.Set(key, encode(contentType, cw.body.Bytes()))
			}
		})
	}
}
