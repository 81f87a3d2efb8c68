package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/lumenhouse/esign/pkg/signerr"
)

// maxBodyBytes bounds request bodies. A signature image may be up to 512 KiB
// before base64 encoding.
const maxBodyBytes = 2 << 20

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	status, body := signerr.Response(err)
	signerr.SetRetryAfter(w.Header(), err)
	writeJSON(w, status, body)
}

// decodeJSON reads the request body into v. An empty body leaves v
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return signerr.Validation("request body too large")
		}
		return signerr.Validation("malformed JSON body: " + err.Error())
	}
	return nil
}
