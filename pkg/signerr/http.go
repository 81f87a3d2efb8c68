package signerr

import (
	"math"
	"net/http"
	"strconv"
)

// Transport-level codes that never leave the HTTP layer.
const (
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeInternal     Code = "INTERNAL"
)

var statusByCode = map[Code]int{
	CodeInvalidToken:               http.StatusNotFound,
	CodeExpiredToken:               http.StatusGone,
	CodeTokenAlreadyConsumed:       http.StatusGone,
	CodeChallengeExpired:           http.StatusGone,
	CodeChallengeMismatch:          http.StatusUnauthorized,
	CodeChallengeAttemptsExhausted: http.StatusTooManyRequests,
	CodeSessionExpired:             http.StatusUnauthorized,
	CodeSessionInvalid:             http.StatusUnauthorized,
	CodeIllegalStateTransition:     http.StatusConflict,
	CodeSequenceNotEligible:        http.StatusConflict,
	CodeAlreadySigned:              http.StatusConflict,
	CodeIntegrityMismatch:          http.StatusConflict,
	CodeRenderFailure:              http.StatusUnprocessableEntity,
	CodeValidationFailure:          http.StatusBadRequest,
	CodeNotFound:                   http.StatusNotFound,
	CodeRateLimited:                http.StatusTooManyRequests,
	CodeUnauthorized:               http.StatusUnauthorized,
	CodeForbidden:                  http.StatusForbidden,
}

// HTTPStatus maps err to a response status. Non-domain errors are 500.
func HTTPStatus(err error) int {
	if s, ok := statusByCode[CodeOf(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// FieldError is one entry of the "errors" array of a failure response.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Payload is the JSON body of a failure response.
type Payload struct {
	Error  *Error       `json:"error"`
	Errors []FieldError `json:"errors"`
}

// Response returns the status and body describing err. Messages of
// non-domain errors are not exposed.
func Response(err error) (int, Payload) {
	e, ok := As(err)
	if !ok {
		e = &Error{Code: CodeInternal, Message: "internal error"}
	}
	p := Payload{Error: e}
	if len(e.Fields) > 0 {
		for _, f := range e.Fields {
			p.Errors = append(p.Errors, FieldError{Field: f, Code: e.Code, Message: e.Message})
		}
	} else {
		p.Errors = []FieldError{{Code: e.Code, Message: e.Message}}
	}
	return HTTPStatus(err), p
}

// SetRetryAfter adds a Retry-After header when err carries a delay.
func SetRetryAfter(h http.Header, err error) {
	if e, ok := As(err); ok && e.RetryAfter > 0 {
		secs := int(math.Ceil(e.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.Itoa(secs))
	}
}
