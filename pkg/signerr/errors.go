// Package signerr defines the domain error taxonomy shared by the signing
// engine packages. Every failure a signer or issuer can act on is an *Error
// carrying a machine-readable Code; storage and transport failures stay plain
// wrapped errors.
package signerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Code identifies a class of domain failure.
type Code string

const (
	CodeInvalidToken               Code = "INVALID_TOKEN"
	CodeExpiredToken               Code = "EXPIRED_TOKEN"
	CodeTokenAlreadyConsumed       Code = "TOKEN_ALREADY_CONSUMED"
	CodeChallengeExpired           Code = "CHALLENGE_EXPIRED"
	CodeChallengeMismatch          Code = "CHALLENGE_MISMATCH"
	CodeChallengeAttemptsExhausted Code = "CHALLENGE_ATTEMPTS_EXHAUSTED"
	CodeSessionExpired             Code = "SESSION_EXPIRED"
	CodeSessionInvalid             Code = "SESSION_INVALID"
	CodeIllegalStateTransition     Code = "ILLEGAL_STATE_TRANSITION"
	CodeSequenceNotEligible        Code = "SEQUENCE_NOT_ELIGIBLE"
	CodeAlreadySigned              Code = "ALREADY_SIGNED"
	CodeIntegrityMismatch          Code = "INTEGRITY_MISMATCH"
	CodeRenderFailure              Code = "RENDER_FAILURE"
	CodeValidationFailure          Code = "VALIDATION_FAILURE"
	CodeNotFound                   Code = "NOT_FOUND"
	CodeRateLimited                Code = "RATE_LIMITED"
)

// Error is a structured domain error. Only the fields relevant to Code are set.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`

	// Current and Target describe a rejected state transition.
	Current string `json:"current,omitempty"`
	Target  string `json:"target,omitempty"`

	// AttemptsRemaining is set on ChallengeMismatch.
	AttemptsRemaining *int `json:"attemptsRemaining,omitempty"`

	RecomputedHash string `json:"recomputedHash,omitempty"`
	SealedHash     string `json:"sealedHash,omitempty"`

	// Fields lists the offending inputs of a ValidationFailure or the
	// unresolved variables of a RenderFailure.
	Fields []string `json:"fields,omitempty"`

	RetryAfter time.Duration `json:"-"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

// Is matches any *Error with the same Code, so the package sentinels can be
// used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidToken               = &Error{Code: CodeInvalidToken}
	ErrExpiredToken               = &Error{Code: CodeExpiredToken}
	ErrTokenAlreadyConsumed       = &Error{Code: CodeTokenAlreadyConsumed}
	ErrChallengeExpired           = &Error{Code: CodeChallengeExpired}
	ErrChallengeMismatch          = &Error{Code: CodeChallengeMismatch}
	ErrChallengeAttemptsExhausted = &Error{Code: CodeChallengeAttemptsExhausted}
	ErrSessionExpired             = &Error{Code: CodeSessionExpired}
	ErrSessionInvalid             = &Error{Code: CodeSessionInvalid}
	ErrIllegalStateTransition     = &Error{Code: CodeIllegalStateTransition}
	ErrSequenceNotEligible        = &Error{Code: CodeSequenceNotEligible}
	ErrAlreadySigned              = &Error{Code: CodeAlreadySigned}
	ErrIntegrityMismatch          = &Error{Code: CodeIntegrityMismatch}
	ErrRenderFailure              = &Error{Code: CodeRenderFailure}
	ErrValidationFailure          = &Error{Code: CodeValidationFailure}
	ErrNotFound                   = &Error{Code: CodeNotFound}
	ErrRateLimited                = &Error{Code: CodeRateLimited}
)

// New returns an error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IllegalTransition reports a rejected transition out of current.
func IllegalTransition(current, target string) *Error {
	msg := fmt.Sprintf("document is %s; transition to %s is not allowed", current, target)
	if target == "" {
		msg = fmt.Sprintf("action not allowed while document is %s", current)
	}
	return &Error{
		Code:    CodeIllegalStateTransition,
		Message: msg,
		Current: current,
		Target:  target,
	}
}

// ChallengeMismatch reports a wrong code and the attempts left on the challenge.
func ChallengeMismatch(remaining int) *Error {
	if remaining < 0 {
		remaining = 0
	}
	return &Error{
		Code:              CodeChallengeMismatch,
		Message:           fmt.Sprintf("verification code does not match; %d attempts remaining", remaining),
		AttemptsRemaining: &remaining,
	}
}

// IntegrityMismatch reports a stored artifact whose hash no longer matches its seal.
func IntegrityMismatch(recomputed, sealed string) *Error {
	return &Error{
		Code:           CodeIntegrityMismatch,
		Message:        "stored artifact does not match its sealed hash",
		RecomputedHash: recomputed,
		SealedHash:     sealed,
	}
}

// Validation reports missing or malformed inputs by field name.
func Validation(message string, fields ...string) *Error {
	return &Error{Code: CodeValidationFailure, Message: message, Fields: fields}
}

// RenderFailure reports template variables that could not be resolved.
func RenderFailure(missing []string) *Error {
	return &Error{
		Code:    CodeRenderFailure,
		Message: "unresolved template variables: " + strings.Join(missing, ", "),
		Fields:  missing,
	}
}

// NotFound reports an unknown entity.
func NotFound(kind, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", kind, id)}
}

// RateLimited reports a throttled request.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("too many requests; retry in %s", retryAfter.Round(time.Second)),
		RetryAfter: retryAfter,
	}
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the domain code of err, or "" for non-domain errors.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// Recoverable reports whether the error belongs to the authentication
// family, where the client is offered a retry and no state was mutated.
func Recoverable(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidToken, CodeExpiredToken, CodeTokenAlreadyConsumed,
		CodeChallengeExpired, CodeChallengeMismatch, CodeChallengeAttemptsExhausted,
		CodeSessionExpired, CodeSessionInvalid, CodeRateLimited:
		return true
	}
	return false
}
