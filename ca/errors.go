package ca

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNetworkUnavailable means no response was received from the CA.
	// It is never produced for an explicit denial.
	ErrNetworkUnavailable = errors.New("certificate authority unreachable")
	// ErrLockDenied means the CA refused to hand out a write lock.
	ErrLockDenied = errors.New("lock denied")
	// ErrHijackSuspected means the CA rejected this authenticator's
	// credentials outright. Callers must abort without writing and alert
	// the user.
	ErrHijackSuspected = errors.New("account hijack suspected")
	// ErrWriteRejected means the CA refused a write, usually because the
	// lock was consumed or replaced. The whole cycle must restart from
	// fetch; the write is never retried with the same lock.
	ErrWriteRejected = errors.New("write rejected")
	// ErrDenied is an explicit refusal on the sign and revoke endpoints.
	ErrDenied = errors.New("request denied")
	// ErrMalformedPayload means the CA answered with a body that could not
	// be decoded. It is distinct from an empty account.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnexpectedStatus wraps any status code the protocol does not
	// define for an operation.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeHijackSuspected = "hijack_suspected"
	CodeLockDenied      = "lock_denied"
	CodeLockInvalid     = "lock_invalid"
	CodeNotFound        = "not_found"
	CodeBadRequest      = "bad_request"
	CodeDenied          = "denied"
	CodeRateLimited     = "rate_limited"
)

// StatusError carries the HTTP status of a response the client could not map
// onto one of the protocol outcomes.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s: %d %s", e.Op, ErrUnexpectedStatus, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s: %s: %d %s", e.Op, ErrUnexpectedStatus, e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}
