// Package apperror centralizes the error taxonomy every handler translates
// into an HTTP response, replacing the teacher's per-call-site
// c.JSON(http.StatusX, map[string]string{"error": ...}) convention with one
// typed error that the HTTP layer maps exactly once.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindInvalidInput     Kind = "invalid_input"
	KindNotAuthenticated Kind = "not_authenticated"
	KindNotAuthorized    Kind = "not_authorized"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindPlanLimit        Kind = "plan_limit"
	KindPaymentSuspended Kind = "payment_suspended"
	KindAccessRequired   Kind = "access_required"
	KindAccessPending    Kind = "access_pending"
	KindNDARequired      Kind = "nda_required"
	KindProviderError    Kind = "provider_error"
	KindInternal         Kind = "internal"
)

var statusByKind = map[Kind]int{
	KindInvalidInput:     http.StatusBadRequest,
	KindNotAuthenticated: http.StatusUnauthorized,
	KindNotAuthorized:    http.StatusForbidden,
	KindNotFound:         http.StatusNotFound,
	KindConflict:         http.StatusConflict,
	KindPlanLimit:        http.StatusForbidden,
	KindPaymentSuspended: http.StatusPaymentRequired,
	KindAccessRequired:   http.StatusForbidden,
	KindAccessPending:    http.StatusForbidden,
	KindNDARequired:      http.StatusForbidden,
	KindProviderError:    http.StatusBadGateway,
	KindInternal:         http.StatusInternalServerError,
}

// Error is the typed error every service returns. Details carries
// machine-readable extras (e.g. the offending child of a blocked visibility
// toggle) without overloading Message.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func WithDetails(kind Kind, message string, details map[string]interface{}) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

// As extracts an *Error from err, the way callers check a typed kind.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

func NotFound(resource string) *Error {
	return New(KindNotFound, resource+" not found")
}

func Internal(cause error) *Error {
	return Wrap(KindInternal, "internal error", cause)
}
