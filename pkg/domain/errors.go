package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of error kinds surfaced at the
// hypervisor control plane's public boundary.
type ErrorKind string

const (
	ErrKindCapacityExceeded       ErrorKind = "capacity-exceeded"
	ErrKindNotFound               ErrorKind = "not-found"
	ErrKindInvalidState           ErrorKind = "invalid-state"
	ErrKindValidationFailed       ErrorKind = "validation-failed"
	ErrKindImageVerificationFailed ErrorKind = "image-verification-failed"
	ErrKindHALUnavailable         ErrorKind = "hal-unavailable"
	ErrKindTargetUnreachable      ErrorKind = "target-unreachable"
	ErrKindPolicyDenied           ErrorKind = "policy-denied"
	ErrKindIsolationViolation     ErrorKind = "isolation-violation"
	ErrKindTimeout                ErrorKind = "timeout"
	ErrKindTransport              ErrorKind = "transport"
	ErrKindParse                  ErrorKind = "parse-error"
)

// Error is the error type returned at every public operation boundary
// in the hypervisor subsystem. It carries a stable Kind alongside a
// human message, and wraps an optional underlying cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, domain.NewError(kind, "", nil)) style kind
// comparisons without caring about message or cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// NewError constructs an *Error of the given kind.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel values for errors.Is comparisons against a specific kind,
// e.g. errors.Is(err, domain.ErrNotFound).
var (
	ErrCapacityExceeded        = &Error{Kind: ErrKindCapacityExceeded}
	ErrNotFound                = &Error{Kind: ErrKindNotFound}
	ErrInvalidState            = &Error{Kind: ErrKindInvalidState}
	ErrValidationFailed        = &Error{Kind: ErrKindValidationFailed}
	ErrImageVerificationFailed = &Error{Kind: ErrKindImageVerificationFailed}
	ErrHALUnavailable          = &Error{Kind: ErrKindHALUnavailable}
	ErrTargetUnreachable       = &Error{Kind: ErrKindTargetUnreachable}
	ErrPolicyDenied            = &Error{Kind: ErrKindPolicyDenied}
	ErrIsolationViolation      = &Error{Kind: ErrKindIsolationViolation}
	ErrTimeout                 = &Error{Kind: ErrKindTimeout}
	ErrTransport               = &Error{Kind: ErrKindTransport}
	ErrParse                   = &Error{Kind: ErrKindParse}
)

// KindOf extracts the ErrorKind from err, if it (or something it
// wraps) is a *Error.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
