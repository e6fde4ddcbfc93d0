// Package errtax defines the error taxonomy shared by every component in the
// fleet: circuit breaker classification, rate limiter admission results, and
// HTTP/MCP boundary translation all key off the same Class values.
package errtax

import (
	"errors"
	"fmt"
)

// Class is one of the error classes named in spec §7. It is used as a
// metrics label, a log field, and the sole input to HTTP status mapping.
type Class string

const (
	ClassValidation        Class = "validation_error"
	ClassTargetUnavailable Class = "target_unavailable"
	ClassOverloadRejected  Class = "overload_rejected"
	ClassTimeout           Class = "timeout"
	ClassNotFound          Class = "not_found"
	ClassConflict          Class = "conflict"
	ClassInternal          Class = "internal_error"
)

// Error wraps an underlying error with a taxonomy Class so that callers
// upstream (circuit breaker, HTTP boundary) can classify without resorting to
// string matching or type switches on domain-specific error types.
type Error struct {
	Class   Class
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified error.
func New(class Class, message string, cause error) *Error {
	return &Error{Class: class, Message: message, Err: cause}
}

// Validation builds a ClassValidation error — never counted toward circuit
// trips regardless of configuration (spec §4.1).
func Validation(format string, args ...any) *Error {
	return &Error{Class: ClassValidation, Message: fmt.Sprintf(format, args...)}
}

// TargetUnavailable builds a ClassTargetUnavailable error.
func TargetUnavailable(format string, args ...any) *Error {
	return &Error{Class: ClassTargetUnavailable, Message: fmt.Sprintf(format, args...)}
}

// OverloadRejected builds a ClassOverloadRejected error.
func OverloadRejected(format string, args ...any) *Error {
	return &Error{Class: ClassOverloadRejected, Message: fmt.Sprintf(format, args...)}
}

// Timeout builds a ClassTimeout error.
func Timeout(format string, args ...any) *Error {
	return &Error{Class: ClassTimeout, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a ClassNotFound error.
func NotFound(format string, args ...any) *Error {
	return &Error{Class: ClassNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a ClassConflict error.
func Conflict(format string, args ...any) *Error {
	return &Error{Class: ClassConflict, Message: fmt.Sprintf(format, args...)}
}

// Internal builds a ClassInternal error. Internal errors must always be
// logged with full detail by the caller — never swallowed silently.
func Internal(cause error, format string, args ...any) *Error {
	return &Error{Class: ClassInternal, Message: fmt.Sprintf(format, args...), Err: cause}
}

// ClassOf extracts the Class from err if it (or something it wraps) is an
// *Error. Unclassified errors are treated as ClassInternal, matching the
// taxonomy's "never silently swallowed" rule: anything we didn't explicitly
// classify is surfaced as an internal error rather than defaulting to a
// benign class.
func ClassOf(err error) Class {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}
	return ClassInternal
}

// HTTPStatus maps a Class to the status code named in spec §7.
func HTTPStatus(c Class) int {
	switch c {
	case ClassValidation:
		return 422
	case ClassNotFound:
		return 404
	case ClassConflict:
		return 409
	case ClassOverloadRejected:
		return 429
	case ClassTargetUnavailable:
		return 503
	case ClassTimeout:
		return 504
	default:
		return 500
	}
}
