package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable failure class.
type Code string

// Failure classes raised by the engine.
const (
	CodeDuplicateEvent     Code = "duplicate_event"
	CodeBoundsViolation    Code = "bounds_violation"
	CodeMissingBaseline    Code = "missing_baseline"
	CodeConcurrentWrite    Code = "concurrent_write_conflict"
	CodeSnapshotCorruption Code = "snapshot_corruption"
	CodeValidationFailure  Code = "validation_failure"
	CodeInvalidEvent       Code = "invalid_event"
	CodeInvalidConfig      Code = "invalid_config"
	CodeNotFound           Code = "not_found"
	CodeTransient          Code = "transient"
	CodeInternal           Code = "internal"
)

// Sentinels for errors.Is matching; comparison is by Code only.
var (
	ErrDuplicateEvent     = &Error{Code: CodeDuplicateEvent, Message: "duplicate event"}
	ErrBoundsViolation    = &Error{Code: CodeBoundsViolation, Message: "value outside plan bounds"}
	ErrMissingBaseline    = &Error{Code: CodeMissingBaseline, Message: "no baseline for active entity"}
	ErrConcurrentWrite    = &Error{Code: CodeConcurrentWrite, Message: "concurrent write conflict"}
	ErrSnapshotCorruption = &Error{Code: CodeSnapshotCorruption, Message: "snapshot checksum mismatch"}
	ErrValidationFailure  = &Error{Code: CodeValidationFailure, Message: "validation failed"}
	ErrInvalidEvent       = &Error{Code: CodeInvalidEvent, Message: "invalid event"}
	ErrInvalidConfig      = &Error{Code: CodeInvalidConfig, Message: "invalid configuration"}
	ErrNotFound           = &Error{Code: CodeNotFound, Message: "not found"}
	ErrTransient          = &Error{Code: CodeTransient, Message: "transient store error"}
)

// Error carries a failure class plus the context needed for remediation.
type Error struct {
	Code    Code
	Message string
	Key     Key
	EventID EventID
	Rule    string
	Value   string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Key != (Key{}) {
		msg = fmt.Sprintf("%s [%s]", msg, e.Key)
	}
	if e.EventID != 0 {
		msg = fmt.Sprintf("%s event=%d", msg, e.EventID)
	}
	if e.Rule != "" {
		msg = fmt.Sprintf("%s rule=%s", msg, e.Rule)
	}
	if e.Value != "" {
		msg = fmt.Sprintf("%s value=%s", msg, e.Value)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError constructs an Error for key.
func NewError(code Code, key Key, message string) *Error {
	return &Error{Code: code, Key: key, Message: message}
}

// WrapError constructs an Error that wraps cause.
func WrapError(code Code, key Key, message string, cause error) *Error {
	return &Error{Code: code, Key: key, Message: message, Cause: cause}
}

// CodeOf extracts the failure class of err, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps a failure class to an HTTP status code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidEvent, CodeBoundsViolation, CodeInvalidConfig:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDuplicateEvent, CodeConcurrentWrite:
		return http.StatusConflict
	case CodeMissingBaseline, CodeValidationFailure:
		return http.StatusUnprocessableEntity
	case CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether err is worth retrying with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentWrite) || errors.Is(err, ErrTransient)
}
