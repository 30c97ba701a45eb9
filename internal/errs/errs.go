// Package errs defines the error codes surfaced to clients as error frames.
package errs

import (
	"errors"
	"fmt"
)

// Code is the machine-readable error code sent on the wire.
type Code string

const (
	CodeUnauthenticated  Code = "unauthenticated"
	CodeForbidden        Code = "forbidden"
	CodeInvalidState     Code = "invalid_state"
	CodeInvalidArgument  Code = "invalid_argument"
	CodeNotFound         Code = "not_found"
	CodeBackpressureDrop Code = "backpressure_drop"
	CodeInternal         Code = "internal"
)

var (
	ErrUnauthenticated  = &Error{Code: CodeUnauthenticated, Message: "not authenticated"}
	ErrForbidden        = &Error{Code: CodeForbidden, Message: "forbidden"}
	ErrInvalidState     = &Error{Code: CodeInvalidState, Message: "invalid state"}
	ErrInvalidArgument  = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "not found"}
	ErrBackpressureDrop = &Error{Code: CodeBackpressureDrop, Message: "subscriber queue full"}
)

// Error carries a Code and a human-readable message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Is matches on Code so that errors.Is(err, ErrNotFound) holds for any
// not_found error regardless of its message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Unauthenticated(format string, args ...any) error {
	return newf(CodeUnauthenticated, format, args...)
}

func Forbidden(format string, args ...any) error {
	return newf(CodeForbidden, format, args...)
}

func InvalidState(format string, args ...any) error {
	return newf(CodeInvalidState, format, args...)
}

func InvalidArgument(format string, args ...any) error {
	return newf(CodeInvalidArgument, format, args...)
}

func NotFound(format string, args ...any) error {
	return newf(CodeNotFound, format, args...)
}

// CodeOf returns the Code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the client-facing message for err. Internal errors are
// not leaked.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
