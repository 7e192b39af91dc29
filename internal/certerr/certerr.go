// Package certerr defines the status codes shared by the native certificate
// operations and the script-facing bridge. Script code sees these as business
// errors: Error objects whose numeric code property carries the Code value.
package certerr

import (
	"errors"
	"fmt"
)

// Code classifies a certificate operation failure. The numeric values are
// part of the script-facing API and must not be renumbered.
type Code int

const (
	// CodeAllocation reports that a task context, buffer, or object wrapper
	// could not be allocated. Wrapper exhaustion reports this code too.
	CodeAllocation Code = 1

	// CodeInvalidArgument reports a malformed or out-of-range argument.
	CodeInvalidArgument Code = 2

	// CodeOperation reports a native certificate operation that ran and failed.
	CodeOperation Code = 3

	// CodeNotFound reports a lookup that matched nothing.
	CodeNotFound Code = 4

	// CodeUnsupported reports a field or algorithm this implementation
	// does not handle.
	CodeUnsupported Code = 5
)

func (c Code) String() string {
	switch c {
	case CodeAllocation:
		return "allocation failed"
	case CodeInvalidArgument:
		return "invalid argument"
	case CodeOperation:
		return "operation failed"
	case CodeNotFound:
		return "not found"
	case CodeUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("code %d", int(c))
	}
}

// Error pairs a status code with a fixed diagnostic message. Messages are
// constant strings chosen at the failure site; dynamic detail stays in Go
// logs and never crosses into the script-facing surface.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Allocation builds a CodeAllocation error.
func Allocation(message string) *Error {
	return &Error{Code: CodeAllocation, Message: message}
}

// InvalidArgument builds a CodeInvalidArgument error.
func InvalidArgument(message string) *Error {
	return &Error{Code: CodeInvalidArgument, Message: message}
}

// Operation builds a CodeOperation error.
func Operation(message string) *Error {
	return &Error{Code: CodeOperation, Message: message}
}

// NotFound builds a CodeNotFound error.
func NotFound(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message}
}

// Unsupported builds a CodeUnsupported error.
func Unsupported(message string) *Error {
	return &Error{Code: CodeUnsupported, Message: message}
}

// CodeOf extracts the Code from err. Errors that did not originate in this
// package map to CodeOperation.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeOperation
}
