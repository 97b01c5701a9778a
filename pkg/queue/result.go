package queue

import (
	"errors"
	"strings"
)

// ErrOkWithCause is returned when a successful Result is built with a cause.
var ErrOkWithCause = errors.New("queue: successful result cannot have a cause")

// Result is the outcome of processing one message.
// The zero value is a successful result without code.
type Result struct {
	failed bool
	code   string
	cause  error
}

// Ok returns a successful result.
func Ok() Result {
	return Result{}
}

// Done returns a successful result with a code.
func Done(code string) Result {
	return Result{code: code}
}

// Failed returns a failed result. Both code and cause are optional.
func Failed(code string, cause error) Result {
	return Result{failed: true, code: code, cause: cause}
}

// NewResult builds a Result from its parts.
func NewResult(isError bool, code string, cause error) (Result, error) {
	if !isError && cause != nil {
		return Result{}, ErrOkWithCause
	}
	return Result{failed: isError, code: code, cause: cause}, nil
}

// IsError reports whether processing failed.
func (r Result) IsError() bool { return r.failed }

// Code returns the optional result code.
func (r Result) Code() string { return r.code }

// Cause returns the error that failed processing, if any.
func (r Result) Cause() error { return r.cause }

// Equal compares two results. Codes are compared case-insensitively.
func (r Result) Equal(other Result) bool {
	return r.failed == other.failed &&
		strings.EqualFold(r.code, other.code) &&
		r.cause == other.cause
}

func (r Result) String() string {
	s := "Done"
	if r.failed {
		s = "Failed"
	}
	if r.code != "" {
		s += "(" + r.code + ")"
	}
	return s
}
