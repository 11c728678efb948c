// Package status defines the closed set of outcomes reported by the local
// storage layer.
//
// Every storage operation either succeeds or fails with an error that carries
// exactly one Status. Callers switch on Of(err) instead of matching strings.
package status

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Status is the outcome of a storage operation.
type Status int

const (
	OK Status = iota
	NotFound
	InternalError
	ParseError
	IOError
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case NotFound:
		return "NOT_FOUND"
	case InternalError:
		return "INTERNAL_ERROR"
	case ParseError:
		return "PARSE_ERROR"
	case IOError:
		return "IO_ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Error lets a bare Status be used as a sentinel with errors.Is.
func (s Status) Error() string { return s.String() }

// Error is a storage failure tagged with its Status.
type Error struct {
	Status Status
	Op     string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Status, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Status, e.Err)
	default:
		return e.Status.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error or a bare Status with the same code.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Status:
		return e.Status == t
	case *Error:
		return e.Status == t.Status
	}
	return false
}

// New returns an error for op failing with s. err may be nil.
func New(s Status, op string, err error) error {
	return &Error{Status: s, Op: op, Err: err}
}

// Errorf returns an error with status s and a formatted cause.
func Errorf(s Status, format string, args ...any) error {
	return &Error{Status: s, Err: fmt.Errorf(format, args...)}
}

// Of extracts the Status carried by err. A nil error is OK; an error without a
// status is an INTERNAL_ERROR.
func Of(err error) Status {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Status
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return IOError
	}
	return InternalError
}

// Is reports whether err carries status s.
func Is(err error, s Status) bool {
	return Of(err) == s
}
