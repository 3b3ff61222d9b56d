// Package apperr defines the error kinds the gateway reports to clients.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable category of a failure.
type Kind string

const (
	KindDatabaseNotFound  Kind = "DatabaseNotFound"
	KindStatementRejected Kind = "StatementRejected"
	KindConnectionFailed  Kind = "ConnectionFailed"
	KindExecutionFailed   Kind = "ExecutionFailed"
	KindExecutionTimeout  Kind = "ExecutionTimeout"
	KindInvalidRequest    Kind = "InvalidRequest"
	KindRateLimited       Kind = "RateLimited"
	KindInternal          Kind = "Internal"
)

// Error carries a Kind alongside a human-readable message and the
// underlying cause, if any.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of the given kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the Kind of err. Errors that are not an *Error anywhere in
// their chain are KindInternal; nil has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
