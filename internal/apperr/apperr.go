// Package apperr defines the closed set of error kinds surfaced to callers.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can branch without matching messages.
type Kind string

// Supported error kinds.
const (
	NotFound       Kind = "NOT_FOUND"
	AlreadyExists  Kind = "ALREADY_EXISTS"
	NetworkError   Kind = "NETWORK_ERROR"
	ParseError     Kind = "PARSE_ERROR"
	MigrationError Kind = "MIGRATION_ERROR"
	RuntimeError   Kind = "RUNTIME_ERROR"
)

// Error is an error tagged with a Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err != nil:
		return e.Err.Error()
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	default:
		return e.Msg
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. It returns nil if err is nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the outermost tagged error in err's chain.
// Untagged errors are reported as RuntimeError.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return RuntimeError
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
