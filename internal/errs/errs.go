// Package errs defines the closed error taxonomy shared by every
// subsystem, generalizing the teacher's WrapError/ComplexError pattern
// (pkg/commands/errors.go) from "a code the GUI can switch on" to "a kind
// the Control Plane can map straight to a response envelope and an HTTP
// status".
package errs

import (
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Kind is the closed set of error kinds from spec.md §7. The Control
// Plane maps each to one of the seven wire error codes; nothing outside
// this package invents a new kind.
type Kind string

const (
	KindInvalidParams Kind = "INVALID_PARAMS"
	KindNotFound       Kind = "NOT_FOUND"
	KindConflict       Kind = "CONFLICT"
	KindPortError      Kind = "PORT_ERROR"
	KindSpawnError     Kind = "SPAWN_ERROR"
	KindNotReady       Kind = "NOT_READY"
	KindTimeout        Kind = "TIMEOUT"
	KindInternal       Kind = "INTERNAL_ERROR"
)

// Sub is the optional subtype carried in Details for PortError/SpawnError,
// e.g. {"sub": "PortInUse"}.
type Sub string

const (
	SubSystemReserved       Sub = "SystemReserved"
	SubPortInUse            Sub = "PortInUse"
	SubPortExternallyBound  Sub = "PortExternallyBound"
	SubRangeExhausted       Sub = "RangeExhausted"
	SubCwdMissing           Sub = "CwdMissing"
	SubExecutableNotFound   Sub = "ExecutableNotFound"
	SubPermissionDenied     Sub = "PermissionDenied"
	SubResourceExhausted    Sub = "ResourceExhausted"
)

// Error is the typed error every subsystem returns across its public
// operations. Message is human-readable; Details carries structured
// context (conflicting session id, suggested ports, and so on).
type Error struct {
	Kind    Kind
	Sub     Sub
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.Sub != "" {
		return fmt.Sprintf("%s/%s: %s", e.Kind, e.Sub, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an Error of the given kind with no sub-kind or details.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithSub attaches a sub-kind, for PortError/SpawnError.
func (e *Error) WithSub(sub Sub) *Error {
	e.Sub = sub
	return e
}

// WithDetails attaches structured detail fields, merging into any that
// already exist.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithCause wraps an underlying error for Unwrap, and -- matching the
// teacher's WrapError -- attaches a stack trace via go-errors/errors so
// Internal-kind failures can be logged with full context per spec.md §7.
func (e *Error) WithCause(cause error) *Error {
	if cause == nil {
		return e
	}
	e.cause = goerrors.Wrap(cause, 1)
	return e
}

// Internal builds a Kind=Internal error, wrapping cause with a stack
// trace the way the teacher wraps unexpected errors at the program
// boundary in main.go.
func Internal(message string, cause error) *Error {
	return New(KindInternal, message).WithCause(cause)
}

// As is a convenience wrapper over errors.As for pulling an *Error back
// out of an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
