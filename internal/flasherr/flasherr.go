// Package flasherr defines the typed error taxonomy shared by every layer
// of the driver, so that Driver can classify a failure without string
// matching and pick the right exit diagnostic.
package flasherr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the driver's error categories.
type Kind string

const (
	Argument                  Kind = "ArgumentError"
	IO                         Kind = "IoError"
	Timeout                    Kind = "Timeout"
	UnexpectedResponse         Kind = "UnexpectedResponse"
	DeviceReportedError        Kind = "DeviceReportedError"
	RetriesExhausted           Kind = "RetriesExhausted"
	Parse                      Kind = "ParseError"
	OverlapForbidden           Kind = "OverlapForbidden"
	InvalidPlan                Kind = "InvalidPlan"
	InternalInvariantViolated  Kind = "InternalInvariantViolated"
	PortUnavailable            Kind = "PortUnavailable"
)

// Error is the concrete type behind every error this driver returns
// outside of a handful of boundary adapters (e.g. cobra argument checks).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause chain to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a Kind-tagged error with no wrapped cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a Kind-tagged error around a lower-level cause, attaching a
// stack trace via github.com/pkg/errors so the top-level diagnostic can
// show where the failure originated.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: kind, Message: msg, Cause: errors.Wrap(cause, msg)}
}

// Is reports whether err is a *Error of the given Kind, anywhere in its
// cause chain.
func Is(err error, kind Kind) bool {
	var fe *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			fe = e
			if fe.Kind == kind {
				return true
			}
			err = fe.Cause
			continue
		}
		err = errors.Unwrap(err)
	}
	return false
}
