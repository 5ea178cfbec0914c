// Package apperr defines the stable error kinds shared across the ledger
// node's layers (spec §7) and which of them are the client's fault.
package apperr

import "fmt"

// Kind is one of the ten stable error kinds named in spec §7.
type Kind string

const (
	BadRequest           Kind = "BadRequest"
	InvalidSignature     Kind = "InvalidSignature"
	UnknownActor         Kind = "UnknownActor"
	InvalidOrder         Kind = "InvalidOrder"
	DuplicateTransaction Kind = "DuplicateTransaction"
	ChainInvalid         Kind = "ChainInvalid"
	NoHealthyPeers       Kind = "NoHealthyPeers"
	PersistenceError     Kind = "PersistenceError"
	MiningCancelled      Kind = "MiningCancelled"
	Timeout              Kind = "Timeout"
)

// Error wraps a Kind with a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error carrying an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts an *Error from err, if any.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	if ok {
		return e, true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if e, ok := err.(*Error); ok {
			return e, true
		}
	}
	return nil, false
}

// IsClientFault reports whether kind should surface as a 4xx admission
// error per spec §7 ("Admission errors... surfaced as 4xx").
func IsClientFault(kind Kind) bool {
	switch kind {
	case BadRequest, InvalidSignature, UnknownActor, InvalidOrder, DuplicateTransaction:
		return true
	default:
		return false
	}
}
