// Package syncerr implements a fixed error taxonomy as typed,
// errors.Is-comparable sentinels, so protocol handlers can map any failure
// onto a wire status without string matching.
package syncerr

import "fmt"

// Kind identifies one of the fixed error categories a syncmesh node can
// produce. It is a taxonomy, not a type name: callers switch on Kind, not
// on the concrete *Error type.
type Kind string

const (
	IOError             Kind = "IO_ERROR"
	NotFound            Kind = "NOT_FOUND"
	InvalidReference    Kind = "INVALID_REFERENCE"
	InactivityTimeout   Kind = "INACTIVITY_TIMEOUT"
	Incomplete          Kind = "INCOMPLETE"
	NoPeer              Kind = "NO_PEER"
	UnknownMessageType  Kind = "UNKNOWN_MESSAGE_TYPE"
	ProtocolError       Kind = "PROTOCOL_ERROR"
	Cancelled           Kind = "CANCELLED"
)

// Error is a Kind-tagged error with an optional wrapped cause.
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

// Is lets errors.Is(err, syncerr.New(K, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error carrying cause as its Unwrap target.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it (or something it wraps) is a
// *Error, otherwise returns ProtocolError as the catch-all for malformed
// or unrecognized failures crossing the wire boundary.
func KindOf(err error) Kind {
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return ProtocolError
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
