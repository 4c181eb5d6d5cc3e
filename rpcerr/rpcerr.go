// Package rpcerr defines the error taxonomy shared by every layer of uebridge.
//
// Every failure the core reports is an *Error carrying a Kind. Callers match on the
// kind with errors.Is against the sentinel values below:
//
//	if errors.Is(err, rpcerr.ErrTimedOut) { ... }
//
// Kinds fall into three groups that propagate differently:
//
//   - local encode/decode failures (TypeMismatch, MissingField, UnknownEnumValue, ...)
//     are raised before anything reaches the transport;
//   - remote failures arrive as Error-status responses and keep the engine's message;
//   - connection failures (ConnectionLost, SessionClosed, TimedOut) fail in-flight calls.
package rpcerr

import (
	"errors"
	"fmt"
)

// Kind names one entry of the taxonomy. The string form is what travels in the
// errorKind field of an Error-status response.
type Kind string

const (
	TypeConflict       Kind = "TypeConflict"
	TypeMismatch       Kind = "TypeMismatch"
	MissingField       Kind = "MissingField"
	UnknownEnumValue   Kind = "UnknownEnumValue"
	StaleReference     Kind = "StaleReference"
	DuplicateHandle    Kind = "DuplicateHandle"
	UnknownHandle      Kind = "UnknownHandle"
	InvalidHandle      Kind = "InvalidHandle"
	ConstructionFailed Kind = "ConstructionFailed"
	NoSuchProperty     Kind = "NoSuchProperty"
	ConnectionLost     Kind = "ConnectionLost"
	SessionClosed      Kind = "SessionClosed"
	TimedOut           Kind = "TimedOut"
	NotReady           Kind = "NotReady"
	UnknownCall        Kind = "UnknownCall"
	Remote             Kind = "Remote" // engine-side exception outside the taxonomy
)

var known = map[Kind]bool{
	TypeConflict: true, TypeMismatch: true, MissingField: true, UnknownEnumValue: true,
	StaleReference: true, DuplicateHandle: true, UnknownHandle: true, InvalidHandle: true,
	ConstructionFailed: true, NoSuchProperty: true, ConnectionLost: true, SessionClosed: true,
	TimedOut: true, NotReady: true, UnknownCall: true, Remote: true,
}

// Sentinels for errors.Is. They carry no message; only the Kind is compared.
var (
	ErrTypeConflict       = &Error{Kind: TypeConflict}
	ErrTypeMismatch       = &Error{Kind: TypeMismatch}
	ErrMissingField       = &Error{Kind: MissingField}
	ErrUnknownEnumValue   = &Error{Kind: UnknownEnumValue}
	ErrStaleReference     = &Error{Kind: StaleReference}
	ErrDuplicateHandle    = &Error{Kind: DuplicateHandle}
	ErrUnknownHandle      = &Error{Kind: UnknownHandle}
	ErrInvalidHandle      = &Error{Kind: InvalidHandle}
	ErrConstructionFailed = &Error{Kind: ConstructionFailed}
	ErrNoSuchProperty     = &Error{Kind: NoSuchProperty}
	ErrConnectionLost     = &Error{Kind: ConnectionLost}
	ErrSessionClosed      = &Error{Kind: SessionClosed}
	ErrTimedOut           = &Error{Kind: TimedOut}
	ErrNotReady           = &Error{Kind: NotReady}
	ErrUnknownCall        = &Error{Kind: UnknownCall}
	ErrRemote             = &Error{Kind: Remote}
)

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "encode", "call MyObject.Add"
	Msg  string
	Err  error // optional cause
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an *Error with a formatted message.
func New(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an underlying cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Known reports whether k is part of the taxonomy.
func Known(k Kind) bool { return known[k] }

// FromResponse converts the error fields of an Error-status response into an *Error.
// An errorKind outside the taxonomy is reported as Remote; the engine message is kept as is.
func FromResponse(op, errorKind, message string) *Error {
	k := Kind(errorKind)
	if !known[k] {
		k = Remote
		if errorKind != "" && errorKind != string(Remote) {
			message = errorKind + ": " + message
		}
	}
	return &Error{Kind: k, Op: op, Msg: message}
}

// IsLocal reports whether errors of this kind are detected locally by the value codec
// or the handle table, i.e. without a round trip to the engine.
func IsLocal(k Kind) bool {
	switch k {
	case TypeConflict, TypeMismatch, MissingField, UnknownEnumValue, StaleReference,
		DuplicateHandle, UnknownHandle, InvalidHandle, ConstructionFailed, NotReady:
		return true
	}
	return false
}
