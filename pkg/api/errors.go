package api

import (
	"errors"
	"fmt"
)

// Kind classifies a failed invocation.
type Kind string

const (
	KindUnknown          Kind = "Unknown"
	KindCancelled        Kind = "Cancelled"
	KindTimedOut         Kind = "TimedOut"
	KindTerminated       Kind = "Terminated"
	KindCrashed          Kind = "Crashed"
	KindFunctionNotFound Kind = "FunctionNotFound"
	KindSerialization    Kind = "SerializationError"
	KindOperation        Kind = "OperationError"
)

// Sentinels for errors.Is. Any *Error with the same Kind matches.
var (
	ErrCancelled        = &Error{Kind: KindCancelled}
	ErrTimedOut         = &Error{Kind: KindTimedOut}
	ErrTerminated       = &Error{Kind: KindTerminated}
	ErrCrashed          = &Error{Kind: KindCrashed}
	ErrFunctionNotFound = &Error{Kind: KindFunctionNotFound}
	ErrSerialization    = &Error{Kind: KindSerialization}
	ErrOperation        = &Error{Kind: KindOperation}
)

// Error is the error type surfaced by the channel, the unit and the dispatcher.
type Error struct {
	Kind  Kind
	Op    string // operation or dependency name, optional
	ID    uint64 // correlation id, 0 if not tied to an invocation
	Msg   string
	Trace string // stack trace reported by the unit, optional
	Err   error  // wrapped cause
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, a ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, a...)}
}

// Wrap builds an *Error of the given kind around err.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s += " [" + e.Op + "]"
	}
	if e.ID != 0 {
		s += fmt.Sprintf(" #%d", e.ID)
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		s += ": " + e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		s += ": " + e.Msg
	case e.Err != nil:
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithCall returns a copy of e tagged with op and id.
func (e *Error) WithCall(op string, id uint64) *Error {
	c := *e
	c.Op, c.ID = op, id
	return &c
}

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsHealthFailure reports whether err means the execution unit itself is
// unhealthy and should be respawned.
func IsHealthFailure(err error) bool {
	switch KindOf(err) {
	case KindTimedOut, KindCrashed:
		return true
	default:
		return false
	}
}
