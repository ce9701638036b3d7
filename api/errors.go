// Package api defines the contracts shared by the stack runtime and its
// pluggable filters, lower layers, and hosting event loop.
package api

import (
	"errors"
	"fmt"
)

// Code enumerates the error kinds the core runtime distinguishes and
// surfaces upward, per the error handling design.
type Code int

const (
	// CodeNone is the zero value; never attached to a returned Error.
	CodeNone Code = iota
	// CodeNoMem: allocation failure.
	CodeNoMem
	// CodeNotSup: filter or lower layer lacks the requested capability.
	CodeNotSup
	// CodeInval: bad argument.
	CodeInval
	// CodeNotReady: close when not open, open when already open.
	CodeNotReady
	// CodeInUse: second free, second watch removal.
	CodeInUse
	// CodeInProgress: open/close will complete asynchronously.
	CodeInProgress
	// CodeRemClose: peer closed the connection.
	CodeRemClose
	// CodeTimedOut: handshake deadline elapsed.
	CodeTimedOut
	// CodeCancelled: close raced an open.
	CodeCancelled
)

func (c Code) String() string {
	switch c {
	case CodeNoMem:
		return "NOMEM"
	case CodeNotSup:
		return "NOTSUP"
	case CodeInval:
		return "INVAL"
	case CodeNotReady:
		return "NOTREADY"
	case CodeInUse:
		return "INUSE"
	case CodeInProgress:
		return "INPROGRESS"
	case CodeRemClose:
		return "REMCLOSE"
	case CodeTimedOut:
		return "TIMEDOUT"
	case CodeCancelled:
		return "CANCELLED"
	default:
		return "NONE"
	}
}

// Error is a structured error carrying a Code, the operation that produced
// it, and an optional wrapped cause (a transport or filter error).
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an *Error for op with the given code and optional cause.
func NewError(op string, code Code, cause error) *Error {
	return &Error{Code: code, Op: op, Err: cause}
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
