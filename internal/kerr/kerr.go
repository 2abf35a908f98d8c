// Package kerr defines the error-kind taxonomy shared by every layer of the
// transport core (DMA buffers and pools, rings, flow rings, the ring
// handler) and by the public package that re-exports it. It imports
// nothing from this module, so it is safe for
// every internal package to import without risking an import cycle back
// through the public API.
package kerr

import (
	"errors"
	"fmt"
)

// Code is a high-level error category, matching the error kinds named in
// the transport's error handling design.
type Code string

const (
	CodeInvalidArgs       Code = "invalid_args"
	CodeOutOfRange        Code = "out_of_range"
	CodeNoResources       Code = "no_resources"
	CodeUnavailable       Code = "unavailable"
	CodeBadState          Code = "bad_state"
	CodeNotFound          Code = "not_found"
	CodeAlreadyExists     Code = "already_exists"
	CodeIoDataIntegrity   Code = "io_data_integrity"
	CodeTimedOut          Code = "timed_out"
	CodeConnectionAborted Code = "connection_aborted"
)

// Error is a structured error carrying the failing operation, its category,
// an optional human message, and an optional wrapped cause.
type Error struct {
	Op    string
	Code  Code
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("msgbuf: %s: %s (%s)", e.Op, msg, e.Code)
	}
	return fmt.Sprintf("msgbuf: %s (%s)", msg, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// New builds a structured error with no wrapped cause.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// Wrap attaches op and code to an existing error, preserving it as the
// unwrap chain's cause.
func Wrap(op string, code Code, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ie, ok := inner.(*Error); ok && ie.Op == "" {
		return &Error{Op: op, Code: code, Msg: ie.Msg, Inner: ie.Inner}
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// Is reports whether err is a *Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
