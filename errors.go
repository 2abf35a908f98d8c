// Package msgbuf implements a brcmfmac-style MSGBUF ring transport: a set
// of fixed DMA rings plus per-destination flow rings layered over them, for
// talking to a PCIe wireless chipset's firmware without depending on any
// particular bus backend.
package msgbuf

import "github.com/brcmfmac/msgbuf/internal/kerr"

// Code is a high-level error category shared by every layer of the
// transport, from DMA buffer allocation up through ioctl and flow ring
// failures.
type Code = kerr.Code

// Error codes every exported operation may return. See the corresponding
// operation's doc comment for which codes it actually produces.
const (
	CodeInvalidArgs       = kerr.CodeInvalidArgs
	CodeOutOfRange        = kerr.CodeOutOfRange
	CodeNoResources       = kerr.CodeNoResources
	CodeUnavailable       = kerr.CodeUnavailable
	CodeBadState          = kerr.CodeBadState
	CodeNotFound          = kerr.CodeNotFound
	CodeAlreadyExists     = kerr.CodeAlreadyExists
	CodeIoDataIntegrity   = kerr.CodeIoDataIntegrity
	CodeTimedOut          = kerr.CodeTimedOut
	CodeConnectionAborted = kerr.CodeConnectionAborted
)

// Error is the structured error type returned by every exported operation
// in this package: an operation name, a Code, an optional message, and an
// optional wrapped cause.
type Error = kerr.Error

// NewError builds a structured error with no wrapped cause.
func NewError(op string, code Code, msg string) *Error {
	return kerr.New(op, code, msg)
}

// WrapError attaches op and code to an existing error, preserving it as the
// unwrap chain's cause. Returns nil if inner is nil.
func WrapError(op string, code Code, inner error) *Error {
	return kerr.Wrap(op, code, inner)
}

// IsCode reports whether err is an *Error with the given code, unwrapping
// as errors.Is does.
func IsCode(err error, code Code) bool {
	return kerr.Is(err, code)
}
