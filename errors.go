package mainmemory

import (
	"fmt"
	"strings"
	"syscall"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock signals a non-blocking queue operation that cannot
// proceed. A control-flow signal, not a failure; retry or back off.
var ErrWouldBlock = iox.ErrWouldBlock

// IsWouldBlock reports whether err indicates the operation would block.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeSinkClosed        ErrorCode = "sink closed"
	ErrCodeSinkAttached      ErrorCode = "sink already attached"
	ErrCodeInboxSaturated    ErrorCode = "async inbox saturated"
	ErrCodeTimerExhausted    ErrorCode = "timer identifiers exhausted"
	ErrCodeIOError           ErrorCode = "I/O error"
	ErrCodeBackend           ErrorCode = "event backend failure"
	ErrCodeCanceled          ErrorCode = "canceled"
)

// Error is a structured runtime error with context and errno mapping.
type Error struct {
	Op    string        // operation that failed (e.g. "register_fd", "arm_timer")
	Ctx   int           // context index (-1 if not applicable)
	FD    int           // file descriptor (-1 if not applicable)
	Code  ErrorCode     // high-level error category
	Errno syscall.Errno // kernel errno (0 if not applicable)
	Msg   string        // human-readable message
	Inner error         // wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Ctx >= 0 {
		parts = append(parts, fmt.Sprintf("ctx=%d", e.Ctx))
	}
	if e.FD >= 0 {
		parts = append(parts, fmt.Sprintf("fd=%d", e.FD))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("mainmemory: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("mainmemory: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches errors by category.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Ctx: -1, FD: -1, Code: code, Msg: msg}
}

// WrapError wraps an inner error with runtime context
func WrapError(op string, code ErrorCode, inner error) *Error {
	e := &Error{Op: op, Ctx: -1, FD: -1, Code: code, Inner: inner}
	if errno, ok := inner.(syscall.Errno); ok {
		e.Errno = errno
	}
	return e
}

// WithContext attaches the context index.
func (e *Error) WithContext(ctx int) *Error {
	e.Ctx = ctx
	return e
}

// WithFD attaches the file descriptor.
func (e *Error) WithFD(fd int) *Error {
	e.FD = fd
	return e
}
