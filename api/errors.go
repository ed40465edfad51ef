// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for evws.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrInvalidOption     = errors.New("invalid option value")
	ErrTLSUnsupported    = errors.New("TLS support is not compiled in")
	ErrNotConnected      = errors.New("connection is not connected")
	ErrInvalidIO         = errors.New("http io is no longer valid")
	ErrHandlerAlreadySet = errors.New("handler already set")
	ErrContractViolation = errors.New("api contract violation")
	ErrAlreadyStarted    = errors.New("server already started")
	ErrBackpressure      = errors.New("backpressure limit exceeded")
	ErrNotSupported      = errors.New("operation not supported on this platform")
	ErrLoopClosed        = errors.New("event loop is closed")
	ErrTransportClosed   = errors.New("transport is closed")
)

// ErrorCode classifies an Error.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidOption
	ErrCodeContract
	ErrCodeInvalidIO
	ErrCodeTransport
	ErrCodeNotSupported
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidOption:
		return "invalid_option"
	case ErrCodeContract:
		return "contract"
	case ErrCodeInvalidIO:
		return "invalid_io"
	case ErrCodeTransport:
		return "transport"
	case ErrCodeNotSupported:
		return "not_supported"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error is a structured error carrying a code, the failing operation and
// the sentinel it unwraps to.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Message != "":
		return fmt.Sprintf("evws: %s: %s", e.Op, e.Message)
	case e.Op != "":
		return fmt.Sprintf("evws: %s: %v", e.Op, e.Err)
	case e.Message != "":
		return "evws: " + e.Message
	default:
		return fmt.Sprintf("evws: %v", e.Err)
	}
}

// Unwrap returns the sentinel for errors.Is.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error.
func NewError(code ErrorCode, op string, err error, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Code: code, Op: op, Message: msg, Err: err}
}

// OptionError reports an invalid value passed to an option setter.
func OptionError(option string, format string, args ...any) *Error {
	return NewError(ErrCodeInvalidOption, option, ErrInvalidOption, format, args...)
}

// ContractError reports a misuse of the API detected at the call site.
func ContractError(op string, format string, args ...any) *Error {
	return NewError(ErrCodeContract, op, ErrContractViolation, format, args...)
}

// CodeOf returns the ErrorCode of err, or ErrCodeOK when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeOK
}
