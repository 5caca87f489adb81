// Package apperr defines the stable error codes returned to callers.
//
// Package-level sentinels in other packages are built with New so that
// handlers can branch on Code without knowing the originating package.
package apperr

import (
	"errors"
	"net/http"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeBroadcastFailed   Code = "BROADCAST_FAILED"
	CodeLedgerUnavailable Code = "LEDGER_UNAVAILABLE"
	CodeDuplicateEvent    Code = "DUPLICATE_EVENT"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Error carries a Code alongside a human-readable message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code. A target with
// an empty message matches any error of its code; otherwise the messages
// must match too, so package sentinels stay distinguishable.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// Kind sentinels match every error of their code.
var (
	ErrValidation        = &Error{Code: CodeValidation}
	ErrUnauthorized      = &Error{Code: CodeUnauthorized}
	ErrForbidden         = &Error{Code: CodeForbidden}
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrInsufficientFunds = &Error{Code: CodeInsufficientFunds}
	ErrBroadcastFailed   = &Error{Code: CodeBroadcastFailed}
	ErrLedgerUnavailable = &Error{Code: CodeLedgerUnavailable}
	ErrDuplicateEvent    = &Error{Code: CodeDuplicateEvent}
)

// New returns an error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap returns an error with the given code that wraps err.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// Validation is shorthand for a VALIDATION_ERROR with msg.
func Validation(msg string) *Error {
	return New(CodeValidation, msg)
}

// CodeOf returns the code of the outermost *Error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Retryable reports whether the caller may retry the same request unchanged.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeLedgerUnavailable, CodeBroadcastFailed:
		return true
	}
	return false
}

// HTTPStatus maps a code to its response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidTransition:
		return http.StatusConflict
	case CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case CodeBroadcastFailed:
		return http.StatusBadGateway
	case CodeLedgerUnavailable:
		return http.StatusServiceUnavailable
	case CodeDuplicateEvent:
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

// Message returns a caller-safe message for err. Internal errors are not
// echoed back.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
