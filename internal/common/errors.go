package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Pipeline error taxonomy. Callers match with errors.Is.
var (
	ErrValidation             = errors.New("validation failed")
	ErrStoreNotFound          = errors.New("table not found")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrLedgerKeyNotFound      = errors.New("ledger key not found")
	ErrExternalDispatch       = errors.New("external dispatch failed")
	ErrConfiguration          = errors.New("configuration error")
	ErrMalformedSchema        = errors.New("malformed schema")
	ErrInvalidTransition      = errors.New("invalid status transition")
)

// Error codes carried by AppError.
const (
	CodeConfig     = "CONFIG_ERROR"
	CodeDispatch   = "DISPATCH_ERROR"
	CodeValidation = "VALIDATION_ERROR"
	CodeStore      = "STORE_ERROR"
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// DispatchError wraps a decision-engine failure so it matches ErrExternalDispatch.
func DispatchError(message string, cause error) error {
	if cause == nil {
		return NewAppError(CodeDispatch, message, ErrExternalDispatch)
	}
	return NewAppError(CodeDispatch, message, errors.Join(ErrExternalDispatch, cause))
}

// ExitCode maps a pipeline error to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfiguration):
		return 2
	default:
		return 1
	}
}
