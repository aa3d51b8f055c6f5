package payment

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeValidation          ErrorCode = "VALIDATION_ERROR"
	CodeConfiguration       ErrorCode = "CONFIGURATION_ERROR"
	CodeProviderRejected    ErrorCode = "PROVIDER_REJECTED"
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeCallback            ErrorCode = "CALLBACK_ERROR"
	CodeSignatureInvalid    ErrorCode = "SIGNATURE_INVALID"
	CodeStorage             ErrorCode = "STORAGE_ERROR"
)

// Error is the coded error returned across the package boundary. Message is
// safe to show to callers; Err is for logs only.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, message string, details map[string]any, err error) *Error {
	return &Error{Code: code, Message: message, Details: details, Err: err}
}

func validationError(field, message string) *Error {
	return newError(CodeValidation, message, map[string]any{"field": field}, nil)
}

// CodeOf returns the code of a wrapped *Error, or STORAGE_ERROR for anything
// unrecognised.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeStorage
}
