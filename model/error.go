package model

import (
	"fmt"
)

const (
	ErrCodeUnknownError = 1
)

var (
	ErrInvalidConfig = &Error{
		Code:        100,
		Description: "invalid subscription configuration",
	}

	ErrInvalidFilter = &Error{
		Code:        101,
		Description: "invalid topic filter",
	}

	ErrInvalidDemand = &Error{
		Code:        102,
		Description: "demand must be positive",
	}

	ErrRegistrationFailed = &Error{
		Code:        103,
		Description: "unable to register with message source",
	}

	ErrSourceClosed = &Error{
		Code:        104,
		Description: "message source closed",
	}

	ErrRegistryClosed = &Error{
		Code:        105,
		Description: "subscription registry closed",
	}

	ErrUnknownOperation = &Error{
		Code:        106,
		Description: "unknown operation",
	}

	ErrDuplicateSubscription = &Error{
		Code:        107,
		Description: "subscription id already in use",
	}
)

// Error is a typed error reported to stream consumers. Errors that wrap an underlying cause
// keep the Code of the sentinel they were derived from, so callers can compare with Is.
type Error struct {
	Code        uint8
	Description string
	cause       error
}

func (err *Error) Error() string {
	if err.cause != nil {
		return fmt.Sprintf("%d|%s: %v", err.Code, err.Description, err.cause)
	}
	return fmt.Sprintf("%d|%s", err.Code, err.Description)
}

// WithError returns a copy of this Error carrying the given cause.
func (err *Error) WithError(cause error) *Error {
	return &Error{
		Code:        err.Code,
		Description: err.Description,
		cause:       cause,
	}
}

// WithDescription returns a copy of this Error with additional detail appended to its description.
func (err *Error) WithDescription(detail string) *Error {
	return &Error{
		Code:        err.Code,
		Description: err.Description + ": " + detail,
		cause:       err.cause,
	}
}

// Is reports whether target is an *Error with the same Code.
func (err *Error) Is(target error) bool {
	typed, ok := target.(*Error)
	return ok && typed.Code == err.Code
}

func (err *Error) Unwrap() error {
	return err.cause
}

func TypedError(err error) *Error {
	typed, ok := err.(*Error)
	if ok {
		return typed
	}
	return &Error{Code: ErrCodeUnknownError, Description: err.Error()}
}
