package errs

import (
	"errors"
	"fmt"
)

// Code classifies a harness failure.
type Code string

const (
	// Auth means an admin credential exchange was rejected.
	Auth Code = "auth"
	// Provisioning means an admin API call returned a non-success status.
	Provisioning Code = "provisioning"
	// Timeout means a polled remote state never became observable.
	Timeout Code = "timeout"

	InvalidArgument Code = "invalid_argument"
	NotFound        Code = "not_found"
	Unavailable     Code = "unavailable"
	Internal        Code = "internal"
)

// Error is a coded harness error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// HTTPStatusError records a non-success admin API response.
type HTTPStatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: status %d - %s", e.Op, e.Status, e.Body)
}

// New creates a coded error with message.
func New(code Code, message string) error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a coded error with message and cause.
func Wrap(code Code, message string, cause error) error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// Status creates a coded error for a failed HTTP call. The body must already be redacted.
func Status(code Code, op string, status int, body string) error {
	return &Error{
		Code: code,
		Err:  &HTTPStatusError{Op: op, Status: status, Body: body},
	}
}

// CodeOf returns the error code, defaulting to internal.
func CodeOf(err error) Code {
	if err == nil {
		return Internal
	}
	var coded *Error
	if errors.As(err, &coded) {
		if coded.Code == "" {
			return Internal
		}
		return coded.Code
	}
	return Internal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	for err != nil {
		var coded *Error
		if !errors.As(err, &coded) {
			return false
		}
		if coded.Code == code {
			return true
		}
		err = coded.Err
	}
	return false
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	return 0
}

// MessageOf returns the outermost coded message, or the error text.
func MessageOf(err error) string {
	if err == nil {
		return string(Internal)
	}
	var coded *Error
	if errors.As(err, &coded) && coded.Message != "" {
		return coded.Message
	}
	return err.Error()
}
