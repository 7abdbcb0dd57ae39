package engine

import (
	"errors"
	"fmt"
)

// Code is a caller-facing error code.
type Code string

const (
	CodeInternal                  Code = "PLUGIN_INTERNAL"
	CodeNotFound                  Code = "GEOFENCE_NOT_FOUND"
	CodeMissingLocation           Code = "MISSING_LOCATION_PERMISSION"
	CodeMissingBackgroundLocation Code = "MISSING_BACKGROUND_LOCATION_PERMISSION"
	CodeInvalidArguments          Code = "INVALID_ARGUMENTS"
	CodeCallbackNotInitialized    Code = "CALLBACK_NOT_INITIALIZED"
)

// Error is returned by caller-initiated operations.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrInternal                  = &Error{Code: CodeInternal}
	ErrNotFound                  = &Error{Code: CodeNotFound}
	ErrMissingLocation           = &Error{Code: CodeMissingLocation}
	ErrMissingBackgroundLocation = &Error{Code: CodeMissingBackgroundLocation}
	ErrInvalidArguments          = &Error{Code: CodeInvalidArguments}
	ErrCallbackNotInitialized    = &Error{Code: CodeCallbackNotInitialized}
)

// CodeOf returns the caller code carried by err, or PLUGIN_INTERNAL.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func newError(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}
