// Package apperrors defines the client error taxonomy. Every failure that
// crosses a component boundary is an *Error carrying a Code, so callers can
// decide between showing it, retrying, or forcing a re-sign-in.
package apperrors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure.
type ErrorCode string

const (
	// CodeValidation marks malformed input caught before any I/O.
	CodeValidation ErrorCode = "VALIDATION_ERROR"

	// CodeAuth marks rejected sign-in credentials. Never retried.
	CodeAuth ErrorCode = "AUTH_ERROR"

	// CodeAccess marks a denied private-room join. The user may retry.
	CodeAccess ErrorCode = "ACCESS_ERROR"

	// CodeNetwork marks HTTP or transport failures on request/response calls.
	CodeNetwork ErrorCode = "NETWORK_ERROR"

	// CodeNotConnected marks a publish attempted while the channel is not connected.
	CodeNotConnected ErrorCode = "NOT_CONNECTED"

	// CodeAuthChannel marks a realtime connect rejected for its credential.
	CodeAuthChannel ErrorCode = "AUTH_CHANNEL_ERROR"

	// CodeTransport marks a realtime disconnect. Retried up to the budget.
	CodeTransport ErrorCode = "TRANSPORT_ERROR"

	// CodeMalformedPayload marks an inbound payload that failed normalization.
	CodeMalformedPayload ErrorCode = "MALFORMED_PAYLOAD"

	// CodeChannelFailed marks a channel that exhausted its retry budget.
	CodeChannelFailed ErrorCode = "CHANNEL_FAILED"

	// CodeConfig marks invalid configuration.
	CodeConfig ErrorCode = "CONFIG_ERROR"
)

// Error is a coded error with optional debugging context.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so sentinel values can be compared with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code && (other.Message == "" || other.Message == e.Message)
}

// WithContext attaches a key/value pair for logging.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IsRetryable reports whether the failure is absorbed by automatic retry.
func (e *Error) IsRetryable() bool {
	return e.Code == CodeTransport
}

// New creates an Error.
func New(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(CodeValidation, message, nil)
}

// Auth creates a sign-in error.
func Auth(message string, err error) *Error {
	return New(CodeAuth, message, err)
}

// Access creates a private-room access error.
func Access(message string, err error) *Error {
	return New(CodeAccess, message, err)
}

// Network creates a request/response transport error.
func Network(message string, err error) *Error {
	return New(CodeNetwork, message, err)
}

// NotConnected creates a publish-while-disconnected error.
func NotConnected(message string) *Error {
	return New(CodeNotConnected, message, nil)
}

// AuthChannel creates a realtime credential rejection.
func AuthChannel(message string, err error) *Error {
	return New(CodeAuthChannel, message, err)
}

// Transport creates a realtime transport error.
func Transport(message string, err error) *Error {
	return New(CodeTransport, message, err)
}

// MalformedPayload creates a payload normalization error.
func MalformedPayload(message string, err error) *Error {
	return New(CodeMalformedPayload, message, err)
}

// Config creates a configuration error.
func Config(message string, err error) *Error {
	return New(CodeConfig, message, err)
}

// CodeOf extracts the code from err, or "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *Error
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// IsRetryable reports whether err is a transient transport failure.
func IsRetryable(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.IsRetryable()
	}
	return false
}
