package exchange

import (
	"errors"
	"fmt"
)

// ErrorType classifies exchange failures for retry and health decisions
type ErrorType string

const (
	ErrNetwork   ErrorType = "network"
	ErrRateLimit ErrorType = "rate_limit"
	ErrStatus    ErrorType = "status"
	ErrDecode    ErrorType = "decode"
)

// Error is returned by every Client call that fails.
type Error struct {
	Type     ErrorType
	Endpoint string
	Message  string
	Code     int // HTTP status for ErrStatus
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Type, e.Endpoint, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Endpoint, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	switch e.Type {
	case ErrNetwork, ErrRateLimit:
		return true
	case ErrStatus:
		return e.Code >= 500
	}
	return false
}

func newNetworkError(endpoint, message string, cause error) *Error {
	return &Error{Type: ErrNetwork, Endpoint: endpoint, Message: message, Cause: cause}
}

func newRateLimitError(endpoint, message string) *Error {
	return &Error{Type: ErrRateLimit, Endpoint: endpoint, Message: message}
}

func newStatusError(endpoint string, code int, body string) *Error {
	return &Error{Type: ErrStatus, Endpoint: endpoint, Code: code, Message: fmt.Sprintf("HTTP %d: %s", code, body)}
}

func newDecodeError(endpoint, message string, cause error) *Error {
	return &Error{Type: ErrDecode, Endpoint: endpoint, Message: message, Cause: cause}
}

// IsType reports whether err is an exchange Error of type t.
func IsType(err error, t ErrorType) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == t
}
