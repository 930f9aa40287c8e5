// Package models defines shared error codes and structured errors for tandem.
package models

import "fmt"

// ErrorCode represents a tandem error code.
type ErrorCode string

// Error codes for query processing.
const (
	// Timeout and availability errors
	ErrTimeout              ErrorCode = "E_TIMEOUT"
	ErrRetrievalUnavailable ErrorCode = "E_RETRIEVAL_UNAVAILABLE"
	ErrLLMUnavailable       ErrorCode = "E_LLM_UNAVAILABLE"
	ErrCacheUnavailable     ErrorCode = "E_CACHE_UNAVAILABLE"

	// Path errors
	ErrPathFailed      ErrorCode = "E_PATH_FAILED"
	ErrBothPathsFailed ErrorCode = "E_BOTH_PATHS_FAILED"

	// Admission errors
	ErrRateLimited  ErrorCode = "E_RATE_LIMITED"
	ErrInvalidInput ErrorCode = "E_INVALID_INPUT"

	// Configuration errors
	ErrConfigInvalid  ErrorCode = "E_CONFIG_INVALID"
	ErrConfigNotFound ErrorCode = "E_CONFIG_NOT_FOUND"

	// Store errors
	ErrSessionUnavailable ErrorCode = "E_SESSION_UNAVAILABLE"
)

// Kind returns the short lowercase category used in chunk metadata
// (e.g. "timeout", "rate_limited"). It strips the E_ prefix.
func (c ErrorCode) Kind() string {
	s := string(c)
	if len(s) > 2 && s[:2] == "E_" {
		s = s[2:]
	}
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch >= 'A' && ch <= 'Z' {
			ch += 'a' - 'A'
		}
		out[i] = ch
	}
	return string(out)
}

// TandemError represents a structured error with code and context.
type TandemError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *TandemError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *TandemError) Unwrap() error {
	return e.Cause
}

// NewError creates a TandemError with the given code and message.
func NewError(code ErrorCode, message string) *TandemError {
	return &TandemError{Code: code, Message: message}
}

// WrapError creates a TandemError wrapping a cause.
func WrapError(code ErrorCode, message string, cause error) *TandemError {
	return &TandemError{Code: code, Message: message, Cause: cause}
}

// WithDetail adds a detail field to the error.
func (e *TandemError) WithDetail(key string, value interface{}) *TandemError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the ErrorCode from an error chain, or ErrPathFailed
// if the error carries no code.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if te, ok := err.(*TandemError); ok {
			return te.Code
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return ErrPathFailed
		}
		err = u.Unwrap()
	}
	return ErrPathFailed
}
