package provider

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies adapter failures into the closed taxonomy shared by the
// pipeline, the retry controller, and the account pool.
type Code string

const (
	CodeAuthentication  Code = "authentication"
	CodeQuotaExceeded   Code = "quota_exceeded"
	CodeContentFiltered Code = "content_filtered"
	CodeRateLimit       Code = "rate_limit"
	CodeJobNotFound     Code = "job_not_found"
	CodeUnsupported     Code = "unsupported_operation"
	CodeProvider        Code = "provider"
)

// Error is the typed failure every adapter call maps into. RetryAfter is only
// meaningful for rate_limit errors.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts a taxonomy error from an error chain.
func AsError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of an error, or CodeProvider for errors
// outside the taxonomy.
func CodeOf(err error) Code {
	if perr, ok := AsError(err); ok {
		return perr.Code
	}
	return CodeProvider
}

func NewAuthenticationError(message string) *Error {
	return &Error{Code: CodeAuthentication, Message: message}
}

func NewQuotaExceededError(message string) *Error {
	return &Error{Code: CodeQuotaExceeded, Message: message}
}

func NewContentFilteredError(message string) *Error {
	return &Error{Code: CodeContentFiltered, Message: message}
}

func NewRateLimitError(message string, retryAfter time.Duration) *Error {
	return &Error{Code: CodeRateLimit, Message: message, RetryAfter: retryAfter}
}

func NewJobNotFoundError(message string) *Error {
	return &Error{Code: CodeJobNotFound, Message: message}
}

func NewUnsupportedOperationError(message string) *Error {
	return &Error{Code: CodeUnsupported, Message: message}
}

func NewProviderError(message string, err error) *Error {
	return &Error{Code: CodeProvider, Message: message, Err: err}
}
