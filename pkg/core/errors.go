package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the category of an exchange error.
type ErrorType int

// Error type constants categorize errors for proper handling and retry logic.
const (
	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeNetwork indicates a network connectivity issue.
	ErrorTypeNetwork
	// ErrorTypeTimeout indicates the request exceeded its deadline.
	ErrorTypeTimeout
	// ErrorTypeRateLimit indicates the exchange throttled the caller.
	ErrorTypeRateLimit
	// ErrorTypeAuthentication indicates invalid, expired or released credentials.
	ErrorTypeAuthentication
	// ErrorTypeBadRequest indicates invalid request parameters.
	ErrorTypeBadRequest
	// ErrorTypeNotFound indicates the requested resource does not exist.
	ErrorTypeNotFound
	// ErrorTypeServerError indicates a server-side error.
	ErrorTypeServerError
)

// String returns the string representation of the error type.
func (t ErrorType) String() string {
	if t < 0 || int(t) >= len(errorTypeNames) {
		return "UNKNOWN"
	}
	return errorTypeNames[t]
}

var errorTypeNames = [...]string{
	"UNKNOWN",
	"NETWORK",
	"TIMEOUT",
	"RATE_LIMIT",
	"AUTHENTICATION",
	"BAD_REQUEST",
	"NOT_FOUND",
	"SERVER_ERROR",
}

// Sentinel errors for common error conditions.
var (
	// ErrClientClosed is returned when attempting to use a closed client.
	ErrClientClosed = errors.New("client is closed")
	// ErrStreamClosed is returned when attempting to use a closed stream.
	ErrStreamClosed = errors.New("stream is closed")
	// ErrNotConnected is returned when WebSocket is not connected.
	ErrNotConnected = errors.New("websocket not connected")
	// ErrCircuitBreakerOpen is returned when circuit breaker is open.
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	// ErrNoCredentials is returned when an operation needs credentials and none were given.
	ErrNoCredentials = errors.New("no credentials configured")
	// ErrCacheClosed is returned by an account cache after Close.
	ErrCacheClosed = errors.New("account cache is closed")
	// ErrCredentialsClosed is returned when signing with released credentials.
	ErrCredentialsClosed = &ExchangeError{
		Type:    ErrorTypeAuthentication,
		Code:    string(ErrCodeCredentialsClosed),
		Message: "credentials have been released",
	}
)

// ExchangeError represents a structured error returned from an exchange.
// It provides detailed context for debugging and error handling.
type ExchangeError struct {
	// Type categorizes the error for programmatic handling.
	Type ErrorType `json:"type"`
	// StatusCode is the HTTP status code from the response, zero for transport failures.
	StatusCode int `json:"status_code"`
	// Code is the exchange-specific error code.
	Code string `json:"code"`
	// Message is the human-readable error description.
	Message string `json:"message"`
	// RawError contains the original error response for debugging.
	RawError any `json:"raw_error,omitempty"`
	// Exchange identifies which exchange returned this error.
	Exchange string `json:"exchange"`
	// Timestamp is when the error occurred.
	Timestamp time.Time `json:"timestamp"`
	// RetryAfter is the server's back-off hint for rate-limit errors.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Error implements the error interface for ExchangeError.
func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s (%d/%s): %s",
			e.Exchange, e.Type, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s (%d): %s",
		e.Exchange, e.Type, e.StatusCode, e.Message)
}

// Unwrap exposes an underlying Go error kept in RawError.
func (e *ExchangeError) Unwrap() error {
	if err, ok := e.RawError.(error); ok {
		return err
	}
	return nil
}

// WithCode sets the error code and returns the error for chaining.
func (e *ExchangeError) WithCode(code ErrorCode) *ExchangeError {
	e.Code = string(code)
	return e
}

// WithRetryAfter sets the back-off hint and returns the error for chaining.
func (e *ExchangeError) WithRetryAfter(d time.Duration) *ExchangeError {
	e.RetryAfter = d
	return e
}

// WithCause records the underlying error and returns the error for chaining.
func (e *ExchangeError) WithCause(err error) *ExchangeError {
	e.RawError = err
	return e
}

// NewExchangeError creates a new ExchangeError with the specified details.
// The timestamp is automatically set to the current time.
func NewExchangeError(exchange string, errorType ErrorType, statusCode int, message string) *ExchangeError {
	return &ExchangeError{
		Type:       errorType,
		StatusCode: statusCode,
		Message:    message,
		Exchange:   exchange,
		Timestamp:  time.Now(),
	}
}

// NewExchangeErrorWithCode creates a new ExchangeError including an exchange-specific error code.
func NewExchangeErrorWithCode(exchange string, errorType ErrorType, statusCode int, code, message string) *ExchangeError {
	return &ExchangeError{
		Type:       errorType,
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Exchange:   exchange,
		Timestamp:  time.Now(),
	}
}

func errorTypeOf(err error) (ErrorType, bool) {
	var e *ExchangeError
	if errors.As(err, &e) {
		return e.Type, true
	}
	return ErrorTypeUnknown, false
}

// IsNetworkError returns true if the error is a network connectivity issue.
func IsNetworkError(err error) bool {
	t, ok := errorTypeOf(err)
	return ok && t == ErrorTypeNetwork
}

// IsTimeoutError returns true if the error is a timeout.
func IsTimeoutError(err error) bool {
	t, ok := errorTypeOf(err)
	return ok && t == ErrorTypeTimeout
}

// IsRateLimitError returns true if the error is a rate limit violation.
// Rate limit errors should be retried after RetryAfter.
func IsRateLimitError(err error) bool {
	t, ok := errorTypeOf(err)
	return ok && t == ErrorTypeRateLimit
}

// IsAuthenticationError returns true if the error is an authentication failure.
// Authentication errors are never retried.
func IsAuthenticationError(err error) bool {
	t, ok := errorTypeOf(err)
	return ok && t == ErrorTypeAuthentication
}

// IsRetryable reports whether the operation that produced err may succeed
// if repeated later: network, timeout, server and rate-limit failures.
func IsRetryable(err error) bool {
	t, ok := errorTypeOf(err)
	if !ok {
		return false
	}
	switch t {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServerError, ErrorTypeRateLimit:
		return true
	default:
		return false
	}
}

// RetryAfter returns the server-provided back-off hint carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var e *ExchangeError
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
