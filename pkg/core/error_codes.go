package core

import "errors"

// ErrorCode represents an exchange-independent error identifier.
type ErrorCode string

// Error code constants define standardized error identifiers across all exchanges.
const (
	ErrCodeNetwork     ErrorCode = "NETWORK_ERROR"
	ErrCodeTimeout     ErrorCode = "TIMEOUT"
	ErrCodeRateLimit   ErrorCode = "RATE_LIMIT"
	ErrCodeAuth        ErrorCode = "AUTH_ERROR"
	ErrCodeBadRequest  ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound    ErrorCode = "NOT_FOUND"
	ErrCodeServerError ErrorCode = "SERVER_ERROR"

	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Client state errors
	ErrCodeClientClosed ErrorCode = "CLIENT_CLOSED"

	// Stream errors
	ErrCodeStreamClosed     ErrorCode = "STREAM_CLOSED"
	ErrCodeStreamExpired    ErrorCode = "STREAM_EXPIRED"
	ErrCodeNotConnected     ErrorCode = "NOT_CONNECTED"
	ErrCodeInvalidListenKey ErrorCode = "INVALID_LISTEN_KEY"

	// Circuit breaker errors
	ErrCodeCircuitBreaker ErrorCode = "CIRCUIT_BREAKER_OPEN"

	// Credential errors
	ErrCodeNoCredentials     ErrorCode = "NO_CREDENTIALS"
	ErrCodeCredentialsClosed ErrorCode = "CREDENTIALS_CLOSED"

	ErrCodeUnsupported ErrorCode = "UNSUPPORTED_METHOD"
)

// IsErrorCode checks if the error matches the specified error code.
func IsErrorCode(err error, code ErrorCode) bool {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return ErrorCode(exErr.Code) == code
	}
	return false
}
