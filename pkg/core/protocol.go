package core

import (
	"context"
	"time"
)

// RateLimitConfig defines rate limiting parameters for an exchange protocol.
type RateLimitConfig struct {
	// WeightPerMinute is the request-weight budget the exchange grants per minute.
	WeightPerMinute int `json:"weight_per_minute"`
	// Burst allows temporary exceeding of the steady rate.
	Burst int `json:"burst"`
}

// Protocol defines the interface for exchange-specific protocol implementations.
// Each exchange implements it to build requests, sign them and normalize responses.
type Protocol interface {
	// Name returns the exchange identifier (e.g., "binance").
	Name() string

	// Version returns the API version being used.
	Version() string

	// BaseURL returns the REST base URL for the given environment.
	BaseURL(sandbox bool) string

	// StreamURL returns the websocket base URL for the given environment.
	StreamURL(sandbox bool) string

	// BuildRequest constructs an HTTP request for the specified operation.
	BuildRequest(ctx context.Context, op Operation, params Params) (*Request, error)

	// ParseResponse deserializes the response and normalizes it to canonical types.
	ParseResponse(op Operation, resp *Response) (any, error)

	// SignRequest authenticates req according to req.Security.
	SignRequest(req *Request, creds *Credentials, now time.Time) error

	// SupportedOperations returns the list of operations this protocol supports.
	SupportedOperations() []Operation

	// RateLimits returns the rate limiting configuration for this exchange.
	RateLimits() RateLimitConfig
}
