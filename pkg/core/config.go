package core

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config contains all configuration options for an exchange client.
// It includes networking, rate limiting, circuit breaker and user-stream settings.
// Credentials are not part of Config; they are passed to each operation.
type Config struct {
	Exchange string `json:"exchange" validate:"required"`
	Sandbox  bool   `json:"sandbox"`

	// BaseURL and StreamURL override the protocol's endpoints when set.
	BaseURL   string `json:"base_url" validate:"omitempty,url"`
	StreamURL string `json:"stream_url" validate:"omitempty,url"`

	// Timeout is the maximum duration for HTTP requests.
	Timeout      time.Duration `json:"timeout" validate:"min=1ms"`
	MaxRetries   int           `json:"max_retries" validate:"min=0"`
	RetryWaitMin time.Duration `json:"retry_wait_min" validate:"min=0"`
	RetryWaitMax time.Duration `json:"retry_wait_max" validate:"min=0"`

	// RecvWindow bounds how long a signed request stays valid on the server.
	RecvWindow time.Duration `json:"recv_window" validate:"min=1ms,max=60s"`

	// RateLimitRequests is the request-weight budget per RateLimitPeriod.
	RateLimitRequests int           `json:"rate_limit_requests" validate:"min=1"`
	RateLimitPeriod   time.Duration `json:"rate_limit_period" validate:"min=1ms"`

	CircuitBreakerEnabled          bool          `json:"circuit_breaker_enabled"`
	CircuitBreakerFailThreshold    int           `json:"circuit_breaker_fail_threshold"`
	CircuitBreakerSuccessThreshold int           `json:"circuit_breaker_success_threshold"`
	CircuitBreakerTimeout          time.Duration `json:"circuit_breaker_timeout"`

	// KeepAliveInterval is how often a user-stream listen key is refreshed.
	KeepAliveInterval time.Duration `json:"keepalive_interval" validate:"min=1ms"`
	// OmitZeroBalances asks the exchange to leave empty assets out of snapshots.
	OmitZeroBalances bool `json:"omit_zero_balances"`

	LogLevel string `json:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// DefaultConfig returns a Config initialized with sensible defaults for the specified exchange.
// Default values: 10s timeout, 3 retries, 100ms-1s retry wait, 5s recv window,
// 6000 weight/min, circuit breaker with 5 failures/2 successes/30s timeout,
// 30m listen-key keepalive.
func DefaultConfig(exchange string) *Config {
	return &Config{
		Exchange:     exchange,
		Sandbox:      false,
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RetryWaitMin: 100 * time.Millisecond,
		RetryWaitMax: 1 * time.Second,
		RecvWindow:   5 * time.Second,

		RateLimitRequests: 6000,
		RateLimitPeriod:   time.Minute,

		CircuitBreakerEnabled:          true,
		CircuitBreakerFailThreshold:    5,
		CircuitBreakerSuccessThreshold: 2,
		CircuitBreakerTimeout:          30 * time.Second,

		KeepAliveInterval: 30 * time.Minute,

		LogLevel: "info",
	}
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.RetryWaitMax < c.RetryWaitMin {
		return errors.New("RetryWaitMax must not be less than RetryWaitMin")
	}
	if c.CircuitBreakerEnabled {
		if c.CircuitBreakerFailThreshold <= 0 {
			return errors.New("CircuitBreakerFailThreshold must be positive when enabled")
		}
		if c.CircuitBreakerSuccessThreshold <= 0 {
			return errors.New("CircuitBreakerSuccessThreshold must be positive when enabled")
		}
		if c.CircuitBreakerTimeout <= 0 {
			return errors.New("CircuitBreakerTimeout must be positive when enabled")
		}
	}
	return nil
}

// WithSandbox enables or disables sandbox mode and returns the config for chaining.
func (c *Config) WithSandbox(sandbox bool) *Config {
	c.Sandbox = sandbox
	return c
}

// WithTimeout sets the request timeout and returns the config for chaining.
func (c *Config) WithTimeout(timeout time.Duration) *Config {
	c.Timeout = timeout
	return c
}

// WithRateLimit sets the rate limiting parameters and returns the config for chaining.
func (c *Config) WithRateLimit(requests int, period time.Duration) *Config {
	c.RateLimitRequests = requests
	c.RateLimitPeriod = period
	return c
}

// WithEndpoints overrides the REST and stream base URLs and returns the config for chaining.
func (c *Config) WithEndpoints(baseURL, streamURL string) *Config {
	c.BaseURL = baseURL
	c.StreamURL = streamURL
	return c
}

// WithRecvWindow sets the signed-request validity window and returns the config for chaining.
func (c *Config) WithRecvWindow(window time.Duration) *Config {
	c.RecvWindow = window
	return c
}

// WithKeepAlive sets the listen-key refresh interval and returns the config for chaining.
func (c *Config) WithKeepAlive(interval time.Duration) *Config {
	c.KeepAliveInterval = interval
	return c
}
