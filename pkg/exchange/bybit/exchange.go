package bybit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"saldo/internal/circuitbreaker"
	httpClient "saldo/internal/http"
	"saldo/internal/ratelimit"
	"saldo/internal/ws"
	"saldo/pkg/core"
	"saldo/pkg/exchange"
	"saldo/pkg/stream"
)

var _ exchange.Exchange = (*Client)(nil)

// Client reads Bybit unified-account wallet balances over REST and opens
// the private wallet stream.
type Client struct {
	config      *core.Config
	protocol    *Protocol
	httpClient  *httpClient.Client
	limiter     *ratelimit.RateLimiter
	breaker     *circuitbreaker.Breaker
	logger      zerolog.Logger
	now         func() time.Time
	streamURL   string
	accountType string
}

// Option is a functional option for configuring the Client.
type Option func(*Options)

// Options holds configuration options for the Client.
type Options struct {
	Logger zerolog.Logger
	Clock  func() time.Time
	// AccountType selects the wallet: UNIFIED (default) or CONTRACT.
	AccountType string
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Clock = now
	}
}

func WithAccountType(accountType string) Option {
	return func(o *Options) {
		o.AccountType = strings.ToUpper(accountType)
	}
}

// New creates a Client from config.
func New(config *core.Config, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	options := &Options{
		Logger:      zerolog.Nop(),
		Clock:       time.Now,
		AccountType: "UNIFIED",
	}
	for _, opt := range opts {
		opt(options)
	}

	protocol := NewProtocol(config.RecvWindow)
	logger := options.Logger.With().Str("exchange", protocol.Name()).Logger()

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = protocol.BaseURL(config.Sandbox)
	}
	streamURL := config.StreamURL
	if streamURL == "" {
		streamURL = protocol.StreamURL(config.Sandbox)
	}

	hc, err := httpClient.NewClient(&httpClient.Config{
		BaseURL:      baseURL,
		Timeout:      config.Timeout,
		MaxRetries:   config.MaxRetries,
		RetryWaitMin: config.RetryWaitMin,
		RetryWaitMax: config.RetryWaitMax,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create http client: %w", err)
	}

	var rl *ratelimit.RateLimiter
	if config.RateLimitRequests > 0 {
		limits := protocol.RateLimits()
		rl = ratelimit.New(min(config.RateLimitRequests, limits.WeightPerMinute), config.RateLimitPeriod)
	}

	var cb *circuitbreaker.Breaker
	if config.CircuitBreakerEnabled {
		cb = circuitbreaker.New(circuitbreaker.Config{
			FailThreshold:    config.CircuitBreakerFailThreshold,
			SuccessThreshold: config.CircuitBreakerSuccessThreshold,
			Timeout:          config.CircuitBreakerTimeout,
		})
	}

	return &Client{
		config:      config,
		protocol:    protocol,
		httpClient:  hc,
		limiter:     rl,
		breaker:     cb,
		logger:      logger,
		now:         options.Clock,
		streamURL:   strings.TrimRight(streamURL, "/"),
		accountType: options.AccountType,
	}, nil
}

func (c *Client) Name() string {
	return c.protocol.Name()
}

func (c *Client) Version() string {
	return c.protocol.Version()
}

func (c *Client) Close() error {
	return c.httpClient.Close()
}

// GetAccount fetches every coin of the configured wallet. Zero balances are
// dropped when the config asks for it, since the endpoint has no such filter.
func (c *Client) GetAccount(ctx context.Context, creds *core.Credentials) (*core.Account, error) {
	result, err := c.execute(ctx, core.OpGetAccount, core.Params{"accountType": c.accountType}, creds)
	if err != nil {
		return nil, err
	}
	account, ok := result.(*core.Account)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", result)
	}
	if c.config.OmitZeroBalances {
		return dropEmpty(account)
	}
	return account, nil
}

func dropEmpty(acc *core.Account) (*core.Account, error) {
	kept := make([]core.Balance, 0, acc.Len())
	for _, b := range acc.Balances() {
		if !b.Free.IsZero() || !b.Locked.IsZero() {
			kept = append(kept, b)
		}
	}
	return core.NewAccount(acc.Sequence(), acc.UpdatedAt(), kept)
}

// OpenFeed connects to the private stream, authenticates and subscribes to
// the wallet topic. An authentication failure is returned as such.
func (c *Client) OpenFeed(ctx context.Context, creds *core.Credentials) (stream.Feed, error) {
	if creds == nil {
		return nil, core.ErrNoCredentials
	}
	args, err := streamAuthArgs(creds, c.now().Add(c.config.RecvWindow))
	if err != nil {
		return nil, err
	}

	conn, err := ws.Dial(ctx, ws.Config{URL: c.streamURL, ReadTimeout: time.Minute}, c.logger)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, core.NewExchangeError(c.Name(), core.ErrorTypeNetwork, 0, "connect private stream").
			WithCode(core.ErrCodeNetwork).
			WithCause(err)
	}

	hctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	if _, err := c.handshake(hctx, conn, "auth", args); err != nil {
		_ = conn.Close()
		return nil, err
	}
	pending, err := c.handshake(hctx, conn, "subscribe", []any{"wallet"})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return newWalletStream(c, conn, pending), nil
}

func (c *Client) execute(ctx context.Context, op core.Operation, params core.Params, creds *core.Credentials) (any, error) {
	if creds == nil {
		return nil, core.ErrNoCredentials
	}

	req, err := c.protocol.BuildRequest(ctx, op, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, req.Weight); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, c.transportError(ctxErr)
			}
			return nil, core.NewExchangeError(c.Name(), core.ErrorTypeRateLimit, 0, "rate limit wait").
				WithCode(core.ErrCodeRateLimit).
				WithRetryAfter(c.limiter.PenaltyRemaining()).
				WithCause(err)
		}
	}
	if err := c.protocol.SignRequest(req, creds, c.now()); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, core.NewExchangeError(c.Name(), core.ErrorTypeServerError, 0, "circuit breaker open").
			WithCode(core.ErrCodeCircuitBreaker).
			WithCause(core.ErrCircuitBreakerOpen)
	}

	resp, err := c.httpClient.Do(ctx, req)
	if err != nil {
		err = c.transportError(err)
		if c.breaker != nil {
			c.breaker.Record(err)
		}
		return nil, err
	}

	result, err := c.protocol.ParseResponse(op, resp)
	if c.breaker != nil {
		c.breaker.Record(err)
	}
	if err != nil {
		if core.IsRateLimitError(err) && c.limiter != nil {
			c.limiter.Penalize(max(core.RetryAfter(err), time.Second))
		}
		c.logger.Debug().Err(err).Str("op", op.String()).Msg("request rejected")
		return nil, err
	}
	return result, nil
}

func (c *Client) transportError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, core.ErrClientClosed):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return core.NewExchangeError(c.Name(), core.ErrorTypeTimeout, 0, "request timed out").
			WithCode(core.ErrCodeTimeout).
			WithCause(err)
	default:
		return core.NewExchangeError(c.Name(), core.ErrorTypeNetwork, 0, err.Error()).
			WithCode(core.ErrCodeNetwork).
			WithCause(err)
	}
}

// Register creates a Client and registers it with the container.
func Register(container *exchange.Container, config *core.Config, opts ...Option) error {
	client, err := New(config, opts...)
	if err != nil {
		return fmt.Errorf("create bybit client: %w", err)
	}
	container.Register(client.Name(), client)
	return nil
}
