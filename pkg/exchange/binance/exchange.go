package binance

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

// Client reads Binance spot account balances over REST and opens the
// account's user-data stream. Credentials are passed per call, so one
// Client serves any number of accounts.
type Client struct {
	config     *core.Config
	protocol   *Protocol
	httpClient *httpClient.Client
	limiter    *ratelimit.RateLimiter
	breaker    *circuitbreaker.Breaker
	logger     zerolog.Logger
	now        func() time.Time
	streamURL  string
}

// Option is a functional option for configuring the Client.
type Option func(*Options)

// Options holds configuration options for the Client.
type Options struct {
	Logger zerolog.Logger
	// Clock supplies the timestamp of signed requests.
	Clock func() time.Time
}

// WithLogger returns an option that sets the logger for the client.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithClock returns an option that overrides the signing clock.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Clock = now
	}
}

// New creates a Client from config. The rate limiter and circuit breaker are
// built from the config when enabled.
func New(config *core.Config, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	options := &Options{
		Logger: zerolog.Nop(),
		Clock:  time.Now,
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
		rl = ratelimit.New(config.RateLimitRequests, config.RateLimitPeriod)
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
		config:     config,
		protocol:   protocol,
		httpClient: hc,
		limiter:    rl,
		breaker:    cb,
		logger:     logger,
		now:        options.Clock,
		streamURL:  strings.TrimRight(streamURL, "/"),
	}, nil
}

func (c *Client) Name() string {
	return c.protocol.Name()
}

func (c *Client) Version() string {
	return c.protocol.Version()
}

// Close releases the HTTP client. Feeds already open keep their socket
// until they are closed.
func (c *Client) Close() error {
	return c.httpClient.Close()
}

// GetAccount fetches the complete balance snapshot of the account behind creds.
func (c *Client) GetAccount(ctx context.Context, creds *core.Credentials) (*core.Account, error) {
	params := core.Params{}
	if c.config.OmitZeroBalances {
		params["omitZeroBalances"] = true
	}

	result, err := c.execute(ctx, core.OpGetAccount, params, creds)
	if err != nil {
		return nil, err
	}
	account, ok := result.(*core.Account)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", result)
	}
	return account, nil
}

// CreateListenKey opens a user-data stream and returns its listen key.
func (c *Client) CreateListenKey(ctx context.Context, creds *core.Credentials) (string, error) {
	result, err := c.execute(ctx, core.OpStartUserStream, nil, creds)
	if err != nil {
		return "", err
	}
	key, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected response type: %T", result)
	}
	return key, nil
}

// KeepAliveListenKey extends the listen key's validity by 60 minutes.
func (c *Client) KeepAliveListenKey(ctx context.Context, creds *core.Credentials, listenKey string) error {
	_, err := c.execute(ctx, core.OpKeepAliveUserStream, core.Params{"listenKey": listenKey}, creds)
	return err
}

// CloseListenKey invalidates the listen key and ends its stream server-side.
func (c *Client) CloseListenKey(ctx context.Context, creds *core.Credentials, listenKey string) error {
	_, err := c.execute(ctx, core.OpCloseUserStream, core.Params{"listenKey": listenKey}, creds)
	return err
}

// OpenFeed creates a listen key and connects to its user-data stream.
func (c *Client) OpenFeed(ctx context.Context, creds *core.Credentials) (stream.Feed, error) {
	listenKey, err := c.CreateListenKey(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("create listen key: %w", err)
	}

	conn, err := ws.Dial(ctx, ws.Config{
		URL:          c.streamURL + "/" + listenKey,
		PingInterval: 3 * time.Minute,
	}, c.logger)
	if err != nil {
		c.closeListenKey(creds, listenKey)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, core.NewExchangeError(c.Name(), core.ErrorTypeNetwork, 0, "connect user stream").
			WithCode(core.ErrCodeNetwork).
			WithCause(err)
	}

	return newUserStream(c, creds, listenKey, conn), nil
}

// closeListenKey releases a listen key on a detached context bounded by the
// client timeout. Failures are only logged; the key expires on its own.
func (c *Client) closeListenKey(creds *core.Credentials, listenKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()
	if err := c.CloseListenKey(ctx, creds, listenKey); err != nil {
		c.logger.Debug().Err(err).Msg("close listen key failed")
	}
}

func (c *Client) execute(ctx context.Context, op core.Operation, params core.Params, creds *core.Credentials) (any, error) {
	if creds == nil {
		return nil, core.ErrNoCredentials
	}

	req, err := c.protocol.BuildRequest(ctx, op, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.doRequest(ctx, req, creds)
	if err != nil {
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

// doRequest spends the request weight, signs and sends req. Signing happens
// after the rate limit wait so the timestamp stays inside recvWindow.
func (c *Client) doRequest(ctx context.Context, req *core.Request, creds *core.Credentials) (*core.Response, error) {
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
	return resp, nil
}

// transportError classifies a failure that produced no HTTP response.
// Cancellation is passed through untouched.
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
		return fmt.Errorf("create binance client: %w", err)
	}
	container.Register(client.Name(), client)
	return nil
}
