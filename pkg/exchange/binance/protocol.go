package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"saldo/pkg/core"
)

const (
	ProductionURL       = "https://api.binance.com"
	SandboxURL          = "https://testnet.binance.vision"
	ProductionStreamURL = "wss://stream.binance.com:9443/ws"
	SandboxStreamURL    = "wss://testnet.binance.vision/ws"

	apiKeyHeader = "X-MBX-APIKEY"

	accountPath    = "/api/v3/account"
	userStreamPath = "/api/v3/userDataStream"
)

// Protocol implements core.Protocol for the Binance spot REST API.
type Protocol struct {
	recvWindow time.Duration
}

// NewProtocol creates a Binance protocol that signs requests with recvWindow.
// A non-positive window falls back to 5s.
func NewProtocol(recvWindow time.Duration) *Protocol {
	if recvWindow <= 0 {
		recvWindow = 5 * time.Second
	}
	return &Protocol{recvWindow: recvWindow}
}

func (p *Protocol) Name() string {
	return "binance"
}

func (p *Protocol) Version() string {
	return "3"
}

// BaseURL returns the REST endpoint, the spot testnet when sandbox is set.
func (p *Protocol) BaseURL(sandbox bool) string {
	if sandbox {
		return SandboxURL
	}
	return ProductionURL
}

// StreamURL returns the raw websocket endpoint that listen keys are appended to.
func (p *Protocol) StreamURL(sandbox bool) string {
	if sandbox {
		return SandboxStreamURL
	}
	return ProductionStreamURL
}

func (p *Protocol) SupportedOperations() []core.Operation {
	return []core.Operation{
		core.OpGetAccount,
		core.OpStartUserStream,
		core.OpKeepAliveUserStream,
		core.OpCloseUserStream,
	}
}

// RateLimits returns the spot REST weight budget.
func (p *Protocol) RateLimits() core.RateLimitConfig {
	return core.RateLimitConfig{
		WeightPerMinute: 6000,
		Burst:           6000,
	}
}

// BuildRequest constructs the HTTP request for op. Listen-key operations
// other than OpStartUserStream require a "listenKey" param.
func (p *Protocol) BuildRequest(_ context.Context, op core.Operation, params core.Params) (*core.Request, error) {
	switch op {
	case core.OpGetAccount:
		return p.buildGetAccountRequest(params)
	case core.OpStartUserStream:
		return core.NewRequest(http.MethodPost, userStreamPath).
			SetSecurity(core.SecurityAPIKey).
			SetWeight(2), nil
	case core.OpKeepAliveUserStream:
		return p.buildListenKeyRequest(http.MethodPut, params)
	case core.OpCloseUserStream:
		return p.buildListenKeyRequest(http.MethodDelete, params)
	default:
		return nil, fmt.Errorf("unsupported operation: %s", op)
	}
}

func (p *Protocol) buildGetAccountRequest(params core.Params) (*core.Request, error) {
	req := core.NewRequest(http.MethodGet, accountPath).
		SetSecurity(core.SecuritySigned).
		SetWeight(20)

	if omit, ok := params["omitZeroBalances"].(bool); ok && omit {
		req.SetQuery("omitZeroBalances", "true")
	}
	return req, nil
}

func (p *Protocol) buildListenKeyRequest(method string, params core.Params) (*core.Request, error) {
	listenKey, err := getRequiredStringParam(params, "listenKey")
	if err != nil {
		return nil, err
	}
	return core.NewRequest(method, userStreamPath).
		SetQuery("listenKey", listenKey).
		SetSecurity(core.SecurityAPIKey).
		SetWeight(2), nil
}

// ParseResponse maps error statuses to *core.ExchangeError and decodes
// successful bodies: *core.Account for OpGetAccount, the listen key string
// for OpStartUserStream, nil otherwise.
func (p *Protocol) ParseResponse(op core.Operation, resp *core.Response) (any, error) {
	if resp == nil {
		return nil, errors.New("nil response")
	}
	if !resp.IsSuccess() {
		return nil, p.parseError(resp)
	}

	switch op {
	case core.OpGetAccount:
		var data binanceAccount
		if err := sonic.Unmarshal(resp.Body, &data); err != nil {
			return nil, fmt.Errorf("unmarshal account: %w", err)
		}
		return normalizeAccount(&data)
	case core.OpStartUserStream:
		var data binanceListenKey
		if err := sonic.Unmarshal(resp.Body, &data); err != nil {
			return nil, fmt.Errorf("unmarshal listen key: %w", err)
		}
		if data.ListenKey == "" {
			return nil, errors.New("empty listen key")
		}
		return data.ListenKey, nil
	case core.OpKeepAliveUserStream, core.OpCloseUserStream:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported operation: %s", op)
	}
}

func (p *Protocol) parseError(resp *core.Response) error {
	var apiErr binanceAPIError
	decoded := sonic.Unmarshal(resp.Body, &apiErr) == nil && apiErr.Code != 0

	var exErr *core.ExchangeError
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		msg := "request weight exceeded"
		if resp.StatusCode == http.StatusTeapot {
			msg = "ip banned for exceeding request weight"
		}
		if decoded {
			msg = apiErr.Msg
		}
		exErr = core.NewExchangeError(p.Name(), core.ErrorTypeRateLimit, resp.StatusCode, msg).
			WithCode(core.ErrCodeRateLimit).
			WithRetryAfter(parseRetryAfter(resp.Header.Get("Retry-After")))
	case decoded:
		exErr = core.NewExchangeErrorWithCode(
			p.Name(),
			mapBinanceErrorCode(resp.StatusCode, apiErr.Code),
			resp.StatusCode,
			strconv.Itoa(apiErr.Code),
			apiErr.Msg,
		)
		if apiErr.Code == -1125 {
			exErr.WithCode(core.ErrCodeInvalidListenKey)
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		exErr = core.NewExchangeError(p.Name(), core.ErrorTypeAuthentication, resp.StatusCode,
			fmt.Sprintf("HTTP error: %d", resp.StatusCode)).WithCode(core.ErrCodeAuth)
	case resp.StatusCode >= 500:
		exErr = core.NewExchangeError(p.Name(), core.ErrorTypeServerError, resp.StatusCode,
			fmt.Sprintf("HTTP error: %d", resp.StatusCode)).WithCode(core.ErrCodeServerError)
	default:
		exErr = core.NewExchangeError(p.Name(), core.ErrorTypeBadRequest, resp.StatusCode,
			fmt.Sprintf("HTTP error: %d", resp.StatusCode)).WithCode(core.ErrCodeBadRequest)
	}
	exErr.RawError = string(resp.Body)
	return exErr
}

// SignRequest adds the API key header and, for signed requests, the
// timestamp, recvWindow and signature. The signature covers the exact query
// string that is sent, so the result goes to req.RawQuery.
func (p *Protocol) SignRequest(req *core.Request, creds *core.Credentials, now time.Time) error {
	if req.Security == core.SecurityNone {
		return nil
	}
	if creds == nil {
		return core.ErrNoCredentials
	}
	if creds.Closed() {
		return core.ErrCredentialsClosed
	}
	req.SetHeader(apiKeyHeader, creds.APIKey())

	if req.Security != core.SecuritySigned {
		return nil
	}

	req.SetQuery("timestamp", now.UnixMilli())
	req.SetQuery("recvWindow", p.recvWindow.Milliseconds())

	query := req.EncodeQuery()
	signature, err := creds.Sign(query)
	if err != nil {
		return err
	}
	req.RawQuery = query + "&signature=" + signature
	return nil
}

type binanceAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func mapBinanceErrorCode(status, code int) core.ErrorType {
	switch code {
	case -1022, -2014, -2015:
		return core.ErrorTypeAuthentication
	case -1000, -1006:
		return core.ErrorTypeServerError
	case -1001:
		return core.ErrorTypeNetwork
	case -1007:
		return core.ErrorTypeTimeout
	case -1003:
		return core.ErrorTypeRateLimit
	case -1125:
		return core.ErrorTypeNotFound
	}

	switch {
	case status == http.StatusUnauthorized:
		return core.ErrorTypeAuthentication
	case status >= 500:
		return core.ErrorTypeServerError
	case code <= -1100 && code > -1200:
		return core.ErrorTypeBadRequest
	case status >= 400:
		return core.ErrorTypeBadRequest
	default:
		return core.ErrorTypeUnknown
	}
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func getRequiredStringParam(params core.Params, key string) (string, error) {
	val, ok := params[key]
	if !ok {
		return "", fmt.Errorf("%s is required", key)
	}
	s, ok := val.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%s must be a non-empty string", key)
	}
	return s, nil
}
