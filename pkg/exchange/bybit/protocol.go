package bybit

import (
	"context"
	"encoding/json"
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
	ProductionURL       = "https://api.bybit.com"
	SandboxURL          = "https://api-testnet.bybit.com"
	ProductionStreamURL = "wss://stream.bybit.com/v5/private"
	SandboxStreamURL    = "wss://stream-testnet.bybit.com/v5/private"

	headerAPIKey     = "X-BAPI-API-KEY"
	headerTimestamp  = "X-BAPI-TIMESTAMP"
	headerRecvWindow = "X-BAPI-RECV-WINDOW"
	headerSign       = "X-BAPI-SIGN"
	headerSignType   = "X-BAPI-SIGN-TYPE"
	headerLimitReset = "X-Bapi-Limit-Reset-Timestamp"

	walletBalancePath = "/v5/account/wallet-balance"
)

// Protocol implements core.Protocol for the Bybit V5 REST API.
type Protocol struct {
	recvWindow time.Duration
}

// NewProtocol creates a Bybit protocol that signs requests with recvWindow.
// A non-positive window falls back to 5s.
func NewProtocol(recvWindow time.Duration) *Protocol {
	if recvWindow <= 0 {
		recvWindow = 5 * time.Second
	}
	return &Protocol{recvWindow: recvWindow}
}

func (p *Protocol) Name() string {
	return "bybit"
}

func (p *Protocol) Version() string {
	return "5"
}

func (p *Protocol) BaseURL(sandbox bool) string {
	if sandbox {
		return SandboxURL
	}
	return ProductionURL
}

// StreamURL returns the private websocket endpoint.
func (p *Protocol) StreamURL(sandbox bool) string {
	if sandbox {
		return SandboxStreamURL
	}
	return ProductionStreamURL
}

func (p *Protocol) SupportedOperations() []core.Operation {
	return []core.Operation{core.OpGetAccount}
}

// RateLimits returns the per-UID budget of the account endpoints.
func (p *Protocol) RateLimits() core.RateLimitConfig {
	return core.RateLimitConfig{
		WeightPerMinute: 600,
		Burst:           10,
	}
}

func (p *Protocol) BuildRequest(_ context.Context, op core.Operation, params core.Params) (*core.Request, error) {
	switch op {
	case core.OpGetAccount:
		return p.buildGetAccountRequest(params)
	default:
		return nil, fmt.Errorf("unsupported operation: %s", op)
	}
}

func (p *Protocol) buildGetAccountRequest(params core.Params) (*core.Request, error) {
	accountType := getStringParamWithDefault(params, "accountType", "UNIFIED")

	return core.NewRequest(http.MethodGet, walletBalancePath).
		SetQuery("accountType", accountType).
		SetSecurity(core.SecuritySigned).
		SetWeight(1), nil
}

// ParseResponse decodes the V5 envelope. Bybit reports most failures with
// HTTP 200 and a non-zero retCode.
func (p *Protocol) ParseResponse(op core.Operation, resp *core.Response) (any, error) {
	if resp == nil {
		return nil, errors.New("nil response")
	}
	if !resp.IsSuccess() {
		return nil, p.parseHTTPError(resp)
	}

	var envelope bybitResponse
	if err := sonic.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if envelope.RetCode != 0 {
		return nil, p.apiError(resp, envelope.RetCode, envelope.RetMsg)
	}

	switch op {
	case core.OpGetAccount:
		var data bybitWallet
		if err := sonic.Unmarshal(envelope.Result, &data); err != nil {
			return nil, fmt.Errorf("unmarshal wallet: %w", err)
		}
		return normalizeWallet(&data, envelope.Time)
	default:
		return nil, fmt.Errorf("unsupported operation: %s", op)
	}
}

func (p *Protocol) parseHTTPError(resp *core.Response) error {
	var envelope bybitResponse
	if sonic.Unmarshal(resp.Body, &envelope) == nil && envelope.RetCode != 0 {
		return p.apiError(resp, envelope.RetCode, envelope.RetMsg)
	}

	var exErr *core.ExchangeError
	msg := fmt.Sprintf("HTTP error: %d", resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		// 403 is Bybit's answer to an IP over its request limit
		exErr = core.NewExchangeError(p.Name(), core.ErrorTypeRateLimit, resp.StatusCode, msg).
			WithCode(core.ErrCodeRateLimit).
			WithRetryAfter(limitReset(resp, time.Now()))
	case resp.StatusCode == http.StatusUnauthorized:
		exErr = core.NewExchangeError(p.Name(), core.ErrorTypeAuthentication, resp.StatusCode, msg).
			WithCode(core.ErrCodeAuth)
	case resp.StatusCode >= 500:
		exErr = core.NewExchangeError(p.Name(), core.ErrorTypeServerError, resp.StatusCode, msg).
			WithCode(core.ErrCodeServerError)
	default:
		exErr = core.NewExchangeError(p.Name(), core.ErrorTypeBadRequest, resp.StatusCode, msg).
			WithCode(core.ErrCodeBadRequest)
	}
	exErr.RawError = string(resp.Body)
	return exErr
}

func (p *Protocol) apiError(resp *core.Response, retCode int, retMsg string) *core.ExchangeError {
	errType := mapBybitErrorCode(retCode)
	exErr := core.NewExchangeErrorWithCode(p.Name(), errType, resp.StatusCode, strconv.Itoa(retCode), retMsg)
	if errType == core.ErrorTypeRateLimit {
		exErr.WithRetryAfter(limitReset(resp, time.Now()))
	}
	exErr.RawError = string(resp.Body)
	return exErr
}

// SignRequest adds the V5 authentication headers. The signature covers
// timestamp, API key, recvWindow and the exact query string sent.
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
	req.SetHeader(headerAPIKey, creds.APIKey())
	if req.Security != core.SecuritySigned {
		return nil
	}

	ts := strconv.FormatInt(now.UnixMilli(), 10)
	window := strconv.FormatInt(p.recvWindow.Milliseconds(), 10)
	query := req.EncodeQuery()

	signature, err := creds.Sign(ts + creds.APIKey() + window + query)
	if err != nil {
		return err
	}
	req.SetHeader(headerTimestamp, ts)
	req.SetHeader(headerRecvWindow, window)
	req.SetHeader(headerSign, signature)
	req.SetHeader(headerSignType, "2")
	req.RawQuery = query
	return nil
}

// streamAuthArgs builds the arguments of the private websocket "auth" op.
func streamAuthArgs(creds *core.Credentials, expires time.Time) ([]any, error) {
	if creds == nil {
		return nil, core.ErrNoCredentials
	}
	if creds.Closed() {
		return nil, core.ErrCredentialsClosed
	}
	ms := expires.UnixMilli()
	signature, err := creds.Sign("GET/realtime" + strconv.FormatInt(ms, 10))
	if err != nil {
		return nil, err
	}
	return []any{creds.APIKey(), ms, signature}, nil
}

type bybitResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

func mapBybitErrorCode(code int) core.ErrorType {
	switch code {
	case 10003, 10004, 10005, 10007, 10009, 10010, 33004:
		return core.ErrorTypeAuthentication
	case 10006, 10018:
		return core.ErrorTypeRateLimit
	case 10000:
		return core.ErrorTypeTimeout
	case 10016:
		return core.ErrorTypeServerError
	case 10001, 10002:
		return core.ErrorTypeBadRequest
	default:
		if code >= 10000 && code < 11000 {
			return core.ErrorTypeBadRequest
		}
		return core.ErrorTypeUnknown
	}
}

// limitReset reads the millisecond timestamp at which the request budget
// refills and returns how long that is after now.
func limitReset(resp *core.Response, now time.Time) time.Duration {
	if resp.Header == nil {
		return 0
	}
	v := strings.TrimSpace(resp.Header.Get(headerLimitReset))
	if v == "" {
		return 0
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return max(time.UnixMilli(ms).Sub(now), 0)
}

func getStringParamWithDefault(params core.Params, key, def string) string {
	if val, ok := params[key]; ok {
		if str, ok := val.(string); ok && str != "" {
			return str
		}
	}
	return def
}
