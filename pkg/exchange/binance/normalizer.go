package binance

import (
	"fmt"
	"time"

	"github.com/cockroachdb/apd/v3"

	"saldo/pkg/core"
	"saldo/pkg/stream"
)

// binanceBalance is one entry of GET /api/v3/account. Amounts arrive as
// decimal strings.
type binanceBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

type binanceAccount struct {
	CanTrade    bool             `json:"canTrade"`
	CanWithdraw bool             `json:"canWithdraw"`
	CanDeposit  bool             `json:"canDeposit"`
	AccountType string           `json:"accountType"`
	UpdateTime  int64            `json:"updateTime"`
	Balances    []binanceBalance `json:"balances"`
}

type binanceListenKey struct {
	ListenKey string `json:"listenKey"`
}

// userEvent peeks at the event type of a user-data stream frame.
type userEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

// accountPositionEvent is an outboundAccountPosition frame: absolute
// balances of every asset the triggering account change touched.
type accountPositionEvent struct {
	EventType  string `json:"e"`
	EventTime  int64  `json:"E"`
	LastUpdate int64  `json:"u"`
	Balances   []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

type balanceUpdateEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Asset     string `json:"a"`
	Delta     string `json:"d"`
	ClearTime int64  `json:"T"`
}

// normalizeAccount converts an account response into a snapshot. Binance
// has no account sequence, so the snapshot carries sequence 0.
func normalizeAccount(data *binanceAccount) (*core.Account, error) {
	balances := make([]core.Balance, 0, len(data.Balances))
	for _, b := range data.Balances {
		bal, err := normalizeBalance(b.Asset, b.Free, b.Locked)
		if err != nil {
			return nil, err
		}
		balances = append(balances, bal)
	}
	return core.NewAccount(0, millis(data.UpdateTime), balances)
}

// normalizeAccountPosition converts an outboundAccountPosition frame into an
// update numbered seq.
func normalizeAccountPosition(data *accountPositionEvent, seq uint64) (stream.Update, error) {
	balances := make([]core.Balance, 0, len(data.Balances))
	for _, b := range data.Balances {
		bal, err := normalizeBalance(b.Asset, b.Free, b.Locked)
		if err != nil {
			return stream.Update{}, err
		}
		balances = append(balances, bal)
	}
	return stream.Update{
		Sequence: seq,
		Balances: balances,
		Time:     millis(data.LastUpdate),
	}, nil
}

func normalizeBalance(asset, free, locked string) (core.Balance, error) {
	bal := core.Balance{Asset: asset}
	if err := parseDecimal(&bal.Free, free); err != nil {
		return core.Balance{}, fmt.Errorf("balance %s free: %w", asset, err)
	}
	if err := parseDecimal(&bal.Locked, locked); err != nil {
		return core.Balance{}, fmt.Errorf("balance %s locked: %w", asset, err)
	}
	if err := bal.Validate(); err != nil {
		return core.Balance{}, err
	}
	return bal, nil
}

func parseDecimal(dest *apd.Decimal, s string) error {
	if s == "" {
		*dest = apd.Decimal{}
		return nil
	}

	_, _, err := apd.BaseContext.SetString(dest, s)
	if err != nil {
		return fmt.Errorf("set decimal from string: %w", err)
	}
	if dest.Form != apd.Finite {
		return fmt.Errorf("non-finite decimal %q", s)
	}

	return nil
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
