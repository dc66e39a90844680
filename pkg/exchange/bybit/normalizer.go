package bybit

import (
	"fmt"
	"time"

	"github.com/cockroachdb/apd/v3"

	"saldo/pkg/core"
)

// bybitCoin is one coin of a wallet. Unified accounts leave Free empty;
// the spendable amount is then the wallet balance minus what is locked.
type bybitCoin struct {
	Coin          string `json:"coin"`
	WalletBalance string `json:"walletBalance"`
	Free          string `json:"free"`
	Locked        string `json:"locked"`
}

type bybitWalletAccount struct {
	AccountType string      `json:"accountType"`
	Coin        []bybitCoin `json:"coin"`
}

// bybitWallet is the result of GET /v5/account/wallet-balance.
type bybitWallet struct {
	List []bybitWalletAccount `json:"list"`
}

// streamFrame covers every frame of the private socket: op replies
// (auth, subscribe, pong) and topic pushes.
type streamFrame struct {
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
	ReqID   string `json:"req_id"`
	Topic   string `json:"topic"`
}

type walletEvent struct {
	ID           string               `json:"id"`
	Topic        string               `json:"topic"`
	CreationTime int64                `json:"creationTime"`
	Data         []bybitWalletAccount `json:"data"`
}

// normalizeWallet converts a wallet-balance result into a snapshot. Bybit
// has no account sequence, so the snapshot carries sequence 0.
func normalizeWallet(data *bybitWallet, serverTime int64) (*core.Account, error) {
	balances, err := normalizeAccounts(data.List)
	if err != nil {
		return nil, err
	}
	return core.NewAccount(0, millis(serverTime), balances)
}

func normalizeAccounts(accounts []bybitWalletAccount) ([]core.Balance, error) {
	var balances []core.Balance
	for _, acc := range accounts {
		for _, coin := range acc.Coin {
			bal, err := normalizeCoin(&coin)
			if err != nil {
				return nil, err
			}
			balances = append(balances, bal)
		}
	}
	return balances, nil
}

func normalizeCoin(c *bybitCoin) (core.Balance, error) {
	bal := core.Balance{Asset: c.Coin}
	if err := parseDecimal(&bal.Locked, c.Locked); err != nil {
		return core.Balance{}, fmt.Errorf("coin %s locked: %w", c.Coin, err)
	}

	if c.Free != "" {
		if err := parseDecimal(&bal.Free, c.Free); err != nil {
			return core.Balance{}, fmt.Errorf("coin %s free: %w", c.Coin, err)
		}
	} else {
		var wallet apd.Decimal
		if err := parseDecimal(&wallet, c.WalletBalance); err != nil {
			return core.Balance{}, fmt.Errorf("coin %s wallet balance: %w", c.Coin, err)
		}
		if _, err := apd.BaseContext.Sub(&bal.Free, &wallet, &bal.Locked); err != nil {
			return core.Balance{}, fmt.Errorf("coin %s free: %w", c.Coin, err)
		}
		// borrowed coins leave a negative wallet balance
		if bal.Free.Negative {
			bal.Free.SetInt64(0)
		}
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
