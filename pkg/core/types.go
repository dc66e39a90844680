package core

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
)

var decimalCtx = apd.BaseContext.WithPrecision(34)

// Balance represents account balance for a single asset.
type Balance struct {
	// Asset is the currency or token symbol (e.g., "BTC", "USDT").
	Asset string `json:"asset"`
	// Free is the available balance for trading.
	Free apd.Decimal `json:"free"`
	// Locked is the balance locked in open orders.
	Locked apd.Decimal `json:"locked"`
}

// Total returns Free + Locked.
func (b Balance) Total() (apd.Decimal, error) {
	var total apd.Decimal
	if _, err := decimalCtx.Add(&total, &b.Free, &b.Locked); err != nil {
		return apd.Decimal{}, fmt.Errorf("total %s: %w", b.Asset, err)
	}
	return total, nil
}

// Validate checks that the asset is named and both amounts are non-negative.
func (b Balance) Validate() error {
	if b.Asset == "" {
		return fmt.Errorf("balance without asset")
	}
	if b.Free.Sign() < 0 {
		return fmt.Errorf("balance %s: negative free amount %s", b.Asset, b.Free.String())
	}
	if b.Locked.Sign() < 0 {
		return fmt.Errorf("balance %s: negative locked amount %s", b.Asset, b.Locked.String())
	}
	return nil
}

// Equal reports whether both balances name the same asset with numerically equal amounts.
func (b Balance) Equal(other Balance) bool {
	return b.Asset == other.Asset &&
		b.Free.Cmp(&other.Free) == 0 &&
		b.Locked.Cmp(&other.Locked) == 0
}

func (b Balance) clone() Balance {
	out := Balance{Asset: strings.ToUpper(b.Asset)}
	out.Free.Set(&b.Free)
	out.Locked.Set(&b.Locked)
	return out
}

// Account is an immutable snapshot of every balance held by one account.
// Updates never modify an Account; they produce a new one.
type Account struct {
	sequence  uint64
	updatedAt time.Time
	balances  map[string]Balance
}

// NewAccount builds a snapshot. Later entries for the same asset replace earlier ones.
func NewAccount(sequence uint64, updatedAt time.Time, balances []Balance) (*Account, error) {
	a := &Account{
		sequence:  sequence,
		updatedAt: updatedAt,
		balances:  make(map[string]Balance, len(balances)),
	}
	for _, b := range balances {
		if err := b.Validate(); err != nil {
			return nil, err
		}
		b = b.clone()
		a.balances[b.Asset] = b
	}
	return a, nil
}

// Sequence is the number of the last update reflected in the snapshot.
func (a *Account) Sequence() uint64 {
	return a.sequence
}

// UpdatedAt is the exchange time of the last change reflected in the snapshot.
func (a *Account) UpdatedAt() time.Time {
	return a.updatedAt
}

// Balance returns the balance of asset. Lookups are case-insensitive.
func (a *Account) Balance(asset string) (Balance, bool) {
	b, ok := a.balances[strings.ToUpper(asset)]
	return b, ok
}

// Balances returns a copy of every balance sorted by asset.
func (a *Account) Balances() []Balance {
	out := make([]Balance, 0, len(a.balances))
	for _, asset := range a.Assets() {
		out = append(out, a.balances[asset])
	}
	return out
}

// Assets returns the held asset symbols in sorted order.
func (a *Account) Assets() []string {
	return slices.Sorted(maps.Keys(a.balances))
}

func (a *Account) Len() int {
	return len(a.balances)
}

// Merge returns a new snapshot with changed applied on top of a, stamped
// with sequence and updatedAt, plus the sorted assets whose value differs.
func (a *Account) Merge(sequence uint64, updatedAt time.Time, changed []Balance) (*Account, []string, error) {
	next := &Account{
		sequence:  sequence,
		updatedAt: updatedAt,
		balances:  maps.Clone(a.balances),
	}
	if next.balances == nil {
		next.balances = make(map[string]Balance, len(changed))
	}

	var diff []string
	for _, b := range changed {
		if err := b.Validate(); err != nil {
			return nil, nil, err
		}
		b = b.clone()
		if prev, ok := next.balances[b.Asset]; ok && prev.Equal(b) {
			continue
		}
		next.balances[b.Asset] = b
		if !slices.Contains(diff, b.Asset) {
			diff = append(diff, b.Asset)
		}
	}
	slices.Sort(diff)
	return next, diff, nil
}

// WithSequence returns a copy of a carrying a different sequence number.
func (a *Account) WithSequence(sequence uint64) *Account {
	return &Account{
		sequence:  sequence,
		updatedAt: a.updatedAt,
		balances:  a.balances,
	}
}

// Diff returns the sorted assets that were added, removed or changed between a and other.
// A nil account is treated as empty.
func (a *Account) Diff(other *Account) []string {
	var mine, theirs map[string]Balance
	if a != nil {
		mine = a.balances
	}
	if other != nil {
		theirs = other.balances
	}

	var diff []string
	for asset, b := range mine {
		if o, ok := theirs[asset]; !ok || !o.Equal(b) {
			diff = append(diff, asset)
		}
	}
	for asset := range theirs {
		if _, ok := mine[asset]; !ok {
			diff = append(diff, asset)
		}
	}
	slices.Sort(diff)
	return diff
}

// ChangeEvent is delivered to subscribers whenever the cached snapshot advances.
type ChangeEvent struct {
	// Account is the complete snapshot after the change.
	Account *Account
	// Changed lists the assets whose balances differ from the previous snapshot.
	Changed []string
	// Sequence equals Account.Sequence().
	Sequence uint64
	// Resync is set when the change came from a fresh fetch rather than a push message.
	Resync bool
}
