// Package exchange defines what the account cache needs from an exchange
// and a registry to pick an implementation by name.
package exchange

import (
	"context"

	"saldo/pkg/core"
	"saldo/pkg/stream"
)

// AccountClient fetches complete account snapshots.
//
// GetAccount is idempotent. Failures are *core.ExchangeError values typed
// as authentication, network/timeout/server (transient) or rate-limit errors.
type AccountClient interface {
	GetAccount(ctx context.Context, creds *core.Credentials) (*core.Account, error)
}

// Exchange is a complete account data source: snapshots plus a live feed.
type Exchange interface {
	AccountClient
	stream.Opener

	Name() string
	Version() string
	Close() error
}
