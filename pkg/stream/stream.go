// Package stream defines the push-feed boundary between an exchange's
// account event stream and the account cache.
package stream

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"saldo/pkg/core"
)

// Update is one account event: the absolute balances of the assets it
// touched, numbered by the feed.
type Update struct {
	// Sequence is strictly increasing within one feed. Consecutive updates
	// differ by exactly one unless the feed lost messages.
	Sequence uint64
	// Balances holds the new free and locked amounts of every changed asset.
	Balances []core.Balance
	// Time is the exchange's account update time, zero when unknown.
	Time time.Time
}

// Feed is a live, ordered source of Updates for one account.
type Feed interface {
	// Updates is closed when the feed ends.
	Updates() <-chan Update
	// Err tells why the feed ended. It is nil while the feed is live and
	// after Close.
	Err() error
	// Sequence returns the sequence of the most recent update the feed
	// produced, whether or not it has been received yet. Zero before the first.
	Sequence() uint64
	// Close stops the feed and releases its connection before returning.
	Close() error
}

// Opener starts account feeds.
type Opener interface {
	OpenFeed(ctx context.Context, creds *core.Credentials) (Feed, error)
}

// ReconnectConfig controls how a dropped feed is re-established.
type ReconnectConfig struct {
	// MaxAttempts is the number of consecutive failures tolerated; zero means unlimited.
	MaxAttempts int
	BaseWait    time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts: 10,
		BaseWait:    1 * time.Second,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
	}
}

// NewBackOff returns a jittered exponential back-off following c.
func (c ReconnectConfig) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.BaseWait > 0 {
		b.InitialInterval = c.BaseWait
	}
	if c.MaxWait > 0 {
		b.MaxInterval = c.MaxWait
	}
	if c.Multiplier > 1 {
		b.Multiplier = c.Multiplier
	}
	b.Reset()
	return b
}
