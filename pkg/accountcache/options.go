package accountcache

import (
	"github.com/rs/zerolog"

	"saldo/pkg/stream"
)

// Option is a functional option for configuring the Cache.
type Option func(*Options)

// Options holds configuration options for the Cache.
type Options struct {
	Logger    zerolog.Logger
	Reconnect stream.ReconnectConfig
	// BufferSize is the number of events queued per subscriber before the
	// reconciliation loop waits for it.
	BufferSize int
}

func defaultOptions() *Options {
	return &Options{
		Logger:     zerolog.Nop(),
		Reconnect:  stream.DefaultReconnectConfig(),
		BufferSize: 64,
	}
}

// WithLogger returns an option that sets the logger for the cache.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithReconnect returns an option that sets how dropped feeds are reopened.
func WithReconnect(c stream.ReconnectConfig) Option {
	return func(o *Options) {
		o.Reconnect = c
	}
}

// WithBufferSize returns an option that sets the per-subscriber event queue size.
func WithBufferSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.BufferSize = n
		}
	}
}
