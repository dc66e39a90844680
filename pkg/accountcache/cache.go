// Package accountcache keeps an in-memory balance snapshot per account and
// keeps it current from the exchange's push feed.
//
// Each account (keyed by credential fingerprint) is a session with its own
// state machine: Unseeded, Seeded, Subscribed, Terminated. A session's
// reconciliation loop runs while it has at least one subscriber. It applies
// feed updates strictly in sequence, discards stale ones and resynchronises
// from a fresh fetch when it detects a gap or the feed reconnects.
//
// onChange callbacks run on a goroutine owned by their Subscribe call, not
// on the caller's goroutine. Callback code must synchronise with the rest
// of the program itself. A slow callback holds back the loop, and with it
// every other subscriber of the same account.
package accountcache

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"saldo/pkg/core"
	"saldo/pkg/exchange"
	"saldo/pkg/stream"
)

var errNoSubscribers = errors.New("last subscriber left")

// Cache is safe for concurrent use.
type Cache struct {
	client exchange.AccountClient
	opener stream.Opener
	logger zerolog.Logger
	config *Options

	seeds singleflight.Group

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// New creates a cache fetching snapshots through client and opening push
// feeds through opener.
func New(client exchange.AccountClient, opener stream.Opener, opts ...Option) *Cache {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &Cache{
		client:   client,
		opener:   opener,
		logger:   options.Logger.With().Str("component", "accountcache").Logger(),
		config:   options,
		sessions: make(map[string]*session),
	}
}

// session returns the session for creds, creating it on first use. The
// session adopts creds for its future requests.
func (c *Cache) session(creds *core.Credentials) (*session, error) {
	if creds == nil {
		return nil, core.ErrNoCredentials
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, core.ErrCacheClosed
	}
	return c.sessionLocked(creds), nil
}

func (c *Cache) sessionLocked(creds *core.Credentials) *session {
	key := creds.Fingerprint()
	sess, ok := c.sessions[key]
	if !ok {
		sess = newSession(key, c.logger)
		c.sessions[key] = sess
	}
	sess.creds = creds
	return sess
}

// State reports the lifecycle stage of the account behind creds.
func (c *Cache) State(creds *core.Credentials) State {
	if creds == nil {
		return StateUnseeded
	}
	c.mu.Lock()
	sess, ok := c.sessions[creds.Fingerprint()]
	c.mu.Unlock()
	if !ok {
		return StateUnseeded
	}
	return sess.state.Load()
}

// Snapshot returns the cached snapshot of the account behind creds. The
// first call performs the seeding fetch; concurrent first calls share it.
// Fetch errors are returned unchanged and leave the session unseeded.
func (c *Cache) Snapshot(ctx context.Context, creds *core.Credentials) (*core.Account, error) {
	sess, err := c.session(creds)
	if err != nil {
		return nil, err
	}
	if acc := sess.snapshot.Load(); acc != nil {
		return acc, nil
	}
	return c.seed(ctx, sess, creds)
}

// seed fetches the first snapshot of sess. The fetch outlives a cancelled
// caller so that other callers waiting on it still get a result.
func (c *Cache) seed(ctx context.Context, sess *session, creds *core.Credentials) (*core.Account, error) {
	ch := c.seeds.DoChan(sess.key, func() (any, error) {
		if acc := sess.snapshot.Load(); acc != nil {
			return acc, nil
		}

		n := sess.fetches.Add(1)
		acc, err := c.client.GetAccount(context.WithoutCancel(ctx), creds)
		if err != nil {
			sess.logger.Warn().Err(err).Msg("seeding fetch failed")
			return nil, err
		}
		return sess.storeSeed(acc, n), nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*core.Account), nil
	}
}

// Subscribe delivers every change of the account behind creds to onChange
// until ctx is done, in strictly increasing sequence order. It attaches to
// the account's running loop or starts one, seeding the snapshot first if
// needed.
//
// Subscribe blocks. It returns nil after ctx is cancelled, once onChange has
// returned for the last time and, if this was the account's last
// subscriber, once the feed connection is closed. It returns the error that
// ended the loop otherwise: an authentication failure, a failure before the
// feed was first established, an exhausted reconnect budget, or
// core.ErrCacheClosed.
func (c *Cache) Subscribe(ctx context.Context, creds *core.Credentials, onChange func(core.ChangeEvent)) error {
	if onChange == nil {
		return errors.New("onChange callback is required")
	}
	if creds == nil {
		return core.ErrNoCredentials
	}
	if ctx.Err() != nil {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.ErrCacheClosed
	}
	sess := c.sessionLocked(creds)
	lp := sess.loop
	if lp == nil || lp.stopping {
		lp = c.startLoopLocked(sess, lp)
	}
	sub := newSubscriber(c.config.BufferSize, sess.logger)
	lp.subscribers[sub.id] = sub
	c.mu.Unlock()

	sub.logger.Debug().Msg("subscriber attached")
	go sub.run(ctx, onChange)

	select {
	case <-ctx.Done():
	case <-lp.done:
		<-sub.finished
		if ctx.Err() == nil {
			sub.logger.Debug().Err(lp.err).Msg("subscription ended")
			return lp.err
		}
	}

	c.detach(lp, sub)
	sub.logger.Debug().Msg("subscriber detached")
	return nil
}

// detach removes sub from lp. The last subscriber to leave stops the loop
// and waits for it to close its feed.
func (c *Cache) detach(lp *loop, sub *subscriber) {
	c.mu.Lock()
	if _, ok := lp.subscribers[sub.id]; ok {
		delete(lp.subscribers, sub.id)
		close(sub.gone)
	}
	last := !lp.stopping && len(lp.subscribers) == 0
	if last {
		lp.stopping = true
		lp.cancel(errNoSubscribers)
	}
	c.mu.Unlock()

	if last {
		<-lp.done
	}
	<-sub.finished
}

// Changes is Subscribe in channel form. The event channel is closed when
// the subscription ends; the error channel then yields the terminating
// error, if any, and is closed.
func (c *Cache) Changes(ctx context.Context, creds *core.Credentials) (<-chan core.ChangeEvent, <-chan error) {
	events := make(chan core.ChangeEvent, c.config.BufferSize)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(events)

		err := c.Subscribe(ctx, creds, func(ev core.ChangeEvent) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		if err != nil {
			errs <- err
		}
	}()

	return events, errs
}

// Close stops every reconciliation loop and waits for their feeds to close.
// Running Subscribe calls return core.ErrCacheClosed, and so does every
// later call.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, sess := range c.sessions {
		if lp := sess.loop; lp != nil && !lp.stopping {
			lp.stopping = true
			lp.cancel(core.ErrCacheClosed)
		}
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Debug().Msg("account cache closed")
	return nil
}
