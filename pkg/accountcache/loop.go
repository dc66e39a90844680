package accountcache

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"saldo/pkg/core"
	"saldo/pkg/stream"
)

// resyncAttempts bounds the fetches of one resync whose snapshot stays
// behind the sequence it needs.
const resyncAttempts = 3

// startLoopLocked starts a reconciliation loop for sess. It opens its feed
// only after prev, if any, has closed its own.
func (c *Cache) startLoopLocked(sess *session, prev *loop) *loop {
	ctx, cancel := context.WithCancelCause(context.Background())
	lp := &loop{
		cancel:      cancel,
		done:        make(chan struct{}),
		subscribers: make(map[string]*subscriber),
	}
	sess.loop = lp

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel(nil)
		if prev != nil {
			<-prev.done
		}

		r := &reconciler{cache: c, sess: sess, loop: lp, logger: sess.logger}
		c.finishLoop(sess, lp, r.run(ctx))
	}()
	return lp
}

func (c *Cache) finishLoop(sess *session, lp *loop, err error) {
	c.mu.Lock()
	lp.err = err
	lp.stopping = true
	if sess.loop == lp {
		sess.loop = nil
	}
	if sess.snapshot.Load() == nil {
		sess.state.Store(StateUnseeded)
	} else {
		sess.state.Store(StateTerminated)
	}
	subs := make([]*subscriber, 0, len(lp.subscribers))
	for _, s := range lp.subscribers {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		close(s.queue)
	}
	sess.logger.Debug().Err(err).Msg("reconciliation loop ended")
	close(lp.done)
}

// reconciler applies one session's feed to its snapshot.
type reconciler struct {
	cache  *Cache
	sess   *session
	loop   *loop
	logger zerolog.Logger

	// offset maps feed sequences into snapshot sequences for exchanges
	// whose snapshots are not numbered. It is zero otherwise.
	offset int64
}

func (r *reconciler) creds() *core.Credentials {
	r.cache.mu.Lock()
	defer r.cache.mu.Unlock()
	return r.sess.creds
}

// run opens the feed and reconciles until ctx is done or an error ends the
// loop. Retryable failures after the first successful start reopen the
// feed with back-off.
func (r *reconciler) run(ctx context.Context) error {
	cfg := r.cache.config.Reconnect
	bo := cfg.NewBackOff()
	subscribed := false
	failures := 0

	for {
		feed, err := r.cache.opener.OpenFeed(ctx, r.creds())
		if err == nil {
			err = r.prime(ctx, feed, !subscribed)
			if err == nil {
				if !subscribed {
					subscribed = true
					r.sess.state.Store(StateSubscribed)
					r.logger.Info().Uint64("seq", r.sess.snapshot.Load().Sequence()).Msg("subscribed")
				} else {
					r.logger.Info().Int("attempt", failures).Msg("feed re-established")
				}
				failures = 0
				bo.Reset()
				err = r.consume(ctx, feed)
			}
			if cerr := feed.Close(); cerr != nil {
				r.logger.Debug().Err(cerr).Msg("close feed")
			}
		}

		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if !subscribed {
			r.logger.Warn().Err(err).Msg("subscription failed to start")
			return err
		}
		if !core.IsRetryable(err) {
			r.logger.Error().Err(err).Msg("subscription terminated")
			return err
		}

		failures++
		if cfg.MaxAttempts > 0 && failures >= cfg.MaxAttempts {
			r.logger.Error().Err(err).Int("attempts", failures).Msg("giving up reconnecting")
			return fmt.Errorf("feed failed %d consecutive times: %w", failures, err)
		}

		wait := max(bo.NextBackOff(), core.RetryAfter(err))
		r.logger.Warn().Err(err).Int("attempt", failures).Dur("wait", wait).Msg("feed lost, reconnecting")
		if !sleep(ctx, wait) {
			return context.Cause(ctx)
		}
	}
}

// prime establishes the snapshot baseline for a freshly opened feed. The
// first feed of a seeded, numbered account needs no fetch: gaps are caught
// by sequence. An unnumbered seed is only a baseline when its fetch started
// after the feed was open. Every other case fetches.
func (r *reconciler) prime(ctx context.Context, feed stream.Feed, first bool) error {
	if r.sess.snapshot.Load() == nil {
		mark := r.sess.fetches.Load()
		before := feed.Sequence()
		acc, err := r.cache.seed(ctx, r.sess, r.creds())
		if err != nil {
			return err
		}
		if r.sess.sequenced.Load() || r.sess.seedFetch.Load() > mark {
			r.rebase(acc, before)
			return nil
		}
		r.logger.Debug().Msg("seed predates feed, resynchronising")
		return r.resync(ctx, feed, 0)
	}

	if first && r.sess.sequenced.Load() {
		r.offset = 0
		return nil
	}
	return r.resync(ctx, feed, 0)
}

func (r *reconciler) rebase(acc *core.Account, feedSeq uint64) {
	if r.sess.sequenced.Load() {
		r.offset = 0
		return
	}
	r.offset = int64(acc.Sequence()) - int64(feedSeq)
}

func (r *reconciler) consume(ctx context.Context, feed stream.Feed) error {
	updates := feed.Updates()
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case u, ok := <-updates:
			if !ok {
				if err := feed.Err(); err != nil {
					return err
				}
				return &core.ExchangeError{
					Type:    core.ErrorTypeNetwork,
					Code:    string(core.ErrCodeStreamClosed),
					Message: "feed ended",
				}
			}
			if err := r.apply(ctx, feed, u); err != nil {
				return err
			}
		}
	}
}

func (r *reconciler) translate(feedSeq uint64) (uint64, bool) {
	seq := int64(feedSeq) + r.offset
	if seq <= 0 {
		return 0, false
	}
	return uint64(seq), true
}

// apply runs one update through the sequence rule: the next sequence is
// merged, older ones are dropped, and a gap forces a resync after which the
// update is evaluated once more.
func (r *reconciler) apply(ctx context.Context, feed stream.Feed, u stream.Update) error {
	cur := r.sess.snapshot.Load()
	seq, ok := r.translate(u.Sequence)
	if !ok || seq <= cur.Sequence() {
		r.logger.Debug().Uint64("seq", seq).Uint64("current", cur.Sequence()).Msg("discarding stale update")
		return nil
	}
	if seq == cur.Sequence()+1 {
		return r.merge(ctx, feed, cur, seq, u)
	}

	gap := &sequenceGapError{current: cur.Sequence(), got: seq}
	r.logger.Warn().Err(gap).Msg("resynchronising")
	if err := r.resync(ctx, feed, seq-1); err != nil {
		return err
	}

	cur = r.sess.snapshot.Load()
	seq, ok = r.translate(u.Sequence)
	switch {
	case ok && seq == cur.Sequence()+1:
		return r.merge(ctx, feed, cur, seq, u)
	case !ok || seq <= cur.Sequence():
		r.logger.Debug().Uint64("seq", seq).Uint64("current", cur.Sequence()).Msg("update covered by resync")
	default:
		r.logger.Warn().Uint64("seq", seq).Uint64("current", cur.Sequence()).Msg("snapshot still behind feed, dropping update")
	}
	return nil
}

func (r *reconciler) merge(ctx context.Context, feed stream.Feed, cur *core.Account, seq uint64, u stream.Update) error {
	var (
		next    *core.Account
		changed []string
	)

	if r.sess.coveredByFetch(u.Time) {
		// the fetched snapshot was taken after this update happened
		next = cur.WithSequence(seq)
	} else {
		updatedAt := u.Time
		if updatedAt.IsZero() {
			updatedAt = cur.UpdatedAt()
		}
		var err error
		next, changed, err = cur.Merge(seq, updatedAt, u.Balances)
		if err != nil {
			r.logger.Warn().Err(err).Uint64("seq", seq).Msg("invalid update, resynchronising")
			return r.resync(ctx, feed, 0)
		}
	}

	r.sess.snapshot.Store(next)
	r.logger.Debug().Uint64("seq", seq).Strs("changed", changed).Msg("snapshot updated")
	r.broadcast(ctx, core.ChangeEvent{Account: next, Changed: changed, Sequence: seq})
	return nil
}

// resync replaces the snapshot with a fresh fetch. Unnumbered snapshots are
// stamped with the next sequence, so the cache sequence never goes back.
// A numbered snapshot older than want is fetched again, a bounded number of
// times, while the exchange's REST view catches up with its feed.
func (r *reconciler) resync(ctx context.Context, feed stream.Feed, want uint64) error {
	cur := r.sess.snapshot.Load()

	var (
		fresh  *core.Account
		before uint64
	)
	for attempt := 1; ; attempt++ {
		before = feed.Sequence()
		var err error
		fresh, err = r.cache.client.GetAccount(ctx, r.creds())
		if err != nil {
			return err
		}
		if fresh.Sequence() == 0 || fresh.Sequence() >= want || attempt >= resyncAttempts {
			break
		}
		r.logger.Debug().Uint64("fetched", fresh.Sequence()).Uint64("want", want).Int("attempt", attempt).Msg("fetched snapshot behind feed")
		if !sleep(ctx, r.cache.config.Reconnect.BaseWait*time.Duration(attempt)) {
			return context.Cause(ctx)
		}
	}

	if fresh.Sequence() == 0 {
		fresh = fresh.WithSequence(cur.Sequence() + 1)
		r.offset = int64(fresh.Sequence()) - int64(before)
	} else if fresh.Sequence() <= cur.Sequence() {
		r.logger.Debug().Uint64("fetched", fresh.Sequence()).Uint64("current", cur.Sequence()).Msg("fetched snapshot is not newer")
		return nil
	}

	changed := cur.Diff(fresh)
	r.sess.snapshot.Store(fresh)
	r.sess.markFetched(fresh)
	r.logger.Info().Uint64("seq", fresh.Sequence()).Strs("changed", changed).Msg("snapshot resynchronised")

	if len(changed) > 0 {
		r.broadcast(ctx, core.ChangeEvent{Account: fresh, Changed: changed, Sequence: fresh.Sequence(), Resync: true})
	}
	return nil
}

func (r *reconciler) broadcast(ctx context.Context, ev core.ChangeEvent) {
	r.cache.mu.Lock()
	subs := make([]*subscriber, 0, len(r.loop.subscribers))
	for _, s := range r.loop.subscribers {
		subs = append(subs, s)
	}
	r.cache.mu.Unlock()

	for _, s := range subs {
		s.deliver(ctx, ev)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
