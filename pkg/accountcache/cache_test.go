package accountcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saldo/pkg/core"
	"saldo/pkg/stream"
)

var (
	errAuth    = core.NewExchangeError("test", core.ErrorTypeAuthentication, 401, "invalid api key")
	errNetwork = core.NewExchangeError("test", core.ErrorTypeNetwork, 0, "connection reset")
)

func newTestCache(client *fakeClient, opener *fakeOpener) *Cache {
	return New(client, opener,
		WithLogger(zerolog.Nop()),
		WithReconnect(stream.ReconnectConfig{
			MaxAttempts: 3,
			BaseWait:    time.Millisecond,
			MaxWait:     5 * time.Millisecond,
			Multiplier:  2,
		}),
	)
}

type subscription struct {
	events chan core.ChangeEvent
	done   chan error
	cancel context.CancelFunc
}

func subscribe(t *testing.T, c *Cache, creds *core.Credentials) *subscription {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		events: make(chan core.ChangeEvent, 16),
		done:   make(chan error, 1),
		cancel: cancel,
	}
	go func() {
		s.done <- c.Subscribe(ctx, creds, func(ev core.ChangeEvent) { s.events <- ev })
	}()
	t.Cleanup(cancel)
	return s
}

func (s *subscription) next(t *testing.T) core.ChangeEvent {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
		return core.ChangeEvent{}
	}
}

func (s *subscription) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-s.events:
		t.Fatalf("unexpected change event at sequence %d", ev.Sequence)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *subscription) result(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Subscribe to return")
		return nil
	}
}

func waitState(t *testing.T, c *Cache, creds *core.Credentials, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State(creds) == want },
		2*time.Second, time.Millisecond, "state never became %s", want)
}

func subscriberCount(c *Cache, creds *core.Credentials) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[creds.Fingerprint()]
	if !ok || sess.loop == nil {
		return 0
	}
	return len(sess.loop.subscribers)
}

func freeOf(t *testing.T, acc *core.Account, asset string) string {
	t.Helper()
	b, ok := acc.Balance(asset)
	require.True(t, ok, "no %s balance", asset)
	return b.Free.String()
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "UNSEEDED", StateUnseeded.String())
	assert.Equal(t, "SEEDED", StateSeeded.String())
	assert.Equal(t, "SUBSCRIBED", StateSubscribed.String())
	assert.Equal(t, "TERMINATED", StateTerminated.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}

func TestSnapshot_SeedsOnce(t *testing.T) {
	client := newFakeClient(fetchResult{acc: account(t, 10, balance(t, "BTC", "1.0", "0"))})
	client.gate = make(chan struct{})
	cache := newTestCache(client, newFakeOpener())
	defer cache.Close()

	creds := testCreds(t)
	assert.Equal(t, StateUnseeded, cache.State(creds))

	const callers = 8
	results := make([]*core.Account, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc, err := cache.Snapshot(context.Background(), creds)
			assert.NoError(t, err)
			results[i] = acc
		}()
	}
	close(client.gate)
	wg.Wait()

	assert.Equal(t, 1, client.Calls())
	for _, acc := range results {
		assert.Same(t, results[0], acc)
	}
	assert.Equal(t, uint64(10), results[0].Sequence())
	assert.Equal(t, StateSeeded, cache.State(creds))

	again, err := cache.Snapshot(context.Background(), creds)
	require.NoError(t, err)
	assert.Same(t, results[0], again)
	assert.Equal(t, 1, client.Calls())
}

func TestSnapshot_SeedErrorIsReturnedUnchanged(t *testing.T) {
	client := newFakeClient(
		fetchResult{err: errAuth},
		fetchResult{acc: account(t, 3)},
	)
	cache := newTestCache(client, newFakeOpener())
	defer cache.Close()
	creds := testCreds(t)

	_, err := cache.Snapshot(context.Background(), creds)
	assert.Same(t, errAuth, err)
	assert.Equal(t, StateUnseeded, cache.State(creds))

	acc, err := cache.Snapshot(context.Background(), creds)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), acc.Sequence())
	assert.Equal(t, 2, client.Calls())
}

func TestSnapshot_CallerCancelDoesNotAbortSeed(t *testing.T) {
	client := newFakeClient(fetchResult{acc: account(t, 5)})
	client.gate = make(chan struct{})
	cache := newTestCache(client, newFakeOpener())
	defer cache.Close()
	creds := testCreds(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := cache.Snapshot(ctx, creds)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(client.gate)
	waitState(t, cache, creds, StateSeeded)

	acc, err := cache.Snapshot(context.Background(), creds)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), acc.Sequence())
	assert.Equal(t, 1, client.Calls())
}

func TestSnapshot_StampsUnsequencedSeed(t *testing.T) {
	client := newFakeClient(fetchResult{acc: account(t, 0, balance(t, "ETH", "2", "0"))})
	cache := newTestCache(client, newFakeOpener())
	defer cache.Close()

	acc, err := cache.Snapshot(context.Background(), testCreds(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acc.Sequence())
}

func TestSubscribe_SequenceRules(t *testing.T) {
	client := newFakeClient(
		fetchResult{acc: account(t, 10, balance(t, "BTC", "1.0", "0"))},
		fetchResult{acc: account(t, 14, balance(t, "BTC", "0.2", "0.8"))},
	)
	opener := newFakeOpener()
	cache := newTestCache(client, opener)
	defer cache.Close()
	creds := testCreds(t)

	seed, err := cache.Snapshot(context.Background(), creds)
	require.NoError(t, err)
	require.Equal(t, uint64(10), seed.Sequence())

	sub := subscribe(t, cache, creds)
	feed := opener.nextFeed(t)
	waitState(t, cache, creds, StateSubscribed)
	assert.Equal(t, 1, client.Calls(), "a seeded, numbered account needs no fetch to subscribe")

	feed.push(update(11, balance(t, "BTC", "0.5", "0.5")))
	ev := sub.next(t)
	assert.Equal(t, uint64(11), ev.Sequence)
	assert.Equal(t, []string{"BTC"}, ev.Changed)
	assert.False(t, ev.Resync)
	btc, _ := ev.Account.Balance("BTC")
	assert.Equal(t, "0.5", btc.Free.String())
	assert.Equal(t, "0.5", btc.Locked.String())

	// duplicate, then a gap
	feed.push(update(11, balance(t, "BTC", "9", "9")))
	feed.push(update(14, balance(t, "BTC", "0.3", "0.7")))

	ev = sub.next(t)
	assert.True(t, ev.Resync)
	assert.Equal(t, uint64(14), ev.Sequence)
	assert.Equal(t, "0.2", freeOf(t, ev.Account, "BTC"))
	assert.Equal(t, 2, client.Calls())
	sub.none(t)

	current, err := cache.Snapshot(context.Background(), creds)
	require.NoError(t, err)
	assert.Equal(t, uint64(14), current.Sequence())
	assert.Same(t, ev.Account, current)

	sub.cancel()
	assert.NoError(t, sub.result(t))
	assert.True(t, feed.isClosed())
	assert.Equal(t, StateTerminated, cache.State(creds))
}

func TestSubscribe_GapResyncAppliesNextUpdate(t *testing.T) {
	client := newFakeClient(
		fetchResult{acc: account(t, 1, balance(t, "BTC", "1", "0"))},
		fetchResult{acc: account(t, 3, balance(t, "BTC", "2", "0"))},
	)
	opener := newFakeOpener()
	cache := newTestCache(client, opener)
	defer cache.Close()
	creds := testCreds(t)

	sub := subscribe(t, cache, creds)
	feed := opener.nextFeed(t)
	waitState(t, cache, creds, StateSubscribed)

	feed.push(update(4, balance(t, "BTC", "2.5", "0")))

	ev := sub.next(t)
	assert.True(t, ev.Resync)
	assert.Equal(t, uint64(3), ev.Sequence)

	ev = sub.next(t)
	assert.False(t, ev.Resync)
	assert.Equal(t, uint64(4), ev.Sequence)
	assert.Equal(t, "2.5", freeOf(t, ev.Account, "BTC"))
}

func TestSubscribe_LastWriterWins(t *testing.T) {
	client := newFakeClient(fetchResult{acc: account(t, 100,
		balance(t, "BTC", "1", "0"),
		balance(t, "USDT", "500", "0"),
	)})
	opener := newFakeOpener()
	cache := newTestCache(client, opener)
	defer cache.Close()
	creds := testCreds(t)

	sub := subscribe(t, cache, creds)
	feed := opener.nextFeed(t)
	waitState(t, cache, creds, StateSubscribed)

	feed.push(update(101, balance(t, "BTC", "0.9", "0.1")))
	feed.push(update(102, balance(t, "USDT", "450", "50"), balance(t, "ETH", "1", "0")))
	feed.push(update(103, balance(t, "BTC", "0.8", "0.2")))

	var last core.ChangeEvent
	for want := uint64(101); want <= 103; want++ {
		last = sub.next(t)
		assert.Equal(t, want, last.Sequence)
	}
	assert.Equal(t, []string{"BTC", "ETH", "USDT"}, last.Account.Assets())
	assert.Equal(t, "0.8", freeOf(t, last.Account, "BTC"))
	assert.Equal(t, "450", freeOf(t, last.Account, "USDT"))
}

func TestSubscribe_UnsequencedSource(t *testing.T) {
	client := newFakeClient(
		fetchResult{acc: account(t, 0, balance(t, "BTC", "1", "0"))},
		fetchResult{acc: account(t, 0, balance(t, "BTC", "2", "0"))},
	)
	opener := newFakeOpener()
	cache := newTestCache(client, opener)
	defer cache.Close()
	creds := testCreds(t)

	sub := subscribe(t, cache, creds)
	feed := opener.nextFeed(t)
	waitState(t, cache, creds, StateSubscribed)
	assert.Equal(t, 1, client.Calls())

	feed.push(update(1, balance(t, "BTC", "1.5", "0")))
	ev := sub.next(t)
	assert.Equal(t, uint64(2), ev.Sequence)
	assert.Equal(t, "1.5", freeOf(t, ev.Account, "BTC"))

	// feed message 2 was lost
	feed.push(update(3, balance(t, "BTC", "1.7", "0")))
	ev = sub.next(t)
	assert.True(t, ev.Resync)
	assert.Equal(t, uint64(3), ev.Sequence)
	assert.Equal(t, "2", freeOf(t, ev.Account, "BTC"))
	assert.Equal(t, 2, client.Calls())

	feed.push(update(4, balance(t, "BTC", "2.5", "0")))
	ev = sub.next(t)
	assert.Equal(t, uint64(4), ev.Sequence)
	assert.Equal(t, "2.5", freeOf(t, ev.Account, "BTC"))
}

func TestSubscribe_UpdateOlderThanSnapshot(t *testing.T) {
	seededAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	acc, err := core.NewAccount(10, seededAt, []core.Balance{balance(t, "BTC", "1", "0")})
	require.NoError(t, err)

	client := newFakeClient(fetchResult{acc: acc})
	opener := newFakeOpener()
	cache := newTestCache(client, opener)
	defer cache.Close()
	creds := testCreds(t)

	sub := subscribe(t, cache, creds)
	feed := opener.nextFeed(t)
	waitState(t, cache, creds, StateSubscribed)

	stale := update(11, balance(t, "BTC", "9", "0"))
	stale.Time = seededAt.Add(-time.Second)
	feed.push(stale)

	ev := sub.next(t)
	assert.Equal(t, uint64(11), ev.Sequence)
	assert.Empty(t, ev.Changed)
	assert.Equal(t, "1", freeOf(t, ev.Account, "BTC"))

	fresh := update(12, balance(t, "BTC", "0.5", "0"))
	fresh.Time = seededAt.Add(time.Second)
	feed.push(fresh)

	ev = sub.next(t)
	assert.Equal(t, uint64(12), ev.Sequence)
	assert.Equal(t, []string{"BTC"}, ev.Changed)
	assert.Equal(t, fresh.Time, ev.Account.UpdatedAt())
	assert.Equal(t, 1, client.Calls())
}

func TestSubscribe_PushesWithSameTimeAllApply(t *testing.T) {
	seededAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	acc, err := core.NewAccount(10, seededAt, []core.Balance{
		balance(t, "BTC", "1", "0"),
		balance(t, "USDT", "100", "0"),
	})
	require.NoError(t, err)

	client := newFakeClient(fetchResult{acc: acc})
	opener := newFakeOpener()
	cache := newTestCache(client, opener)
	defer cache.Close()
	creds := testCreds(t)

	sub := subscribe(t, cache, creds)
	feed := opener.nextFeed(t)
	waitState(t, cache, creds, StateSubscribed)

	// a fill and its fee, stamped with the same exchange millisecond
	at := seededAt.Add(time.Second)
	fill := update(11, balance(t, "BTC", "0.5", "0"))
	fill.Time = at
	fee := update(12, balance(t, "USDT", "50", "0"))
	fee.Time = at
	feed.push(fill)
	feed.push(fee)

	ev := sub.next(t)
	assert.Equal(t, uint64(11), ev.Sequence)
	assert.Equal(t, []string{"BTC"}, ev.Changed)

	ev = sub.next(t)
	assert.Equal(t, uint64(12), ev.Sequence)
	assert.Equal(t, []string{"USDT"}, ev.Changed)
	assert.Equal(t, "0.5", freeOf(t, ev.Account, "BTC"))
	assert.Equal(t, "50", freeOf(t, ev.Account, "USDT"))
}

func TestSubscribe_GapResyncWaitsForLaggingSnapshot(t *testing.T) {
	client := newFakeClient(
		fetchResult{acc: account(t, 10, balance(t, "BTC", "1", "0"))},
		fetchResult{acc: account(t, 10, balance(t, "BTC", "1", "0"))},
		fetchResult{acc: account(t, 13, balance(t, "BTC", "0.4", "0"))},
	)
	opener := newFakeOpener()
	cache := newTestCache(client, opener)
	defer cache.Close()
	creds := testCreds(t)

	sub := subscribe(t, cache, creds)
	feed := opener.nextFeed(t)
	waitState(t, cache, creds, StateSubscribed)

	feed.push(update(14, balance(t, "BTC", "0.3", "0")))

	ev := sub.next(t)
	assert.True(t, ev.Resync)
	assert.Equal(t, uint64(13), ev.Sequence)

	ev = sub.next(t)
	assert.False(t, ev.Resync)
	assert.Equal(t, uint64(14), ev.Sequence)
	assert.Equal(t, "0.3", freeOf(t, ev.Account, "BTC"))
	assert.Equal(t, 3, client.Calls())
}

func TestSubscribe_GapResyncGivesUpOnStaleSnapshot(t *testing.T) {
	client := newFakeClient(fetchResult{acc: account(t, 10, balance(t, "BTC", "1", "0"))})
	opener := newFakeOpener()
	cache := newTestCache(client, opener)
	defer cache.Close()
	creds := testCreds(t)

	sub := subscribe(t, cache, creds)
	feed := opener.nextFeed(t)
	waitState(t, cache, creds, StateSubscribed)

	feed.push(update(14, balance(t, "BTC", "0.3", "0")))
	require.Eventually(t, func() bool { return client.Calls() == 1+resyncAttempts },
		2*time.Second, time.Millisecond)
	sub.none(t)

	current, err := cache.Snapshot(context.Background(), creds)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), current.Sequence())
	assert.Equal(t, StateSubscribed, cache.State(creds))
}

func TestSubscribe_SeedStartedBeforeFeedIsRefetched(t *testing.T) {
	client := newFakeClient(
		fetchResult{acc: account(t, 0, balance(t, "BTC", "1", "0"))},
		fetchResult{acc: account(t, 0, balance(t, "BTC", "2", "0"))},
	)
	client.gate = make(chan struct{})
	opener := newFakeOpener()
	cache := newTestCache(client, opener)
	defer cache.Close()
	creds := testCreds(t)

	seeded := make(chan error, 1)
	go func() {
		_, err := cache.Snapshot(context.Background(), creds)
		seeded <- err
	}()
	require.Eventually(t, func() bool { return client.entered.Load() == 1 }, 2*time.Second, time.Millisecond)

	sub := subscribe(t, cache, creds)
	feed := opener.nextFeed(t)
	close(client.gate)
	require.NoError(t, <-seeded)

	ev := sub.next(t)
	assert.True(t, ev.Resync)
	assert.Equal(t, uint64(2), ev.Sequence)
	assert.Equal(t, "2", freeOf(t, ev.Account, "BTC"))
	waitState(t, cache, creds, StateSubscribed)
	assert.Equal(t, 2, client.Calls())

	feed.push(update(1, balance(t, "BTC", "2.5", "0")))
	ev = sub.next(t)
	assert.Equal(t, uint64(3), ev.Sequence)
	assert.Equal(t, "2.5", freeOf(t, ev.Account, "BTC"))
}

func TestSubscribe_AuthFailureIsFatal(t *testing.T) {
	client := newFakeClient(fetchResult{acc: account(t, 10)})
	opener := newFakeOpener()
	cache := newTestCache(client, opener)
	defer cache.Close()
	creds := testCreds(t)

	sub := subscribe(t, cache, creds)
	feed := opener.nextFeed(t)
	waitState(t, cache, creds, StateSubscribed)

	feed.fail(errAuth)

	assert.Same(t, errAuth, sub.result(t))
	assert.True(t, feed.isClosed())
	assert.Equal(t, StateTerminated, cache.State(creds))
	assert.Equal(t, 1, opener.Calls())
	sub.none(t)
}

func TestSubscribe_SeedFailureEndsSubscription(t *testing.T) {
	client := newFakeClient(fetchResult{err: errAuth})
	opener := newFakeOpener()
	cache := newTestCache(client, opener)
	defer cache.Close()
	creds := testCreds(t)

	sub := subscribe(t, cache, creds)
	feed := opener.nextFeed(t)

	assert.Same(t, errAuth, sub.result(t))
	assert.True(t, feed.isClosed())
	assert.Equal(t, StateUnseeded, cache.State(creds))
}

func TestSubscribe_OpenFailureBeforeSubscribed(t *testing.T) {
	opener := newFakeOpener()
	opener.fail = func(int) error { return errNetwork }
	cache := newTestCache(newFakeClient(fetchResult{acc: account(t, 1)}), opener)
	defer cache.Close()

	sub := subscribe(t, cache, testCreds(t))
	assert.Same(t, errNetwork, sub.result(t))
	assert.Equal(t, 1, opener.Calls())
}

func TestSubscribe_ReconnectsAfterTransientFailure(t *testing.T) {
	client := newFakeClient(
		fetchResult{acc: account(t, 10, balance(t, "BTC", "1", "0"))},
		fetchResult{acc: account(t, 12, balance(t, "BTC", "0.7", "0.3"))},
	)
	opener := newFakeOpener()
	cache := newTestCache(client, opener)
	defer cache.Close()
	creds := testCreds(t)

	sub := subscribe(t, cache, creds)
	first := opener.nextFeed(t)
	waitState(t, cache, creds, StateSubscribed)

	first.push(update(11, balance(t, "BTC", "0.9", "0.1")))
	assert.Equal(t, uint64(11), sub.next(t).Sequence)

	first.fail(errNetwork)
	second := opener.nextFeed(t)
	assert.True(t, first.isClosed())

	ev := sub.next(t)
	assert.True(t, ev.Resync)
	assert.Equal(t, uint64(12), ev.Sequence)
	assert.Equal(t, "0.7", freeOf(t, ev.Account, "BTC"))

	second.push(update(13, balance(t, "BTC", "0.6", "0.4")))
	assert.Equal(t, uint64(13), sub.next(t).Sequence)
	assert.Equal(t, StateSubscribed, cache.State(creds))
	assert.Equal(t, 2, client.Calls())
}

func TestSubscribe_GivesUpAfterMaxAttempts(t *testing.T) {
	opener := newFakeOpener()
	opener.fail = func(call int) error {
		if call == 0 {
			return nil
		}
		return errNetwork
	}
	cache := newTestCache(newFakeClient(fetchResult{acc: account(t, 10)}), opener)
	defer cache.Close()
	creds := testCreds(t)

	sub := subscribe(t, cache, creds)
	feed := opener.nextFeed(t)
	waitState(t, cache, creds, StateSubscribed)

	feed.fail(errNetwork)

	err := sub.result(t)
	assert.ErrorIs(t, err, errNetwork)
	assert.True(t, core.IsNetworkError(err))
	assert.Equal(t, 3, opener.Calls())
	assert.Equal(t, StateTerminated, cache.State(creds))
}

func TestSubscribe_FeedEndingWithoutErrorReconnects(t *testing.T) {
	opener := newFakeOpener()
	cache := newTestCache(newFakeClient(fetchResult{acc: account(t, 10)}), opener)
	defer cache.Close()
	creds := testCreds(t)

	subscribe(t, cache, creds)
	first := opener.nextFeed(t)
	waitState(t, cache, creds, StateSubscribed)

	first.fail(nil)
	opener.nextFeed(t)
	assert.True(t, first.isClosed())
}

func TestSubscribe_CancellationClosesFeed(t *testing.T) {
	opener := newFakeOpener()
	cache := newTestCache(newFakeClient(fetchResult{acc: account(t, 10)}), opener)
	defer cache.Close()
	creds := testCreds(t)

	sub := subscribe(t, cache, creds)
	feed := opener.nextFeed(t)
	waitState(t, cache, creds, StateSubscribed)

	sub.cancel()
	require.NoError(t, sub.result(t))
	assert.True(t, feed.isClosed(), "feed must be closed before Subscribe returns")
	assert.Equal(t, StateTerminated, cache.State(creds))
}

func TestSubscribe_SharedFeed(t *testing.T) {
	opener := newFakeOpener()
	cache := newTestCache(newFakeClient(fetchResult{acc: account(t, 10)}), opener)
	defer cache.Close()

	credsA := testCreds(t)
	credsB := testCreds(t)
	require.Equal(t, credsA.Fingerprint(), credsB.Fingerprint())

	a := subscribe(t, cache, credsA)
	feed := opener.nextFeed(t)
	b := subscribe(t, cache, credsB)
	require.Eventually(t, func() bool { return subscriberCount(cache, credsA) == 2 }, 2*time.Second, time.Millisecond)
	waitState(t, cache, credsA, StateSubscribed)

	feed.push(update(11, balance(t, "BTC", "1", "0")))
	assert.Equal(t, uint64(11), a.next(t).Sequence)
	assert.Equal(t, uint64(11), b.next(t).Sequence)

	a.cancel()
	require.NoError(t, a.result(t))
	assert.False(t, feed.isClosed())

	feed.push(update(12, balance(t, "BTC", "2", "0")))
	assert.Equal(t, uint64(12), b.next(t).Sequence)
	a.none(t)

	b.cancel()
	require.NoError(t, b.result(t))
	assert.True(t, feed.isClosed())
	assert.Equal(t, 1, opener.Calls())
}

func TestSubscribe_IndependentAccounts(t *testing.T) {
	opener := newFakeOpener()
	cache := newTestCache(newFakeClient(fetchResult{acc: account(t, 10, balance(t, "BTC", "1", "0"))}), opener)
	defer cache.Close()

	credsA := credsFor(t, "key-a")
	credsB := credsFor(t, "key-b")
	require.NotEqual(t, credsA.Fingerprint(), credsB.Fingerprint())

	a := subscribe(t, cache, credsA)
	feedA := opener.nextFeed(t)
	waitState(t, cache, credsA, StateSubscribed)
	assert.Equal(t, StateUnseeded, cache.State(credsB))

	b := subscribe(t, cache, credsB)
	feedB := opener.nextFeed(t)
	waitState(t, cache, credsB, StateSubscribed)
	require.NotSame(t, feedA, feedB)

	feedA.push(update(11, balance(t, "BTC", "0.5", "0")))
	assert.Equal(t, uint64(11), a.next(t).Sequence)
	b.none(t)

	feedB.push(update(11, balance(t, "BTC", "0.9", "0")))
	feedB.push(update(12, balance(t, "BTC", "0.8", "0")))
	assert.Equal(t, uint64(11), b.next(t).Sequence)
	assert.Equal(t, uint64(12), b.next(t).Sequence)
	a.none(t)

	snapA, err := cache.Snapshot(context.Background(), credsA)
	require.NoError(t, err)
	snapB, err := cache.Snapshot(context.Background(), credsB)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), snapA.Sequence())
	assert.Equal(t, "0.5", freeOf(t, snapA, "BTC"))
	assert.Equal(t, uint64(12), snapB.Sequence())
	assert.Equal(t, "0.8", freeOf(t, snapB, "BTC"))

	a.cancel()
	require.NoError(t, a.result(t))
	assert.True(t, feedA.isClosed())
	assert.False(t, feedB.isClosed())
	assert.Equal(t, StateTerminated, cache.State(credsA))
	assert.Equal(t, StateSubscribed, cache.State(credsB))

	feedB.push(update(13, balance(t, "BTC", "0.7", "0")))
	assert.Equal(t, uint64(13), b.next(t).Sequence)
}

func TestSubscribe_RestartsAfterTermination(t *testing.T) {
	client := newFakeClient(fetchResult{acc: account(t, 10)})
	opener := newFakeOpener()
	cache := newTestCache(client, opener)
	defer cache.Close()
	creds := testCreds(t)

	first := subscribe(t, cache, creds)
	opener.nextFeed(t)
	waitState(t, cache, creds, StateSubscribed)
	first.cancel()
	require.NoError(t, first.result(t))

	second := subscribe(t, cache, creds)
	feed := opener.nextFeed(t)
	waitState(t, cache, creds, StateSubscribed)

	feed.push(update(11, balance(t, "BTC", "1", "0")))
	assert.Equal(t, uint64(11), second.next(t).Sequence)
	assert.Equal(t, 2, opener.Calls())
	assert.Equal(t, 1, client.Calls())
}

func TestSubscribe_Validation(t *testing.T) {
	cache := newTestCache(newFakeClient(fetchResult{acc: account(t, 1)}), newFakeOpener())
	defer cache.Close()

	assert.Error(t, cache.Subscribe(context.Background(), testCreds(t), nil))
	assert.ErrorIs(t, cache.Subscribe(context.Background(), nil, func(core.ChangeEvent) {}), core.ErrNoCredentials)

	_, err := cache.Snapshot(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrNoCredentials)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, cache.Subscribe(ctx, testCreds(t), func(core.ChangeEvent) {}))
}

func TestCache_Close(t *testing.T) {
	opener := newFakeOpener()
	cache := newTestCache(newFakeClient(fetchResult{acc: account(t, 10)}), opener)
	creds := testCreds(t)

	sub := subscribe(t, cache, creds)
	feed := opener.nextFeed(t)
	waitState(t, cache, creds, StateSubscribed)

	require.NoError(t, cache.Close())
	assert.True(t, feed.isClosed())
	assert.ErrorIs(t, sub.result(t), core.ErrCacheClosed)

	_, err := cache.Snapshot(context.Background(), creds)
	assert.ErrorIs(t, err, core.ErrCacheClosed)
	assert.ErrorIs(t, cache.Subscribe(context.Background(), creds, func(core.ChangeEvent) {}), core.ErrCacheClosed)
	assert.NoError(t, cache.Close())
}

func TestCache_Changes(t *testing.T) {
	opener := newFakeOpener()
	cache := newTestCache(newFakeClient(fetchResult{acc: account(t, 10)}), opener)
	defer cache.Close()
	creds := testCreds(t)

	ctx, cancel := context.WithCancel(context.Background())
	events, errs := cache.Changes(ctx, creds)
	feed := opener.nextFeed(t)
	waitState(t, cache, creds, StateSubscribed)

	feed.push(update(11, balance(t, "BTC", "1", "0")))
	select {
	case ev := <-events:
		assert.Equal(t, uint64(11), ev.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}

	cancel()
	for range events {
	}
	err, ok := <-errs
	assert.False(t, ok)
	assert.NoError(t, err)
	assert.True(t, feed.isClosed())
}

func TestCache_ChangesReportsFatalError(t *testing.T) {
	opener := newFakeOpener()
	cache := newTestCache(newFakeClient(fetchResult{err: errAuth}), opener)
	defer cache.Close()

	events, errs := cache.Changes(context.Background(), testCreds(t))
	for range events {
	}
	err := <-errs
	assert.True(t, errors.Is(err, errAuth))
}

func TestSubscriber_DeliversInIncreasingOrder(t *testing.T) {
	s := newSubscriber(8, zerolog.Nop())
	for _, seq := range []uint64{5, 5, 3, 6, 6, 9} {
		s.queue <- core.ChangeEvent{Sequence: seq}
	}
	close(s.queue)

	var got []uint64
	s.run(context.Background(), func(ev core.ChangeEvent) { got = append(got, ev.Sequence) })
	assert.Equal(t, []uint64{5, 6, 9}, got)
}

func TestSubscriber_NoCallbackAfterCancel(t *testing.T) {
	s := newSubscriber(8, zerolog.Nop())
	s.queue <- core.ChangeEvent{Sequence: 1}
	close(s.queue)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	s.run(ctx, func(core.ChangeEvent) { called = true })
	assert.False(t, called)
}
