package accountcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/stretchr/testify/require"

	"saldo/pkg/core"
	"saldo/pkg/stream"
)

type fetchResult struct {
	acc *core.Account
	err error
}

// fakeClient answers GetAccount from a script; the last entry repeats.
type fakeClient struct {
	gate    chan struct{}
	entered atomic.Int32

	mu      sync.Mutex
	results []fetchResult
	calls   int
}

func newFakeClient(results ...fetchResult) *fakeClient {
	return &fakeClient{results: results}
}

func (f *fakeClient) GetAccount(ctx context.Context, _ *core.Credentials) (*core.Account, error) {
	f.entered.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	r := f.results[min(f.calls, len(f.results))-1]
	return r.acc, r.err
}

func (f *fakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFeed struct {
	updates chan stream.Update
	seq     atomic.Uint64
	closed  chan struct{}
	once    sync.Once

	mu  sync.Mutex
	err error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		updates: make(chan stream.Update, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeFeed) Updates() <-chan stream.Update { return f.updates }
func (f *fakeFeed) Sequence() uint64              { return f.seq.Load() }

func (f *fakeFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeFeed) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeFeed) push(u stream.Update) {
	if u.Sequence > f.seq.Load() {
		f.seq.Store(u.Sequence)
	}
	f.updates <- u
}

func (f *fakeFeed) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	close(f.updates)
}

func (f *fakeFeed) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeOpener hands out a new fakeFeed per call unless fail rejects the call.
type fakeOpener struct {
	fail   func(call int) error
	opened chan *fakeFeed

	mu    sync.Mutex
	calls int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{opened: make(chan *fakeFeed, 16)}
}

func (o *fakeOpener) OpenFeed(ctx context.Context, _ *core.Credentials) (stream.Feed, error) {
	o.mu.Lock()
	call := o.calls
	o.calls++
	o.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.fail != nil {
		if err := o.fail(call); err != nil {
			return nil, err
		}
	}
	f := newFakeFeed()
	o.opened <- f
	return f, nil
}

func (o *fakeOpener) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func (o *fakeOpener) nextFeed(t *testing.T) *fakeFeed {
	t.Helper()
	select {
	case f := <-o.opened:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed to open")
		return nil
	}
}

func testCreds(t *testing.T) *core.Credentials {
	t.Helper()
	return credsFor(t, "api-key")
}

func credsFor(t *testing.T, key string) *core.Credentials {
	t.Helper()
	creds, err := core.NewCredentials(key, key+"-secret")
	require.NoError(t, err)
	return creds
}

func balance(t *testing.T, asset, free, locked string) core.Balance {
	t.Helper()
	b := core.Balance{Asset: asset}
	f, _, err := apd.NewFromString(free)
	require.NoError(t, err)
	l, _, err := apd.NewFromString(locked)
	require.NoError(t, err)
	b.Free.Set(f)
	b.Locked.Set(l)
	return b
}

func account(t *testing.T, seq uint64, balances ...core.Balance) *core.Account {
	t.Helper()
	acc, err := core.NewAccount(seq, time.Time{}, balances)
	require.NoError(t, err)
	return acc
}

func update(seq uint64, balances ...core.Balance) stream.Update {
	return stream.Update{Sequence: seq, Balances: balances}
}
