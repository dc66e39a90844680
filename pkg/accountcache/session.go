package accountcache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"saldo/pkg/core"
)

// session is the cache entry of one account.
type session struct {
	key    string
	logger zerolog.Logger

	// snapshot is replaced, never modified.
	snapshot atomic.Pointer[core.Account]
	state    atomicState
	// sequenced is set when the exchange numbers its snapshots; feed and
	// snapshot sequences then share one space.
	sequenced atomic.Bool
	// fetchedAt is the exchange time of the last fetched snapshot. Pushes
	// at or before it are already part of that snapshot.
	fetchedAt atomic.Pointer[time.Time]
	// fetches counts seeding fetches started; seedFetch is the number of
	// the one whose result was stored.
	fetches   atomic.Uint64
	seedFetch atomic.Uint64

	// guarded by Cache.mu
	creds *core.Credentials
	loop  *loop
}

func newSession(key string, logger zerolog.Logger) *session {
	return &session{
		key:    key,
		logger: logger.With().Str("account", key).Logger(),
	}
}

// storeSeed installs the first snapshot, produced by seeding fetch n,
// unless one is already present and returns whichever snapshot is current.
func (s *session) storeSeed(acc *core.Account, n uint64) *core.Account {
	if acc.Sequence() == 0 {
		acc = acc.WithSequence(1)
	} else {
		s.sequenced.Store(true)
	}

	if !s.snapshot.CompareAndSwap(nil, acc) {
		return s.snapshot.Load()
	}
	s.seedFetch.Store(n)
	s.markFetched(acc)
	s.state.CompareAndSwap(StateUnseeded, StateSeeded)
	s.logger.Info().
		Uint64("seq", acc.Sequence()).
		Int("assets", acc.Len()).
		Msg("snapshot seeded")
	return acc
}

func (s *session) markFetched(acc *core.Account) {
	t := acc.UpdatedAt()
	s.fetchedAt.Store(&t)
}

// coveredByFetch reports whether a push stamped t happened before the last
// fetched snapshot was taken. Pushes without a time never are.
func (s *session) coveredByFetch(t time.Time) bool {
	fetched := s.fetchedAt.Load()
	if t.IsZero() || fetched == nil || fetched.IsZero() {
		return false
	}
	return !t.After(*fetched)
}

// loop is one run of a session's reconciliation goroutine.
type loop struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	// err is written before done is closed.
	err error

	// guarded by Cache.mu
	subscribers map[string]*subscriber
	stopping    bool
}

// sequenceGapError records a feed update that skipped ahead of the snapshot.
type sequenceGapError struct {
	current uint64
	got     uint64
}

func (e *sequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap: snapshot at %d, update %d", e.current, e.got)
}
