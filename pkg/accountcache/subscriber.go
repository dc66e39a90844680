package accountcache

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"saldo/pkg/core"
)

// subscriber owns the goroutine that runs one Subscribe call's callback.
type subscriber struct {
	id     string
	logger zerolog.Logger

	// queue is closed by the loop when it ends.
	queue chan core.ChangeEvent
	// gone is closed when the subscriber detaches from a running loop.
	gone     chan struct{}
	finished chan struct{}

	last uint64
}

func newSubscriber(bufferSize int, logger zerolog.Logger) *subscriber {
	id := uuid.NewString()
	return &subscriber{
		id:       id,
		logger:   logger.With().Str("subscriber", id).Logger(),
		queue:    make(chan core.ChangeEvent, bufferSize),
		gone:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// run calls onChange for every queued event until the queue is closed, the
// subscriber detaches, or ctx is done. Events at or below the last delivered
// sequence are skipped.
func (s *subscriber) run(ctx context.Context, onChange func(core.ChangeEvent)) {
	defer close(s.finished)

	for {
		select {
		case <-s.gone:
			return
		case ev, ok := <-s.queue:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			if ev.Sequence <= s.last {
				s.logger.Debug().Uint64("seq", ev.Sequence).Uint64("last", s.last).Msg("skipping already delivered event")
				continue
			}
			s.last = ev.Sequence
			onChange(ev)
		}
	}
}

// deliver queues ev, waiting while the queue is full.
func (s *subscriber) deliver(ctx context.Context, ev core.ChangeEvent) {
	select {
	case s.queue <- ev:
	case <-s.gone:
	case <-ctx.Done():
	}
}
