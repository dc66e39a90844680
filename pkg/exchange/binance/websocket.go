package binance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"saldo/internal/ws"
	"saldo/pkg/core"
	"saldo/pkg/stream"
)

var _ stream.Feed = (*UserStream)(nil)

// UserStream is the account feed of one listen key. Binance account events
// carry no sequence, so the stream numbers outboundAccountPosition frames
// 1, 2, 3 in arrival order.
type UserStream struct {
	client    *Client
	creds     *core.Credentials
	listenKey string
	conn      *ws.Conn
	logger    zerolog.Logger

	updates chan stream.Update
	seq     atomic.Uint64

	stop      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu     sync.Mutex
	err    error
	closed bool
}

func newUserStream(client *Client, creds *core.Credentials, listenKey string, conn *ws.Conn) *UserStream {
	s := &UserStream{
		client:    client,
		creds:     creds,
		listenKey: listenKey,
		conn:      conn,
		logger:    client.logger.With().Str("listen_key", core.MaskKey(listenKey)).Logger(),
		updates:   make(chan stream.Update),
		stop:      make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.keepAliveLoop(client.config.KeepAliveInterval)
	return s
}

func (s *UserStream) Updates() <-chan stream.Update {
	return s.updates
}

func (s *UserStream) Sequence() uint64 {
	return s.seq.Load()
}

func (s *UserStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.err
}

// Close disconnects the socket, waits for the stream goroutines and then
// deletes the listen key.
func (s *UserStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.halt()
		_ = s.conn.Close()
		s.wg.Wait()
		s.client.closeListenKey(s.creds, s.listenKey)
		s.logger.Debug().Msg("user stream closed")
	})
	return nil
}

// fail ends the stream with err. The first error wins.
func (s *UserStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.halt()
}

func (s *UserStream) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *UserStream) readLoop() {
	defer s.wg.Done()
	defer close(s.updates)

	messages := s.conn.Messages()
	for {
		select {
		case <-s.stop:
			return
		case data, ok := <-messages:
			if !ok {
				s.fail(core.NewExchangeError(s.client.Name(), core.ErrorTypeNetwork, 0, "user stream disconnected").
					WithCode(core.ErrCodeNetwork).
					WithCause(s.conn.Err()))
				return
			}
			if !s.handle(data) {
				return
			}
		}
	}
}

// handle processes one frame and reports whether the stream is still live.
func (s *UserStream) handle(data []byte) bool {
	var head userEvent
	if err := sonic.Unmarshal(data, &head); err != nil {
		s.logger.Debug().Err(err).Msg("failed to parse user stream frame")
		return true
	}

	switch head.EventType {
	case "outboundAccountPosition":
		// Number the frame even if it cannot be decoded: the hole makes the
		// next update look like a gap and forces a resync.
		seq := s.seq.Add(1)

		var event accountPositionEvent
		if err := sonic.Unmarshal(data, &event); err != nil {
			s.logger.Warn().Err(err).Uint64("seq", seq).Msg("dropping malformed account position")
			return true
		}
		update, err := normalizeAccountPosition(&event, seq)
		if err != nil {
			s.logger.Warn().Err(err).Uint64("seq", seq).Msg("dropping malformed account position")
			return true
		}

		select {
		case s.updates <- update:
			return true
		case <-s.stop:
			return false
		}

	case "balanceUpdate":
		var event balanceUpdateEvent
		if err := sonic.Unmarshal(data, &event); err == nil {
			s.logger.Debug().Str("asset", event.Asset).Str("delta", event.Delta).Msg("balance delta")
		}
		return true

	case "listenKeyExpired":
		s.fail(core.NewExchangeError(s.client.Name(), core.ErrorTypeNetwork, 0, "listen key expired").
			WithCode(core.ErrCodeStreamExpired))
		return false

	default:
		s.logger.Debug().Str("event", head.EventType).Msg("unhandled event type")
		return true
	}
}

func (s *UserStream) keepAliveLoop(interval time.Duration) {
	defer s.wg.Done()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.keepAlive() {
				return
			}
		}
	}
}

func (s *UserStream) keepAlive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.config.Timeout)
	defer cancel()

	err := s.client.KeepAliveListenKey(ctx, s.creds, s.listenKey)
	switch {
	case err == nil:
		s.logger.Debug().Msg("listen key extended")
		return true
	case core.IsErrorCode(err, core.ErrCodeInvalidListenKey):
		s.fail(core.NewExchangeError(s.client.Name(), core.ErrorTypeNetwork, 0, "listen key no longer valid").
			WithCode(core.ErrCodeStreamExpired).
			WithCause(err))
		return false
	case core.IsAuthenticationError(err):
		s.fail(err)
		return false
	default:
		s.logger.Warn().Err(err).Msg("listen key keepalive failed")
		return true
	}
}
