package bybit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"saldo/internal/ws"
	"saldo/pkg/core"
	"saldo/pkg/stream"
)

const heartbeatInterval = 20 * time.Second

var _ stream.Feed = (*WalletStream)(nil)

type opRequest struct {
	ReqID string `json:"req_id"`
	Op    string `json:"op"`
	Args  []any  `json:"args,omitempty"`
}

// handshake sends op and waits for its reply. Topic pushes that arrive
// meanwhile are returned so the stream can replay them.
func (c *Client) handshake(ctx context.Context, conn *ws.Conn, op string, args []any) ([][]byte, error) {
	req := opRequest{ReqID: uuid.NewString(), Op: op, Args: args}
	payload, err := sonic.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(payload); err != nil {
		return nil, core.NewExchangeError(c.Name(), core.ErrorTypeNetwork, 0, op+" request").
			WithCode(core.ErrCodeNetwork).
			WithCause(err)
	}

	var pending [][]byte
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, core.NewExchangeError(c.Name(), core.ErrorTypeTimeout, 0, "no "+op+" reply").
					WithCode(core.ErrCodeTimeout)
			}
			return nil, ctx.Err()
		case data, ok := <-conn.Messages():
			if !ok {
				return nil, core.NewExchangeError(c.Name(), core.ErrorTypeNetwork, 0, "private stream closed during "+op).
					WithCode(core.ErrCodeNetwork).
					WithCause(conn.Err())
			}

			var frame streamFrame
			if err := sonic.Unmarshal(data, &frame); err != nil {
				c.logger.Debug().Err(err).Msg("failed to parse private stream frame")
				continue
			}
			if frame.Topic != "" {
				pending = append(pending, data)
				continue
			}
			if frame.Op != op || (frame.ReqID != "" && frame.ReqID != req.ReqID) {
				continue
			}
			if frame.Success != nil && !*frame.Success {
				return nil, c.opError(op, frame.RetMsg)
			}
			c.logger.Debug().Str("op", op).Msg("private stream op acknowledged")
			return pending, nil
		}
	}
}

func (c *Client) opError(op, msg string) error {
	if op == "auth" {
		return core.NewExchangeError(c.Name(), core.ErrorTypeAuthentication, 0, msg).WithCode(core.ErrCodeAuth)
	}
	return core.NewExchangeError(c.Name(), core.ErrorTypeBadRequest, 0, op+": "+msg).WithCode(core.ErrCodeBadRequest)
}

// WalletStream is the wallet topic of one authenticated private socket.
// Wallet pushes carry no sequence, so the stream numbers them 1, 2, 3 in
// arrival order.
type WalletStream struct {
	client  *Client
	conn    *ws.Conn
	logger  zerolog.Logger
	pending [][]byte

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

func newWalletStream(client *Client, conn *ws.Conn, pending [][]byte) *WalletStream {
	s := &WalletStream{
		client:  client,
		conn:    conn,
		logger:  client.logger.With().Str("topic", "wallet").Logger(),
		pending: pending,
		updates: make(chan stream.Update),
		stop:    make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.heartbeat()
	return s
}

func (s *WalletStream) Updates() <-chan stream.Update {
	return s.updates
}

func (s *WalletStream) Sequence() uint64 {
	return s.seq.Load()
}

func (s *WalletStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.err
}

// Close disconnects the socket and waits for the stream goroutines.
func (s *WalletStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.halt()
		_ = s.conn.Close()
		s.wg.Wait()
		s.logger.Debug().Msg("wallet stream closed")
	})
	return nil
}

func (s *WalletStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.halt()
}

func (s *WalletStream) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *WalletStream) readLoop() {
	defer s.wg.Done()
	defer close(s.updates)

	for _, data := range s.pending {
		if !s.handle(data) {
			return
		}
	}
	s.pending = nil

	messages := s.conn.Messages()
	for {
		select {
		case <-s.stop:
			return
		case data, ok := <-messages:
			if !ok {
				s.fail(core.NewExchangeError(s.client.Name(), core.ErrorTypeNetwork, 0, "private stream disconnected").
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

func (s *WalletStream) handle(data []byte) bool {
	var frame streamFrame
	if err := sonic.Unmarshal(data, &frame); err != nil {
		s.logger.Debug().Err(err).Msg("failed to parse private stream frame")
		return true
	}

	switch {
	case frame.Topic == "wallet":
		// a frame that fails to decode still takes its number, so the
		// next one shows up as a gap
		seq := s.seq.Add(1)

		var event walletEvent
		if err := sonic.Unmarshal(data, &event); err != nil {
			s.logger.Warn().Err(err).Uint64("seq", seq).Msg("dropping malformed wallet push")
			return true
		}
		update, err := s.normalize(&event, seq)
		if err != nil {
			s.logger.Warn().Err(err).Uint64("seq", seq).Msg("dropping malformed wallet push")
			return true
		}

		select {
		case s.updates <- update:
			return true
		case <-s.stop:
			return false
		}

	case frame.Op == "pong" || frame.Op == "ping":
		return true

	default:
		s.logger.Debug().Str("op", frame.Op).Str("topic", frame.Topic).Msg("unhandled private stream frame")
		return true
	}
}

// normalize keeps the coins of the client's account type only.
func (s *WalletStream) normalize(event *walletEvent, seq uint64) (stream.Update, error) {
	accounts := make([]bybitWalletAccount, 0, len(event.Data))
	for _, acc := range event.Data {
		if acc.AccountType == "" || acc.AccountType == s.client.accountType {
			accounts = append(accounts, acc)
		}
	}
	balances, err := normalizeAccounts(accounts)
	if err != nil {
		return stream.Update{}, err
	}
	return stream.Update{
		Sequence: seq,
		Balances: balances,
		Time:     millis(event.CreationTime),
	}, nil
}

// heartbeat sends the application-level ping Bybit expects every 20s.
func (s *WalletStream) heartbeat() {
	defer s.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	var n int
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			n++
			payload, _ := sonic.Marshal(opRequest{ReqID: "hb-" + strconv.Itoa(n), Op: "ping"})
			if err := s.conn.Send(payload); err != nil {
				s.logger.Debug().Err(err).Msg("heartbeat failed")
			}
		}
	}
}
