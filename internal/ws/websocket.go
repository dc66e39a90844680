// Package ws wraps a single gws client connection. A Conn is used once:
// when it drops, the owner dials a new one.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lxzan/gws"
	"github.com/rs/zerolog"
)

// Config holds configuration options for a websocket connection.
type Config struct {
	// URL is the websocket server endpoint to connect to.
	URL string
	// ReadTimeout is how long the connection may stay silent (no frame,
	// ping or pong) before it is considered dead.
	ReadTimeout time.Duration
	// PingInterval is the period of client pings. Zero disables them.
	PingInterval time.Duration
	// HandshakeTimeout bounds the opening handshake.
	HandshakeTimeout time.Duration
	// BufferSize is the capacity of the inbound message channel.
	BufferSize int
}

func (c *Config) applyDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Minute
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.BufferSize == 0 {
		c.BufferSize = 64
	}
}

// Conn is an established websocket connection delivering text and binary
// frames on Messages until the peer closes, the read deadline expires, or
// Close is called.
type Conn struct {
	config Config
	state  State
	socket *gws.Conn
	logger zerolog.Logger

	messages chan []byte
	closing  chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
	wg        sync.WaitGroup
}

// Dial connects to config.URL. The returned Conn is already reading.
func Dial(ctx context.Context, config Config, logger zerolog.Logger) (*Conn, error) {
	config.applyDefaults()

	c := &Conn{
		config:   config,
		logger:   logger.With().Str("url", config.URL).Logger(),
		messages: make(chan []byte, config.BufferSize),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.state.Store(StateConnecting)

	type dialResult struct {
		socket *gws.Conn
		err    error
	}
	result := make(chan dialResult, 1)
	go func() {
		socket, _, err := gws.NewClient(c, &gws.ClientOption{
			Addr:             config.URL,
			HandshakeTimeout: config.HandshakeTimeout,
		})
		result <- dialResult{socket: socket, err: err}
	}()

	var res dialResult
	select {
	case res = <-result:
	case <-ctx.Done():
		go func() {
			if r := <-result; r.socket != nil {
				_ = r.socket.NetConn().Close()
			}
		}()
		c.state.Store(StateDisconnected)
		return nil, ctx.Err()
	}
	if res.err != nil {
		c.state.Store(StateDisconnected)
		return nil, fmt.Errorf("connect websocket: %w", res.err)
	}

	c.socket = res.socket
	c.state.Store(StateConnected)
	c.touch(res.socket)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.done)
		res.socket.ReadLoop()
	}()

	if config.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}

	c.logger.Info().Msg("websocket connected")
	return c, nil
}

func (c *Conn) touch(socket *gws.Conn) {
	_ = socket.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
}

func (c *Conn) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.socket.WritePing(nil); err != nil {
				c.logger.Debug().Err(err).Msg("websocket ping failed")
			}
		}
	}
}

func (c *Conn) OnOpen(socket *gws.Conn) {
	c.touch(socket)
}

func (c *Conn) OnClose(socket *gws.Conn, err error) {
	select {
	case <-c.closing:
		err = nil
	default:
		c.state.Store(StateDisconnected)
		if err == nil {
			err = errors.New("websocket closed by peer")
		}
		c.logger.Warn().Err(err).Msg("websocket disconnected")
	}

	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	// OnMessage runs on the read goroutine too, so no send can race this close.
	close(c.messages)
}

func (c *Conn) OnPing(socket *gws.Conn, payload []byte) {
	c.touch(socket)
	_ = socket.WritePong(payload)
}

func (c *Conn) OnPong(socket *gws.Conn, payload []byte) {
	c.touch(socket)
}

func (c *Conn) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	c.touch(socket)

	if message.Data.Len() == 0 {
		return
	}
	// the message buffer is recycled after Close
	data := append([]byte(nil), message.Bytes()...)

	select {
	case c.messages <- data:
	case <-c.closing:
	}
}

// Send writes one text frame. gws serialises concurrent writers.
func (c *Conn) Send(data []byte) error {
	if st := c.state.Load(); st != StateConnected {
		return fmt.Errorf("send on %s connection", st)
	}
	return c.socket.WriteMessage(gws.OpcodeText, data)
}

// Messages yields inbound frames. It is closed when the connection ends.
func (c *Conn) Messages() <-chan []byte {
	return c.messages
}

// Done is closed once the read loop has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended. It is nil while the connection is
// open and after a local Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) State() ConnState {
	return c.state.Load()
}

// Close tears down the socket and waits for the connection goroutines to exit.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(StateClosed)
		close(c.closing)
		// closing the net.Conn makes ReadLoop fail and run OnClose on its own goroutine
		_ = c.socket.NetConn().Close()
		c.wg.Wait()
		c.logger.Debug().Msg("websocket closed")
	})
	return nil
}
