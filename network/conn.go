package network

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of the duplex connection.
type State string

const (
	StateDisconnected  State = "DISCONNECTED"
	StateConnecting    State = "CONNECTING"
	StateAuthenticated State = "AUTHENTICATED"
	StateConnected     State = "CONNECTED"
)

// DefaultDialTimeout bounds the websocket handshake.
const DefaultDialTimeout = 30 * time.Second

// Conn is one persistent duplex connection. It is opened with the bearer
// token as a query parameter, sends the auth event on open, and treats the
// successful open itself as sufficient to reach Connected.
type Conn struct {
	ws *websocket.Conn

	stateMu sync.RWMutex
	state   State

	sendMu sync.Mutex

	inbound chan Frame

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error

	log zerolog.Logger
}

// Dial opens the duplex connection, authenticates, and starts the read
// loop.
func Dial(ctx context.Context, wsURL, token string, log zerolog.Logger) (*Conn, error) {
	endpoint, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	query := endpoint.Query()
	query.Set("token", token)
	endpoint.RawQuery = query.Encode()

	conn := &Conn{
		state:   StateConnecting,
		inbound: make(chan Frame, 64),
		closed:  make(chan struct{}),
		log:     log.With().Str("component", "conn").Logger(),
	}

	dialer := websocket.Dialer{HandshakeTimeout: DefaultDialTimeout}
	ws, _, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		conn.setState(StateDisconnected)
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	conn.ws = ws

	// The open itself is the handshake; no explicit ack is awaited.
	if err := conn.writeFrame(EventAuth, AuthPayload{Token: token}); err != nil {
		_ = ws.Close()
		conn.setState(StateDisconnected)
		return nil, fmt.Errorf("send auth event: %w", err)
	}
	conn.setState(StateAuthenticated)
	conn.setState(StateConnected)

	go conn.readLoop()

	return conn, nil
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Frames returns the inbound frame channel. It is closed when the
// connection disconnects.
func (c *Conn) Frames() <-chan Frame {
	return c.inbound
}

// Done is closed when the connection is fully disconnected.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal transport error, if any.
func (c *Conn) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Send marshals and writes one outbound event. Outside the Connected
// state the frame is dropped with a warning; there is no retry queue.
func (c *Conn) Send(event string, payload any) error {
	if c.State() != StateConnected {
		c.log.Warn().Str("event", event).Msg("dropping send while not connected")
		return ErrNotConnected
	}
	return c.writeFrame(event, payload)
}

// Close terminates the connection. Closing is the only teardown action.
func (c *Conn) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Conn) writeFrame(event string, payload any) error {
	raw, err := EncodeFrame(event, payload)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.inbound)

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.closeWithError(nil)
			} else if errors.Is(err, context.Canceled) {
				c.closeWithError(nil)
			} else {
				c.closeWithError(fmt.Errorf("read frame: %w", err))
			}
			return
		}

		frame, err := DecodeFrame(raw)
		if err != nil {
			// Malformed frames are a protocol violation by the server;
			// they are logged and skipped, never fatal to the loop.
			c.log.Warn().Err(err).Msg("ignoring malformed inbound frame")
			continue
		}

		select {
		case c.inbound <- frame:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) setState(state State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		c.setState(StateDisconnected)
		_ = c.ws.Close()
		close(c.closed)

		if err != nil {
			c.log.Warn().Err(err).Msg("connection closed")
		}
	})
}
