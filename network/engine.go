package network

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cryptchat/models"
)

// Handler receives the effects of inbound events. Implemented by
// session.Session; tests substitute a fake.
type Handler interface {
	HandleNewMessage(msg models.Message)
	HandleNewChat()
	HandleMessageRead(conversationID int64, messageIDs []int64, readAt time.Time)
	HandleParticipantChange(conversationID int64)
}

// Options configures the sync engine.
type Options struct {
	URL     string
	Token   string
	Handler Handler
	Logger  zerolog.Logger

	// Reconnect enables exponential-backoff redial after a transport
	// loss. The reference behavior is a silently stalled session; this
	// stays off unless configured.
	Reconnect bool

	// MaxReconnectInterval caps the backoff when Reconnect is enabled.
	MaxReconnectInterval time.Duration
}

// Engine owns the duplex connection for one authenticated session: it
// dispatches inbound events to the handler and exposes the outbound
// operations.
type Engine struct {
	options Options
	log     zerolog.Logger

	connMu sync.RWMutex
	conn   *Conn

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewEngine creates an engine with validated configuration.
func NewEngine(options Options) (*Engine, error) {
	if options.URL == "" {
		return nil, errors.New("url is required")
	}
	if options.Token == "" {
		return nil, errors.New("token is required")
	}
	if options.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if options.MaxReconnectInterval <= 0 {
		options.MaxReconnectInterval = time.Minute
	}

	return &Engine{
		options: options,
		log:     options.Logger.With().Str("component", "sync").Logger(),
	}, nil
}

// Start dials the connection and begins dispatching inbound events.
func (e *Engine) Start(ctx context.Context) error {
	if e.ctx != nil {
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	conn, err := Dial(e.ctx, e.options.URL, e.options.Token, e.log)
	if err != nil {
		return err
	}
	e.setConn(conn)

	e.wg.Add(1)
	go e.run(conn)

	return nil
}

// Stop closes the connection and waits for dispatch to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel == nil {
			return
		}
		e.cancel()
		if conn := e.currentConn(); conn != nil {
			_ = conn.Close()
		}
		e.wg.Wait()
	})
}

// State reports the connection state, Disconnected when no connection
// exists.
func (e *Engine) State() State {
	conn := e.currentConn()
	if conn == nil {
		return StateDisconnected
	}
	return conn.State()
}

// SendChatMessage emits one encrypted message for a conversation.
func (e *Engine) SendChatMessage(conversationID int64, iv, ciphertext []byte) error {
	return e.send(EventSendMessage, SendMessagePayload{
		ConversationID: conversationID,
		IV:             base64.StdEncoding.EncodeToString(iv),
		Ciphertext:     base64.StdEncoding.EncodeToString(ciphertext),
		ClientRef:      uuid.NewString(),
	})
}

// SendReadReceipt emits a message_read watermark for a conversation.
func (e *Engine) SendReadReceipt(conversationID int64, messageIDs []int64) error {
	return e.send(EventMessageRead, MessageReadPayload{
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
	})
}

// SendCreateChat emits conversation metadata plus the wrapped session
// keys.
func (e *Engine) SendCreateChat(payload CreateChatPayload) error {
	return e.send(EventCreateChat, payload)
}

func (e *Engine) send(event string, payload any) error {
	conn := e.currentConn()
	if conn == nil {
		e.log.Warn().Str("event", event).Msg("dropping send without connection")
		return ErrNotConnected
	}
	return conn.Send(event, payload)
}

// run dispatches one connection's frames, then optionally reconnects.
func (e *Engine) run(conn *Conn) {
	defer e.wg.Done()

	for {
		for frame := range conn.Frames() {
			dispatch(frame, e.options.Handler, e.log)
		}

		if err := conn.LastError(); err != nil {
			e.log.Warn().Err(err).Msg("transport error, connection lost")
		}

		if !e.options.Reconnect || e.ctx.Err() != nil {
			return
		}

		next, err := e.redial()
		if err != nil {
			return
		}
		conn = next
	}
}

func (e *Engine) redial() (*Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = e.options.MaxReconnectInterval
	policy.MaxElapsedTime = 0

	var conn *Conn
	operation := func() error {
		dialed, err := Dial(e.ctx, e.options.URL, e.options.Token, e.log)
		if err != nil {
			e.log.Warn().Err(err).Msg("reconnect attempt failed")
			return err
		}
		conn = dialed
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, e.ctx)); err != nil {
		return nil, err
	}

	e.setConn(conn)
	e.log.Info().Msg("reconnected")
	return conn, nil
}

func (e *Engine) currentConn() *Conn {
	e.connMu.RLock()
	defer e.connMu.RUnlock()
	return e.conn
}

func (e *Engine) setConn(conn *Conn) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	e.conn = conn
}

// dispatch applies one inbound frame to the handler. It is a pure routing
// step so the protocol is testable without a live socket.
func dispatch(frame Frame, handler Handler, log zerolog.Logger) {
	switch frame.Event {
	case EventNewMessage:
		var msg models.Message
		if err := json.Unmarshal(frame.Payload(), &msg); err != nil {
			log.Warn().Err(err).Msg("malformed new_message payload")
			return
		}
		handler.HandleNewMessage(msg)

	case EventNewChat:
		handler.HandleNewChat()

	case EventMessageRead:
		var payload MessageReadPayload
		if err := json.Unmarshal(frame.Payload(), &payload); err != nil {
			log.Warn().Err(err).Msg("malformed message_read payload")
			return
		}
		handler.HandleMessageRead(payload.ConversationID, payload.MessageIDs, payload.ReadAt)

	case EventParticipantAdded, EventParticipantRemoved:
		var payload ParticipantChangePayload
		if err := json.Unmarshal(frame.Payload(), &payload); err != nil {
			log.Warn().Err(err).Str("event", frame.Event).Msg("malformed participant payload")
			return
		}
		handler.HandleParticipantChange(payload.ConversationID)

	case EventError:
		var payload ErrorPayload
		_ = json.Unmarshal(frame.Payload(), &payload)
		log.Warn().Str("server_error", payload.Message).Msg("server reported error")

	default:
		log.Warn().Str("event", frame.Event).Msg("unknown inbound event")
	}
}
