package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cryptchat/api"
)

// Inbound and outbound event names carried on the duplex channel.
const (
	EventAuth               = "auth"
	EventNewMessage         = "new_message"
	EventNewChat            = "new_chat"
	EventMessageRead        = "message_read"
	EventParticipantAdded   = "participant_added"
	EventParticipantRemoved = "participant_removed"
	EventCreateChat         = "create_chat"
	EventSendMessage        = "send_message"
	EventError              = "error"
)

var (
	// ErrInvalidEventType indicates a frame without a usable event name.
	ErrInvalidEventType = errors.New("network: invalid event type")
	// ErrNotConnected indicates a send was attempted outside the
	// Connected state. Such sends are dropped, not queued.
	ErrNotConnected = errors.New("network: not connected")
)

// Frame is one JSON-framed protocol message. Servers populate either data
// or content depending on deployment; Payload hides the difference.
type Frame struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Payload returns whichever of data/content is set.
func (f Frame) Payload() json.RawMessage {
	if len(f.Data) > 0 {
		return f.Data
	}
	return f.Content
}

// DecodeFrame parses one raw frame and validates the event name.
func DecodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Event == "" {
		return Frame{}, ErrInvalidEventType
	}
	return frame, nil
}

// EncodeFrame marshals an outbound event with its payload.
func EncodeFrame(event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, ErrInvalidEventType
	}

	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		data = raw
	}

	raw, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", event, err)
	}
	return raw, nil
}

// AuthPayload carries the bearer token sent immediately after the
// connection opens.
type AuthPayload struct {
	Token string `json:"token"`
}

// MessageReadPayload marks a set of messages read at one timestamp. On the
// outbound side MessageIDs holds the watermark id and ReadAt stays unset;
// the server stamps "now" itself.
type MessageReadPayload struct {
	ConversationID int64     `json:"conversation_id"`
	MessageIDs     []int64   `json:"message_ids"`
	ReadAt         time.Time `json:"read_at,omitzero"`
}

// ParticipantChangePayload notifies a membership change.
type ParticipantChangePayload struct {
	ConversationID int64 `json:"conversation_id"`
	UserID         int64 `json:"user_id"`
}

// SendMessagePayload carries one encrypted outbound message. ClientRef is
// a client-generated id for delivery correlation.
type SendMessagePayload struct {
	ConversationID int64  `json:"conversation_id"`
	IV             string `json:"iv"`
	Ciphertext     string `json:"ciphertext"`
	ClientRef      string `json:"client_ref,omitempty"`
}

// CreateChatPayload carries conversation metadata plus the locally wrapped
// session keys. The server persists the wrappings but never sees the raw
// key.
type CreateChatPayload struct {
	Kind              string                 `json:"kind"`
	Name              string                 `json:"name,omitempty"`
	ParticipantEmails []string               `json:"participant_emails"`
	WrappedKeys       []api.WrappedKeyUpload `json:"wrapped_keys"`
}

// ErrorPayload is a server-reported error; it is logged and does not
// change connection state.
type ErrorPayload struct {
	Message string `json:"message"`
}
