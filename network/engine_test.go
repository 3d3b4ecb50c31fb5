package network

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cryptchat/models"
)

type recordingHandler struct {
	messages      []models.Message
	newChats      int
	readEvents    []MessageReadPayload
	participantCh []int64
}

func (h *recordingHandler) HandleNewMessage(msg models.Message) {
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) HandleNewChat() {
	h.newChats++
}

func (h *recordingHandler) HandleMessageRead(conversationID int64, messageIDs []int64, readAt time.Time) {
	h.readEvents = append(h.readEvents, MessageReadPayload{
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
		ReadAt:         readAt,
	})
}

func (h *recordingHandler) HandleParticipantChange(conversationID int64) {
	h.participantCh = append(h.participantCh, conversationID)
}

func mustFrame(t *testing.T, raw string) Frame {
	t.Helper()

	frame, err := DecodeFrame([]byte(raw))
	if err != nil {
		t.Fatalf("decode test frame: %v", err)
	}
	return frame
}

func TestDispatchNewMessage(t *testing.T) {
	handler := &recordingHandler{}

	frame := mustFrame(t, `{"event":"new_message","data":{"id":11,"conversation_id":4,"sender_id":9,"iv":"aXY=","ciphertext":"Y3Q=","sent_at":"2026-08-20T10:00:00Z"}}`)
	dispatch(frame, handler, zerolog.Nop())

	if len(handler.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(handler.messages))
	}
	msg := handler.messages[0]
	if msg.ID != 11 || msg.ConversationID != 4 || msg.SenderID != 9 {
		t.Fatalf("message fields lost in dispatch: %+v", msg)
	}
}

func TestDispatchNewChat(t *testing.T) {
	handler := &recordingHandler{}

	dispatch(mustFrame(t, `{"event":"new_chat","data":{}}`), handler, zerolog.Nop())

	if handler.newChats != 1 {
		t.Fatalf("expected new_chat dispatch, got %d", handler.newChats)
	}
}

func TestDispatchMessageRead(t *testing.T) {
	handler := &recordingHandler{}

	frame := mustFrame(t, `{"event":"message_read","data":{"conversation_id":4,"message_ids":[1,2,3],"read_at":"2026-08-20T10:05:00Z"}}`)
	dispatch(frame, handler, zerolog.Nop())

	if len(handler.readEvents) != 1 {
		t.Fatalf("expected 1 read event, got %d", len(handler.readEvents))
	}
	event := handler.readEvents[0]
	if event.ConversationID != 4 || len(event.MessageIDs) != 3 {
		t.Fatalf("read event fields lost: %+v", event)
	}
	if event.ReadAt.IsZero() {
		t.Fatalf("read timestamp dropped")
	}
}

func TestDispatchParticipantEvents(t *testing.T) {
	handler := &recordingHandler{}

	dispatch(mustFrame(t, `{"event":"participant_added","data":{"conversation_id":5,"user_id":2}}`), handler, zerolog.Nop())
	dispatch(mustFrame(t, `{"event":"participant_removed","data":{"conversation_id":6,"user_id":2}}`), handler, zerolog.Nop())

	if len(handler.participantCh) != 2 {
		t.Fatalf("expected 2 participant changes, got %d", len(handler.participantCh))
	}
	if handler.participantCh[0] != 5 || handler.participantCh[1] != 6 {
		t.Fatalf("wrong conversation ids: %v", handler.participantCh)
	}
}

func TestDispatchIgnoresMalformedAndUnknown(t *testing.T) {
	handler := &recordingHandler{}

	dispatch(mustFrame(t, `{"event":"new_message","data":{"id":"not a number"}}`), handler, zerolog.Nop())
	dispatch(mustFrame(t, `{"event":"error","data":{"message":"server side failure"}}`), handler, zerolog.Nop())
	dispatch(mustFrame(t, `{"event":"totally_unknown","data":{}}`), handler, zerolog.Nop())

	if len(handler.messages) != 0 || handler.newChats != 0 {
		t.Fatalf("malformed or unknown frame reached handler")
	}
}

func TestNewEngineValidation(t *testing.T) {
	handler := &recordingHandler{}

	if _, err := NewEngine(Options{Token: "t", Handler: handler}); err == nil {
		t.Fatalf("expected error for missing url")
	}
	if _, err := NewEngine(Options{URL: "ws://x", Handler: handler}); err == nil {
		t.Fatalf("expected error for missing token")
	}
	if _, err := NewEngine(Options{URL: "ws://x", Token: "t"}); err == nil {
		t.Fatalf("expected error for missing handler")
	}

	engine, err := NewEngine(Options{URL: "ws://x", Token: "t", Handler: handler})
	if err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}
	if engine.State() != StateDisconnected {
		t.Fatalf("expected Disconnected before Start, got %s", engine.State())
	}
}

func TestEngineSendWithoutConnection(t *testing.T) {
	engine, err := NewEngine(Options{URL: "ws://x", Token: "t", Handler: &recordingHandler{}})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	if err := engine.SendChatMessage(1, []byte("iv"), []byte("ct")); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestDispatchPrefersDataOverContent(t *testing.T) {
	handler := &recordingHandler{}

	frame := mustFrame(t, `{"event":"new_message","data":{"id":1,"conversation_id":2},"content":{"id":99}}`)
	dispatch(frame, handler, zerolog.Nop())

	if len(handler.messages) != 1 || handler.messages[0].ID != 1 {
		t.Fatalf("data envelope did not take precedence: %+v", handler.messages)
	}
}
