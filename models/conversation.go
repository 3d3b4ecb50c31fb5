package models

const (
	ConversationDirect  = "direct"
	ConversationGroup   = "group"
	ConversationChannel = "channel"
)

// Conversation is one chat as returned by the server, including the
// session key wrapped for this device.
type Conversation struct {
	ID                int64         `json:"id"`
	Kind              string        `json:"kind"`
	Name              string        `json:"name,omitempty"`
	OwnerID           int64         `json:"owner_id"`
	Participants      []Participant `json:"participants,omitempty"`
	WrappedSessionKey string        `json:"wrapped_session_key,omitempty"`
	LastMessage       string        `json:"last_message,omitempty"`
}
