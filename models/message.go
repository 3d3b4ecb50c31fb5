package models

import "time"

// Message is one chat message. IV and Ciphertext are standard base64.
// Text holds the decrypted body and never leaves the process.
type Message struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	SenderID       int64      `json:"sender_id"`
	SentAt         time.Time  `json:"sent_at"`
	IV             string     `json:"iv"`
	Ciphertext     string     `json:"ciphertext"`
	ReadAt         *time.Time `json:"read_at,omitempty"`

	Text string `json:"-"`
}
