package models

// Participant identifies one conversation member. PublicKey is the
// member's identity public key as base64 and may be empty when the
// member never published one.
type Participant struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
}
