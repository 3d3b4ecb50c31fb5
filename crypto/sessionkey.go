package crypto

import (
	"crypto/rand"
	"fmt"
)

// Recipient is one prospective reader of a conversation during key
// wrapping. PublicKey may be empty when the user never published one.
type Recipient struct {
	UserID    int64
	PublicKey string
}

// WrappedKey is a session key encrypted under one recipient's public key.
type WrappedKey struct {
	UserID     int64
	Ciphertext []byte
}

// SessionKey is the result of creating a conversation key: the raw key for
// immediate local use plus one wrapping per reachable recipient. The raw
// key itself never goes on the wire.
type SessionKey struct {
	Raw     []byte
	Wrapped []WrappedKey

	// SkippedRecipients counts recipients without a published public key.
	// The conversation is still created; those participants cannot read it
	// until a future re-wrap.
	SkippedRecipients int
}

// CreateSessionKey generates one fresh 256-bit symmetric key and wraps it
// once per recipient.
func CreateSessionKey(provider Provider, recipients []Recipient) (*SessionKey, error) {
	rawKey := make([]byte, SessionKeySize)
	if _, err := rand.Read(rawKey); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}

	result := &SessionKey{
		Raw:     rawKey,
		Wrapped: make([]WrappedKey, 0, len(recipients)),
	}

	for _, recipient := range recipients {
		if recipient.PublicKey == "" {
			result.SkippedRecipients++
			continue
		}

		wrapped, err := provider.WrapKey(recipient.PublicKey, rawKey)
		if err != nil {
			return nil, fmt.Errorf("wrap session key for user %d: %w", recipient.UserID, err)
		}

		result.Wrapped = append(result.Wrapped, WrappedKey{
			UserID:     recipient.UserID,
			Ciphertext: wrapped,
		})
	}

	return result, nil
}

// UnwrapSessionKey recovers the raw session key addressed to this device.
func UnwrapSessionKey(provider Provider, wrapped []byte, privateKeyPEM []byte) ([]byte, error) {
	rawKey, err := provider.UnwrapKey(privateKeyPEM, wrapped)
	if err != nil {
		return nil, err
	}
	if len(rawKey) != SessionKeySize {
		return nil, fmt.Errorf("%w: unwrapped key has length %d", ErrKeyUnwrapFailed, len(rawKey))
	}
	return rawKey, nil
}
