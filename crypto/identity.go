package crypto

import (
	"fmt"

	"github.com/rs/zerolog"
)

// IdentityKeyName is the fixed key-store record holding the device's
// private identity key.
const IdentityKeyName = "privateKey"

// KeyStore persists private key material locally. Implemented by
// storage.Store.
type KeyStore interface {
	PutKey(name string, material []byte) error
	GetKey(name string) ([]byte, error)
}

// IdentityManager owns the device's asymmetric identity keypair: generated
// once at registration, private half persisted locally, never rotated.
type IdentityManager struct {
	provider Provider
	store    KeyStore
	log      zerolog.Logger
}

// NewIdentityManager wires an identity manager to a crypto provider and a
// local key store.
func NewIdentityManager(provider Provider, store KeyStore, log zerolog.Logger) *IdentityManager {
	return &IdentityManager{
		provider: provider,
		store:    store,
		log:      log.With().Str("component", "identity").Logger(),
	}
}

// GenerateIdentity produces a fresh keypair, persists the private half
// under IdentityKeyName, and returns the public half for upload. Any
// failure here is fatal to the registration flow. Key material is never
// logged.
func (m *IdentityManager) GenerateIdentity() (string, error) {
	publicKey, privatePEM, err := m.provider.GenerateKeyPair()
	if err != nil {
		return "", fmt.Errorf("generate identity: %w", err)
	}

	if err := m.store.PutKey(IdentityKeyName, privatePEM); err != nil {
		return "", fmt.Errorf("persist identity key: %w", err)
	}

	m.log.Info().Str("fingerprint", PublicKeyFingerprint(publicKey)).Msg("identity generated")
	return publicKey, nil
}

// LoadPrivateKey retrieves the stored private key for decrypt operations.
// A missing key surfaces the store's not-found error unchanged; callers
// treat that as "all ciphertext currently undecryptable", not a crash.
func (m *IdentityManager) LoadPrivateKey() ([]byte, error) {
	material, err := m.store.GetKey(IdentityKeyName)
	if err != nil {
		return nil, err
	}
	return material, nil
}
