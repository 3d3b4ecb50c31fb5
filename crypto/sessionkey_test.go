package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func newTestIdentity(t *testing.T) (string, []byte) {
	t.Helper()

	publicKey, privatePEM, err := generateRSAKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return publicKey, privatePEM
}

func TestCreateSessionKeyWrapsPerRecipient(t *testing.T) {
	provider := NewDefaultProvider()
	alicePublic, alicePEM := newTestIdentity(t)
	bobPublic, bobPEM := newTestIdentity(t)

	sessionKey, err := CreateSessionKey(provider, []Recipient{
		{UserID: 1, PublicKey: alicePublic},
		{UserID: 2, PublicKey: bobPublic},
	})
	if err != nil {
		t.Fatalf("create session key: %v", err)
	}
	if len(sessionKey.Raw) != SessionKeySize {
		t.Fatalf("expected %d-byte raw key, got %d", SessionKeySize, len(sessionKey.Raw))
	}
	if len(sessionKey.Wrapped) != 2 {
		t.Fatalf("expected 2 wrappings, got %d", len(sessionKey.Wrapped))
	}
	if sessionKey.SkippedRecipients != 0 {
		t.Fatalf("expected no skipped recipients, got %d", sessionKey.SkippedRecipients)
	}

	aliceKey, err := UnwrapSessionKey(provider, sessionKey.Wrapped[0].Ciphertext, alicePEM)
	if err != nil {
		t.Fatalf("alice unwrap: %v", err)
	}
	bobKey, err := UnwrapSessionKey(provider, sessionKey.Wrapped[1].Ciphertext, bobPEM)
	if err != nil {
		t.Fatalf("bob unwrap: %v", err)
	}

	if !bytes.Equal(aliceKey, sessionKey.Raw) || !bytes.Equal(bobKey, sessionKey.Raw) {
		t.Fatalf("recipients recovered different keys")
	}
}

func TestCreateSessionKeySkipsKeylessRecipients(t *testing.T) {
	provider := NewDefaultProvider()
	alicePublic, _ := newTestIdentity(t)

	sessionKey, err := CreateSessionKey(provider, []Recipient{
		{UserID: 1, PublicKey: alicePublic},
		{UserID: 2, PublicKey: ""},
		{UserID: 3, PublicKey: ""},
	})
	if err != nil {
		t.Fatalf("create session key: %v", err)
	}
	if len(sessionKey.Wrapped) != 1 {
		t.Fatalf("expected 1 wrapping, got %d", len(sessionKey.Wrapped))
	}
	if sessionKey.SkippedRecipients != 2 {
		t.Fatalf("expected 2 skipped recipients, got %d", sessionKey.SkippedRecipients)
	}
	if sessionKey.Wrapped[0].UserID != 1 {
		t.Fatalf("wrapping addressed to wrong user %d", sessionKey.Wrapped[0].UserID)
	}
}

func TestUnwrapSessionKeyRejectsForeignWrapping(t *testing.T) {
	provider := NewDefaultProvider()
	alicePublic, _ := newTestIdentity(t)
	_, evePEM := newTestIdentity(t)

	sessionKey, err := CreateSessionKey(provider, []Recipient{
		{UserID: 1, PublicKey: alicePublic},
	})
	if err != nil {
		t.Fatalf("create session key: %v", err)
	}

	_, err = UnwrapSessionKey(provider, sessionKey.Wrapped[0].Ciphertext, evePEM)
	if !errors.Is(err, ErrKeyUnwrapFailed) {
		t.Fatalf("expected ErrKeyUnwrapFailed, got %v", err)
	}
}

func TestUnwrapSessionKeyRejectsWrongLength(t *testing.T) {
	provider := NewDefaultProvider()
	publicKey, privatePEM := newTestIdentity(t)

	wrapped, err := provider.WrapKey(publicKey, []byte("short key"))
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}

	if _, err := UnwrapSessionKey(provider, wrapped, privatePEM); !errors.Is(err, ErrKeyUnwrapFailed) {
		t.Fatalf("expected ErrKeyUnwrapFailed, got %v", err)
	}
}
