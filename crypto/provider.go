package crypto

import "errors"

var (
	// ErrKeyUnwrapFailed indicates a wrapped session key did not decrypt
	// under the supplied private key.
	ErrKeyUnwrapFailed = errors.New("crypto: session key unwrap failed")
	// ErrDecryptionFailed indicates AEAD authentication failed or the
	// ciphertext is malformed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
)

// Provider supplies every cryptographic capability the client needs:
// identity keypair generation, session-key wrapping, and the message AEAD.
// Components receive it explicitly so tests can substitute a double.
//
// Key encodings at this boundary match what travels on the wire and into
// the key store: public keys are base64 strings, private keys are PEM.
type Provider interface {
	// GenerateKeyPair produces a fresh asymmetric identity keypair and
	// returns the exportable public half plus the persistable private half.
	GenerateKeyPair() (publicKey string, privateKeyPEM []byte, err error)

	// WrapKey encrypts a raw session key under a recipient's public key.
	WrapKey(publicKey string, rawKey []byte) ([]byte, error)

	// UnwrapKey recovers a raw session key wrapped for this device.
	// Fails with ErrKeyUnwrapFailed when the ciphertext does not decrypt.
	UnwrapKey(privateKeyPEM []byte, wrapped []byte) ([]byte, error)

	// AEADEncrypt encrypts plaintext under a session key with a fresh
	// random nonce. The nonce is returned as iv.
	AEADEncrypt(sessionKey, plaintext []byte) (ciphertext, iv []byte, err error)

	// AEADDecrypt authenticates and decrypts one message body.
	// Fails with ErrDecryptionFailed on tag mismatch or malformed input.
	AEADDecrypt(sessionKey, iv, ciphertext []byte) ([]byte, error)
}

// DefaultProvider implements Provider with RSA-OAEP-2048/SHA-256 key
// wrapping and AES-256-GCM message encryption.
type DefaultProvider struct{}

// NewDefaultProvider returns the production Provider.
func NewDefaultProvider() *DefaultProvider {
	return &DefaultProvider{}
}

func (p *DefaultProvider) GenerateKeyPair() (string, []byte, error) {
	return generateRSAKeyPair()
}

func (p *DefaultProvider) WrapKey(publicKey string, rawKey []byte) ([]byte, error) {
	return wrapWithRSA(publicKey, rawKey)
}

func (p *DefaultProvider) UnwrapKey(privateKeyPEM []byte, wrapped []byte) ([]byte, error) {
	return unwrapWithRSA(privateKeyPEM, wrapped)
}

func (p *DefaultProvider) AEADEncrypt(sessionKey, plaintext []byte) ([]byte, []byte, error) {
	return Encrypt(sessionKey, plaintext)
}

func (p *DefaultProvider) AEADDecrypt(sessionKey, iv, ciphertext []byte) ([]byte, error) {
	return Decrypt(sessionKey, iv, ciphertext)
}
