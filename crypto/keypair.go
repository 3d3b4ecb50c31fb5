package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

const (
	// rsaKeyBits is the identity key modulus size.
	rsaKeyBits = 2048

	privateKeyPEMType = "PRIVATE KEY"
)

// generateRSAKeyPair creates a fresh RSA-OAEP identity keypair. The public
// half is returned base64-encoded for upload, the private half as PKCS#8
// PEM for the local key store.
func generateRSAKeyPair() (string, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return "", nil, fmt.Errorf("generate RSA keypair: %w", err)
	}

	publicKey, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		return "", nil, err
	}

	privatePEM, err := MarshalPrivateKeyPEM(key)
	if err != nil {
		return "", nil, err
	}

	return publicKey, privatePEM, nil
}

// MarshalPrivateKeyPEM encodes an RSA private key as PKCS#8 PEM.
func MarshalPrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	block := &pem.Block{
		Type:  privateKeyPEMType,
		Bytes: der,
	}
	return pem.EncodeToMemory(block), nil
}

// ParsePrivateKeyPEM decodes a PKCS#8 PEM private key.
func ParsePrivateKeyPEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode private key PEM: no PEM block")
	}
	if block.Type != privateKeyPEMType {
		return nil, fmt.Errorf("decode private key PEM: unexpected type %q", block.Type)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parse private key: not an RSA key")
	}

	return key, nil
}

// EncodePublicKey encodes an RSA public key as url-safe base64 PKIX DER,
// the opaque string uploaded at registration and returned by the
// public-key directory.
func EncodePublicKey(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(der), nil
}

// DecodePublicKey decodes a base64 PKIX public key string.
func DecodePublicKey(encoded string) (*rsa.PublicKey, error) {
	der, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key base64: %w", err)
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("parse public key: not an RSA key")
	}

	return key, nil
}

// PublicKeyFingerprint returns the truncated SHA-256 hex fingerprint of an
// encoded public key, used for display only.
func PublicKeyFingerprint(encoded string) string {
	sum := sha256.Sum256([]byte(encoded))
	return hex.EncodeToString(sum[:16])
}

func wrapWithRSA(publicKey string, rawKey []byte) ([]byte, error) {
	key, err := DecodePublicKey(publicKey)
	if err != nil {
		return nil, err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, key, rawKey, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap session key: %w", err)
	}

	return wrapped, nil
}

func unwrapWithRSA(privateKeyPEM []byte, wrapped []byte) ([]byte, error) {
	key, err := ParsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return nil, err
	}

	rawKey, err := key.Decrypt(rand.Reader, wrapped, &rsa.OAEPOptions{Hash: crypto.SHA256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnwrapFailed, err)
	}

	return rawKey, nil
}
