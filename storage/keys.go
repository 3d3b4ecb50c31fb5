package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
)

// ErrKeyNotFound indicates no record exists under the requested name. For
// the identity key this is the expected state before first registration.
var ErrKeyNotFound = errors.New("storage: key not found")

// PutKey seals key material and inserts or replaces the named record.
func (s *Store) PutKey(name string, material []byte) error {
	if name == "" {
		return errors.New("key name is required")
	}
	if len(material) == 0 {
		return errors.New("key material is required")
	}

	sealed, nonce, err := s.seal(name, material)
	if err != nil {
		return err
	}

	now := nowUnixMilli()
	_, err = s.db.Exec(
		`INSERT INTO keys (name, sealed, nonce, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET sealed = excluded.sealed, nonce = excluded.nonce, updated_at = excluded.updated_at`,
		name,
		sealed,
		nonce,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert key %q: %w", name, err)
	}

	return nil
}

// GetKey retrieves and unseals the named key material.
func (s *Store) GetKey(name string) ([]byte, error) {
	if name == "" {
		return nil, errors.New("key name is required")
	}

	var sealed, nonce []byte
	err := s.db.QueryRow(
		`SELECT sealed, nonce FROM keys WHERE name = ?`,
		name,
	).Scan(&sealed, &nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key %q: %w", name, err)
	}

	return s.unseal(name, sealed, nonce)
}

// DeleteKey removes the named record. Deleting a missing key is not an
// error.
func (s *Store) DeleteKey(name string) error {
	if name == "" {
		return errors.New("key name is required")
	}

	if _, err := s.db.Exec(`DELETE FROM keys WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete key %q: %w", name, err)
	}

	return nil
}

// seal encrypts material under the store sealing key with the record name
// bound as additional data, so rows cannot be swapped between names.
func (s *Store) seal(name string, material []byte) (sealed, nonce []byte, err error) {
	aead, err := s.sealingAEAD()
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate seal nonce: %w", err)
	}

	sealed = aead.Seal(nil, nonce, material, []byte(name))
	return sealed, nonce, nil
}

func (s *Store) unseal(name string, sealed, nonce []byte) ([]byte, error) {
	aead, err := s.sealingAEAD()
	if err != nil {
		return nil, err
	}

	material, err := aead.Open(nil, nonce, sealed, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("unseal key %q: %w", name, err)
	}

	return material, nil
}

func (s *Store) sealingAEAD() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.sealingKey)
	if err != nil {
		return nil, fmt.Errorf("create sealing cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create sealing GCM: %w", err)
	}
	return aead, nil
}
