package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/hkdf"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "keystore.db"
	// secretFileName holds the random device secret the sealing key is
	// derived from.
	secretFileName = "keystore.secret"

	secretSize     = 32
	sealingKeySize = 32
	sealingInfo    = "cryptchat keystore v1"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS keys (
  name       TEXT PRIMARY KEY,
  sealed     BLOB NOT NULL,
  nonce      BLOB NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER
);
`,
}

// Store is the local secure key store: one sqlite database whose records
// are sealed at rest under a key derived from a device-local secret.
type Store struct {
	db         *sql.DB
	sealingKey []byte
}

// Open opens (creating if needed) the key store under dataDir and returns
// the store plus the database path.
func Open(dataDir string) (*Store, string, error) {
	if dataDir == "" {
		return nil, "", errors.New("data dir is required")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create data dir %q: %w", dataDir, err)
	}

	sealingKey, err := loadSealingKey(filepath.Join(dataDir, secretFileName))
	if err != nil {
		return nil, "", err
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, "", fmt.Errorf("open database %q: %w", dbPath, err)
	}

	// sqlite allows exactly one writer; a larger pool just queues on locks.
	db.SetMaxOpenConns(1)

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}

	return &Store{db: db, sealingKey: sealingKey}, dbPath, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

// loadSealingKey reads the device secret, generating it on first run, and
// derives the record sealing key with HKDF-SHA256.
func loadSealingKey(secretPath string) ([]byte, error) {
	secret, err := os.ReadFile(secretPath)
	if errors.Is(err, fs.ErrNotExist) {
		secret = make([]byte, secretSize)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate device secret: %w", err)
		}
		if err := os.WriteFile(secretPath, secret, 0o600); err != nil {
			return nil, fmt.Errorf("write device secret: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read device secret: %w", err)
	}
	if len(secret) != secretSize {
		return nil, fmt.Errorf("device secret has invalid size %d", len(secret))
	}

	key := make([]byte, sealingKeySize)
	kdf := hkdf.New(sha256.New, secret, nil, []byte(sealingInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}

	return key, nil
}
