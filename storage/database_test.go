package storage

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestOpenCreatesFiles(t *testing.T) {
	dataDir := t.TempDir()

	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if dbPath != filepath.Join(dataDir, DefaultDBFileName) {
		t.Fatalf("unexpected db path %q", dbPath)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file missing: %v", err)
	}

	info, err := os.Stat(filepath.Join(dataDir, secretFileName))
	if err != nil {
		t.Fatalf("device secret missing: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0o600 {
		t.Fatalf("device secret has mode %v, want 0600", info.Mode().Perm())
	}
}

func TestOpenRequiresDataDir(t *testing.T) {
	if _, _, err := Open(""); err == nil {
		t.Fatalf("expected error for empty data dir")
	}
}

func TestSealingKeyStableAcrossOpens(t *testing.T) {
	dataDir := t.TempDir()

	first, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	firstKey := append([]byte(nil), first.sealingKey...)
	if err := first.Close(); err != nil {
		t.Fatalf("close first store: %v", err)
	}

	second, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer second.Close()

	if string(firstKey) != string(second.sealingKey) {
		t.Fatalf("sealing key changed across opens")
	}
}
