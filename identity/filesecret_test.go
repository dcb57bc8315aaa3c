package identity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileSecretHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backend-secret")
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fs, err := NewFileSecret(ctx, path, nil)
	if err != nil {
		t.Fatalf("NewFileSecret: %v", err)
	}
	defer fs.Close()

	if !fs.Match("first") {
		t.Fatal("initial secret (with trailing newline trimmed) did not match")
	}

	// Replace atomically, as secret mounts do.
	tmp := filepath.Join(dir, ".tmp-secret")
	if err := os.WriteFile(tmp, []byte("second"), 0o600); err != nil {
		t.Fatalf("write tmp: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !fs.Match("second") {
		if time.Now().After(deadline) {
			t.Fatal("secret was not reloaded after file replacement")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if fs.Match("first") {
		t.Fatal("old secret still matches after reload")
	}
}

func TestFileSecretMissingFile(t *testing.T) {
	_, err := NewFileSecret(context.Background(), filepath.Join(t.TempDir(), "nope"), nil)
	if err == nil {
		t.Fatal("expected error for missing secret file")
	}
}

func TestFileSecretEmptyDisables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("  \n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	fs, err := NewFileSecret(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("NewFileSecret: %v", err)
	}
	defer fs.Close()

	if fs.Match("") || fs.Match(" ") {
		t.Fatal("blank secret file enabled backend access")
	}
}
