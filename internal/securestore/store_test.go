package securestore

import (
	"errors"
	"testing"
)

func TestFileStore_RoundTrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if _, err := fs.GetCredential("svc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	secret := string([]byte{0, 1, 2, 0xff, 0xfe}) // binary-safe
	if err := fs.SetCredential("svc", secret); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := fs.GetCredential("svc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != secret {
		t.Fatalf("secret mismatch: %q vs %q", got, secret)
	}

	// Overwrite
	if err := fs.SetCredential("svc", "new"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got, _ := fs.GetCredential("svc"); got != "new" {
		t.Fatalf("expected overwritten value, got %q", got)
	}
}

func TestFileStore_NameSquashing(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := fs.SetCredential("a/b/c", "v"); err != nil {
		t.Fatalf("set with separators: %v", err)
	}
	if got, err := fs.GetCredential("a/b/c"); err != nil || got != "v" {
		t.Fatalf("get with separators: %q %v", got, err)
	}
}
