package encryption

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tbourn/pos-offline-queue/internal/securestore"
)

// memStore is an in-memory securestore.Store.
type memStore struct {
	creds map[string]string
	fail  bool
}

func (m *memStore) GetCredential(name string) (string, error) {
	if m.fail {
		return "", errors.New("keychain unavailable")
	}
	if v, ok := m.creds[name]; ok {
		return v, nil
	}
	return "", securestore.ErrNotFound
}

func (m *memStore) SetCredential(name, secret string) error {
	if m.fail {
		return errors.New("keychain unavailable")
	}
	if m.creds == nil {
		m.creds = map[string]string{}
	}
	m.creds[name] = secret
	return nil
}

func newManager(store securestore.Store) *Manager {
	return &Manager{Store: store, Log: zerolog.Nop()}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	m := newManager(&memStore{})

	payloads := []any{
		map[string]any{"card_last4": "4242", "amount": 12.5},
		[]any{"a", 1.0, nil, true},
		"plain string",
		nil,
	}
	for _, p := range payloads {
		plain, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		ct, err := m.Encrypt(plain)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		got, err := m.Decrypt(ct)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if !bytes.Equal(got, plain) {
			t.Fatalf("round trip mismatch: %q vs %q", got, plain)
		}
	}
}

func TestEncrypt_FreshIVPerCall(t *testing.T) {
	m := newManager(&memStore{})
	plain := []byte(`{"x":1}`)

	a, err := m.Encrypt(plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := m.Encrypt(plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if a == b {
		t.Fatal("two encryptions of the same plaintext must differ (fresh IV)")
	}
}

func TestKeyPersistedInStore(t *testing.T) {
	store := &memStore{}
	m := newManager(store)

	if _, err := m.Encrypt([]byte("x")); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	key, ok := store.creds[DefaultKeyService]
	if !ok {
		t.Fatal("key must be persisted in the secure store on first use")
	}
	if len(key) != 32 {
		t.Fatalf("expected a 256-bit key, got %d bytes", len(key))
	}

	// A second manager over the same store can decrypt.
	ct, err := m.Encrypt([]byte("shared"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	m2 := newManager(store)
	got, err := m2.Decrypt(ct)
	if err != nil {
		t.Fatalf("decrypt with re-loaded key: %v", err)
	}
	if string(got) != "shared" {
		t.Fatalf("expected %q, got %q", "shared", got)
	}
}

func TestEphemeralFallback(t *testing.T) {
	rec := &recorderStub{}
	m := newManager(&memStore{fail: true})
	m.Audit = rec

	ct, err := m.Encrypt([]byte("x"))
	if err != nil {
		t.Fatalf("encrypt must still work with ephemeral key: %v", err)
	}
	if !m.KeyEphemeral() {
		t.Fatal("KeyEphemeral must report the fallback")
	}
	if got, err := m.Decrypt(ct); err != nil || string(got) != "x" {
		t.Fatalf("same-session decrypt must work: %q %v", got, err)
	}
	if len(rec.events) != 1 || rec.events[0] != EventKeyFallback {
		t.Fatalf("expected one KEY_FALLBACK audit event, got %v", rec.events)
	}
}

func TestDecrypt_Garbage(t *testing.T) {
	m := newManager(&memStore{})

	if _, err := m.Decrypt("not base64 !!!"); !errors.Is(err, ErrEncryption) {
		t.Fatalf("expected ErrEncryption for invalid base64, got %v", err)
	}
	if _, err := m.Decrypt("QUJD"); !errors.Is(err, ErrEncryption) {
		t.Fatalf("expected ErrEncryption for short ciphertext, got %v", err)
	}
}

type recorderStub struct {
	events []string
}

func (r *recorderStub) Record(event string, details map[string]any) {
	r.events = append(r.events, event)
}
