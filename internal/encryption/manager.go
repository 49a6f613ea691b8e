// Package encryption implements envelope encryption for sensitive queue
// payloads: AES-256-CBC with PKCS#7 padding, a fresh random IV per call
// prepended to the ciphertext, base64 transport encoding. The data key is
// sourced from the secure credential store; when the store is unavailable
// the manager falls back to an ephemeral in-memory key and says so loudly
// (log, audit event, KeyEphemeral flag) since data encrypted under an
// ephemeral key is unrecoverable after a restart.
package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tbourn/pos-offline-queue/internal/securestore"
)

// ErrEncryption wraps all cipher and key-management failures.
var ErrEncryption = errors.New("encryption failed")

// EventKeyFallback is audited when the secure store is unavailable and an
// ephemeral session key is generated instead.
const EventKeyFallback = "KEY_FALLBACK"

const (
	keySize = 32 // AES-256
	ivSize  = aes.BlockSize

	// DefaultKeyService is the credential name the data key lives under.
	DefaultKeyService = "pos-offline-queue.data-key.v1"
)

// Recorder matches audit.Logger's Record method.
type Recorder interface {
	Record(event string, details map[string]any)
}

// Manager owns the process-wide symmetric key. Only Manager mutates it.
type Manager struct {
	Store      securestore.Store
	KeyService string
	Audit      Recorder
	Log        zerolog.Logger

	mu        sync.Mutex
	key       []byte
	ephemeral bool
}

// Init loads or provisions the data key eagerly, so the ephemeral
// fallback (if any) happens at startup instead of on the first sensitive
// payload.
func (m *Manager) Init() error {
	_, err := m.loadKey()
	return err
}

// Encrypt encrypts plaintext and returns base64(IV || ciphertext).
func (m *Manager) Encrypt(plaintext []byte) (string, error) {
	key, err := m.loadKey()
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, ivSize+len(padded))
	iv := out[:ivSize]
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("%w: iv generation: %v", ErrEncryption, err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[ivSize:], padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt, validating the padding.
func (m *Manager) Decrypt(encoded string) ([]byte, error) {
	key, err := m.loadKey()
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrEncryption, err)
	}
	if len(raw) < ivSize+aes.BlockSize || (len(raw)-ivSize)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext too short or misaligned", ErrEncryption)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	iv, ct := raw[:ivSize], raw[ivSize:]
	padded := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ct)

	plain, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return plain, nil
}

// KeyEphemeral reports whether the key fell back to session-only storage.
// Hosts can surface this and refuse to queue sensitive entities.
func (m *Manager) KeyEphemeral() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ephemeral
}

// loadKey returns the data key, initializing it on first use: read from
// the secure store, else generate and persist, else fall back ephemeral.
func (m *Manager) loadKey() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key != nil {
		return m.key, nil
	}

	service := m.KeyService
	if service == "" {
		service = DefaultKeyService
	}

	if m.Store != nil {
		secret, err := m.Store.GetCredential(service)
		switch {
		case err == nil:
			if len(secret) != keySize {
				return nil, fmt.Errorf("%w: stored key has wrong size %d", ErrEncryption, len(secret))
			}
			m.key = []byte(secret)
			return m.key, nil
		case errors.Is(err, securestore.ErrNotFound):
			key := make([]byte, keySize)
			if _, rerr := rand.Read(key); rerr != nil {
				return nil, fmt.Errorf("%w: key generation: %v", ErrEncryption, rerr)
			}
			if serr := m.Store.SetCredential(service, string(key)); serr == nil {
				m.key = key
				return m.key, nil
			}
			// Store rejected the write; fall through to the ephemeral path.
		}
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: key generation: %v", ErrEncryption, err)
	}
	m.key = key
	m.ephemeral = true
	m.Log.Warn().Msg("secure store unavailable, using ephemeral session key; encrypted items will be unrecoverable after restart")
	if m.Audit != nil {
		m.Audit.Record(EventKeyFallback, map[string]any{
			"key_service": service,
			"severity":    "WARNING",
		})
	}
	return m.key, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
