// Package securestore abstracts the device's secure credential storage
// (keychain/keystore on real hardware). The queue only needs get/set of a
// named secret; hosts plug in their platform implementation. A file-backed
// implementation is provided for servers, tests, and development.
package securestore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound indicates no credential exists under the requested name.
var ErrNotFound = errors.New("credential not found")

// Store is the secure credential collaborator interface.
type Store interface {
	// GetCredential returns the secret stored under serviceName, or
	// ErrNotFound.
	GetCredential(serviceName string) (string, error)
	// SetCredential persists secret under serviceName, replacing any
	// previous value.
	SetCredential(serviceName, secret string) error
}

// FileStore keeps each credential in its own 0600 file under Dir. Secrets
// are base64-transcoded so binary keys survive the round trip.
type FileStore struct {
	Dir string
}

// NewFileStore creates the backing directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("securestore: create dir: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

// GetCredential implements Store.
func (f *FileStore) GetCredential(serviceName string) (string, error) {
	data, err := os.ReadFile(f.path(serviceName))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("securestore: read credential: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return "", fmt.Errorf("securestore: corrupt credential: %w", err)
	}
	return string(decoded), nil
}

// SetCredential implements Store.
func (f *FileStore) SetCredential(serviceName, secret string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(secret))
	if err := os.WriteFile(f.path(serviceName), []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("securestore: write credential: %w", err)
	}
	return nil
}

func (f *FileStore) path(serviceName string) string {
	// Credential names become file names; squash separators.
	name := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(serviceName)
	return filepath.Join(f.Dir, name+".cred")
}
