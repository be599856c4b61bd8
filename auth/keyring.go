package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Storage keys for the credential pair. The two tokens are persisted under
// independent keys so a refresh can replace the access token alone.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

// Keyring is durable client-side storage for credential material. Values
// survive process restarts; a missing key reads as the empty string.
type Keyring interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// MemoryKeyring is an in-process Keyring for tests and ephemeral sessions.
type MemoryKeyring struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryKeyring creates an empty in-memory keyring.
func NewMemoryKeyring() *MemoryKeyring {
	return &MemoryKeyring{values: make(map[string]string)}
}

// Get returns the stored value, or "" when absent.
func (k *MemoryKeyring) Get(key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.values[key], nil
}

// Set stores a value.
func (k *MemoryKeyring) Set(key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.values[key] = value
	return nil
}

// Delete removes a value.
func (k *MemoryKeyring) Delete(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.values, key)
	return nil
}

// FileKeyring persists values as a JSON object in a single file with
// owner-only permissions.
type FileKeyring struct {
	mu   sync.Mutex
	path string
}

// NewFileKeyring creates a keyring backed by the given file. The parent
// directory is created if needed.
func NewFileKeyring(path string) (*FileKeyring, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create keyring directory: %w", err)
	}
	return &FileKeyring{path: path}, nil
}

// Get returns the stored value, or "" when absent.
func (k *FileKeyring) Get(key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	values, err := k.load()
	if err != nil {
		return "", err
	}
	return values[key], nil
}

// Set stores a value.
func (k *FileKeyring) Set(key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	values, err := k.load()
	if err != nil {
		return err
	}
	values[key] = value
	return k.save(values)
}

// Delete removes a value.
func (k *FileKeyring) Delete(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	values, err := k.load()
	if err != nil {
		return err
	}
	delete(values, key)
	return k.save(values)
}

func (k *FileKeyring) load() (map[string]string, error) {
	data, err := os.ReadFile(k.path)
	if os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring: %w", err)
	}
	values := make(map[string]string)
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse keyring: %w", err)
	}
	return values, nil
}

func (k *FileKeyring) save(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode keyring: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write keyring: %w", err)
	}
	return nil
}
