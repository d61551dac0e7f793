package crypto

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Keyring holds key material outside the regular persistent store.
type Keyring interface {
	Get(name string) (string, error)
	Set(name, value string) error
	Delete(name string) error
}

const (
	keyringSalt       = "orderpad-keyring"
	keyringIterations = 10000
)

// FileKeyring stores credentials as individually encrypted files with
// restrictive permissions, keyed by a machine-specific identifier.
// It is the fallback for platforms without a native key store.
type FileKeyring struct {
	dir        string
	machineKey []byte
}

// NewFileKeyring creates a keyring rooted at dir/secure.
func NewFileKeyring(dir string) (*FileKeyring, error) {
	if dir == "" {
		return nil, fmt.Errorf("crypto: keyring directory not set")
	}
	secureDir := filepath.Join(dir, "secure")
	if err := os.MkdirAll(secureDir, 0700); err != nil {
		return nil, fmt.Errorf("crypto: failed to create secure directory: %w", err)
	}
	return &FileKeyring{
		dir:        secureDir,
		machineKey: deriveMachineKey(machineIdentifier()),
	}, nil
}

// Get retrieves and decrypts a stored credential.
func (k *FileKeyring) Get(name string) (string, error) {
	data, err := os.ReadFile(k.path(name))
	if err != nil {
		return "", fmt.Errorf("crypto: credential %q not found", name)
	}
	plaintext, err := Decrypt(string(data), k.machineKey)
	if err != nil {
		return "", fmt.Errorf("crypto: failed to decrypt credential: %w", err)
	}
	return string(plaintext), nil
}

// Set encrypts and stores a credential.
func (k *FileKeyring) Set(name, value string) error {
	encrypted, err := Encrypt([]byte(value), k.machineKey)
	if err != nil {
		return fmt.Errorf("crypto: failed to encrypt credential: %w", err)
	}
	if err := os.WriteFile(k.path(name), []byte(encrypted), 0600); err != nil {
		return fmt.Errorf("crypto: failed to write credential: %w", err)
	}
	return nil
}

// Delete removes a stored credential.
func (k *FileKeyring) Delete(name string) error {
	if err := os.Remove(k.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("crypto: failed to delete credential: %w", err)
	}
	return nil
}

func (k *FileKeyring) path(name string) string {
	safe := strings.ReplaceAll(name, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	return filepath.Join(k.dir, safe+".cred")
}

// deriveMachineKey stretches the machine identifier into a 32-byte key.
func deriveMachineKey(machineID string) []byte {
	return pbkdf2.Key([]byte(machineID), []byte(keyringSalt), keyringIterations, 32, sha256.New)
}

// machineIdentifier returns a stable per-machine identifier. Prefers
// the systemd machine-id, falls back to the hostname.
func machineIdentifier() string {
	if data, err := os.ReadFile("/etc/machine-id"); err == nil {
		return "machine:" + strings.TrimSpace(string(data))
	}
	if data, err := os.ReadFile("/var/lib/dbus/machine-id"); err == nil {
		return "machine:" + strings.TrimSpace(string(data))
	}
	hostname, _ := os.Hostname()
	return "host:" + hostname
}
