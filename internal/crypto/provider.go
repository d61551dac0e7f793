package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

const (
	payloadKeyName     = "queue-payload-key"
	payloadPrevKeyName = "queue-payload-key-prev"
)

// Provider encrypts and decrypts queue payloads with a symmetric key
// held in the keyring. The key is generated once on first use and can
// be rotated; the previous key is retained so payloads encrypted before
// a rotation remain readable.
type Provider struct {
	keyring Keyring

	mu      sync.RWMutex
	key     []byte
	prevKey []byte
}

// NewProvider loads the payload key from the keyring, generating and
// storing a fresh one if none exists.
func NewProvider(keyring Keyring) (*Provider, error) {
	p := &Provider{keyring: keyring}

	stored, err := keyring.Get(payloadKeyName)
	if err != nil {
		key, genErr := generateKey()
		if genErr != nil {
			return nil, genErr
		}
		if setErr := keyring.Set(payloadKeyName, hex.EncodeToString(key)); setErr != nil {
			return nil, setErr
		}
		p.key = key
	} else {
		key, decErr := hex.DecodeString(stored)
		if decErr != nil {
			return nil, fmt.Errorf("crypto: stored payload key is corrupt: %w", decErr)
		}
		p.key = key
	}

	if prev, err := keyring.Get(payloadPrevKeyName); err == nil {
		if prevKey, decErr := hex.DecodeString(prev); decErr == nil {
			p.prevKey = prevKey
		}
	}

	return p, nil
}

// EncryptPayload encrypts a serialized payload with the current key.
func (p *Provider) EncryptPayload(plaintext []byte) (string, error) {
	p.mu.RLock()
	key := p.key
	p.mu.RUnlock()
	return Encrypt(plaintext, key)
}

// DecryptPayload decrypts a stored payload, trying the current key
// first and the pre-rotation key second.
func (p *Provider) DecryptPayload(ciphertext string) ([]byte, error) {
	p.mu.RLock()
	key, prevKey := p.key, p.prevKey
	p.mu.RUnlock()

	plaintext, err := Decrypt(ciphertext, key)
	if err == nil {
		return plaintext, nil
	}
	if prevKey != nil {
		return Decrypt(ciphertext, prevKey)
	}
	return nil, err
}

// RotateKey generates a new payload key, keeping the old one available
// for decrypting entries queued before the rotation.
func (p *Provider) RotateKey() error {
	newKey, err := generateKey()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.keyring.Set(payloadPrevKeyName, hex.EncodeToString(p.key)); err != nil {
		return err
	}
	if err := p.keyring.Set(payloadKeyName, hex.EncodeToString(newKey)); err != nil {
		return err
	}
	p.prevKey = p.key
	p.key = newKey
	return nil
}

func generateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate key: %w", err)
	}
	return key, nil
}
