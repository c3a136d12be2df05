package apikeys

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts ERP credentials with a key that never leaves the host,
// so the persisted ciphertext is useless on any other machine. The key
// file is created on first use next to the key store.
type Sealer struct {
	aeadKey []byte
}

// NewSealer loads or creates the host-local sealing key at keyPath.
func NewSealer(keyPath string) (*Sealer, error) {
	raw, err := os.ReadFile(keyPath)
	if err == nil && len(raw) == chacha20poly1305.KeySize {
		return &Sealer{aeadKey: raw}, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading sealing key: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating sealing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating sealing key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("writing sealing key: %w", err)
	}
	return &Sealer{aeadKey: key}, nil
}

// Seal encrypts plaintext and returns a base64 ciphertext. The empty
// string seals to the empty string.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(s.aeadKey)
	if err != nil {
		return "", fmt.Errorf("sealing credential: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("sealing credential: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a Seal ciphertext. Any failure (wrong host key,
// corrupted data) yields the empty string rather than an error: a key
// with unreadable credentials simply behaves as if none were configured.
func (s *Sealer) Open(sealed string) string {
	if sealed == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return ""
	}
	aead, err := chacha20poly1305.NewX(s.aeadKey)
	if err != nil {
		return ""
	}
	if len(raw) < aead.NonceSize() {
		return ""
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ""
	}
	return string(plaintext)
}
