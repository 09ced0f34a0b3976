// Package security implements credential encryption for the store.
//
// Passwords are sealed with an AEAD (XChaCha20-Poly1305) under a single
// process-wide key loaded at start. A decryption failure is a hard error,
// never a silent empty string.
package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/fairyhunter13/auto-apply/internal/domain"
)

// Box seals and opens credential passwords.
type Box struct {
	key []byte
}

// NewBox parses a URL-safe base64 key that must decode to 32 bytes.
func NewBox(encodedKey string) (*Box, error) {
	if encodedKey == "" {
		return nil, fmt.Errorf("op=security.NewBox: encryption key not set: %w", domain.ErrInvalidArgument)
	}
	key, err := base64.URLEncoding.DecodeString(encodedKey)
	if err != nil {
		// Tolerate unpadded keys.
		key, err = base64.RawURLEncoding.DecodeString(encodedKey)
	}
	if err != nil {
		return nil, fmt.Errorf("op=security.NewBox: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("op=security.NewBox: key must be %d bytes, got %d: %w", chacha20poly1305.KeySize, len(key), domain.ErrInvalidArgument)
	}
	return &Box{key: key}, nil
}

// GenerateKey returns a fresh URL-safe base64 key, for bootstrap tooling.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("op=security.GenerateKey: %w", err)
	}
	return base64.URLEncoding.EncodeToString(key), nil
}

// Seal encrypts a cleartext password. The nonce is prepended to the
// ciphertext so the output is self-contained.
func (b *Box) Seal(cleartext string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, fmt.Errorf("op=security.Seal: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("op=security.Seal: %w", err)
	}
	return aead.Seal(nonce, nonce, []byte(cleartext), nil), nil
}

// Open decrypts sealed bytes. Authentication failure maps to
// domain.ErrDecryptFailed.
func (b *Box) Open(sealed []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("op=security.Open: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return "", fmt.Errorf("op=security.Open: ciphertext too short: %w", domain.ErrDecryptFailed)
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("op=security.Open: %w", domain.ErrDecryptFailed)
	}
	return string(pt), nil
}
