// Package crypto seals credentials stored at rest, currently the bot's chat
// OAuth token. Values are AES-256-GCM encrypted and base64 encoded so they fit
// in text columns; each sealed value records the key id it was sealed with.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrOpen is returned when a sealed value fails authentication.
var ErrOpen = errors.New("sealed value failed authentication")

// Sealer encrypts and decrypts short strings.
type Sealer struct {
	keyID string
	aead  cipher.AEAD
}

// NewSealer builds a Sealer from a base64-encoded 32-byte key.
//
//	openssl rand -base64 32
func NewSealer(base64Key, keyID string) (*Sealer, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if keyID == "" {
		keyID = "default"
	}
	return &Sealer{keyID: keyID, aead: gcm}, nil
}

// FromEnv returns a Sealer for ENCRYPTION_KEY / ENCRYPTION_KEY_ID, or nil when
// no key is configured.
func FromEnv() (*Sealer, error) {
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		return nil, nil
	}
	return NewSealer(key, os.Getenv("ENCRYPTION_KEY_ID"))
}

// KeyID names the key new values are sealed with.
func (s *Sealer) KeyID() string { return s.keyID }

// Seal encrypts plaintext as base64(nonce || ciphertext || tag). The empty
// string seals to itself.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n+s.aead.Overhead() {
		return "", fmt.Errorf("sealed value too short: %d bytes", len(raw))
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrOpen
	}
	return string(plain), nil
}
