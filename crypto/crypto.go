// Package crypto seals the OAuth token values kept in the credentials file
// with AES-256-GCM. Sealed values carry the "enc:" prefix, so plain values
// written by hand and sealed values written on refresh can share one file.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Prefix marks a sealed value.
const Prefix = "enc:"

// ErrNoKey is returned when a sealed value is opened without a sealer.
var ErrNoKey = errors.New("sealed value but no credentials key configured")

// Sealer encrypts and decrypts credential values.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer from a base64-encoded 32-byte key, e.g. the output
// of `openssl rand -base64 32`.
func NewSealer(base64Key string) (*Sealer, error) {
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
	return &Sealer{aead: gcm}, nil
}

// IsSealed reports whether v was produced by Seal.
func IsSealed(v string) bool { return strings.HasPrefix(v, Prefix) }

// Seal returns "enc:" + base64(nonce || ciphertext || tag). Empty input stays
// empty.
func (s *Sealer) Seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plain), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the prefix are returned unchanged.
func (s *Sealer) Open(v string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, Prefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n {
		return "", fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", n, len(raw))
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return string(plain), nil
}

// Open opens v with s, which may be nil. A sealed value with a nil sealer is
// ErrNoKey.
func Open(s *Sealer, v string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	if s == nil {
		return "", ErrNoKey
	}
	return s.Open(v)
}

// Seal seals v with s, or returns v unchanged when s is nil.
func Seal(s *Sealer, v string) (string, error) {
	if s == nil {
		return v, nil
	}
	return s.Seal(v)
}
