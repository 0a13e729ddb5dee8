// Package crypto seals secrets at rest (the bot's OAuth tokens) with AES-256-GCM.
// Ciphertexts carry the id of the key that produced them so a key rotation can
// keep reading rows written under the previous key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrOpen is returned for any ciphertext that fails authentication. Details are
// not surfaced so callers cannot learn anything about the key or plaintext.
var ErrOpen = errors.New("decryption failed: authentication or integrity check failed")

// Sealer encrypts and decrypts opaque byte slices.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
	KeyID() string
}

// AESSealer implements Sealer with a single AES-256-GCM key. The AEAD is built
// once and is safe for concurrent use.
type AESSealer struct {
	aead  cipher.AEAD
	keyID string
}

// NewAESSealer builds a sealer from a base64-encoded 32-byte key
// (generate one with `openssl rand -base64 32`). keyID defaults to "default".
func NewAESSealer(base64Key, keyID string) (*AESSealer, error) {
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
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if keyID == "" {
		keyID = "default"
	}
	return &AESSealer{aead: aead, keyID: keyID}, nil
}

func (s *AESSealer) KeyID() string { return s.keyID }

// Seal returns nonce || ciphertext || tag.
func (s *AESSealer) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *AESSealer) Open(ciphertext []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(ciphertext) < ns+s.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", ns+s.aead.Overhead(), len(ciphertext))
	}
	plaintext, err := s.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// SealString encrypts a string into base64 text suitable for a TEXT column.
// The empty string stays empty.
func SealString(s Sealer, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	ct, err := s.Seal([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// OpenString reverses SealString.
func OpenString(s Sealer, encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	pt, err := s.Open(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
