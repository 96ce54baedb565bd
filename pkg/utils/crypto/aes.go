// Package crypto seals server credentials at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrInvalidKey        = errors.New("crypto: invalid encryption key")
	ErrInvalidCipherText = errors.New("crypto: invalid cipher text")
	ErrDecryptionFailed  = errors.New("crypto: decryption failed")
)

// version prefixes every sealed value so the format can change later.
const version = "v1:"

// Sealer encrypts with a fixed key. The label passed to Seal and Open is authenticated but not
// stored, so a value sealed for one server does not open for another.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer accepts a base64 32-byte key as printed by `fleetctl keygen`. Any other non-empty
// string is hashed into a key.
func NewSealer(key string) (*Sealer, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(raw) != 32 {
		sum := sha256.Sum256([]byte(key))
		raw = sum[:]
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Sealer{aead: aead}, nil
}

func (s *Sealer) Seal(plain []byte, label string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plain, []byte(label))
	return version + base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Sealer) Open(sealed, label string) ([]byte, error) {
	if len(sealed) < len(version) || sealed[:len(version)] != version {
		return nil, ErrInvalidCipherText
	}
	data, err := base64.StdEncoding.DecodeString(sealed[len(version):])
	if err != nil {
		return nil, ErrInvalidCipherText
	}
	n := s.aead.NonceSize()
	if len(data) < n {
		return nil, ErrInvalidCipherText
	}
	plain, err := s.aead.Open(nil, data[:n], data[n:], []byte(label))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}
