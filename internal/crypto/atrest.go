package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	ivLen        = 12
	gcmTagLen    = 16
	minAtRestLen = ivLen + gcmTagLen // 28 bytes minimum
)

// ParseMasterKey decodes a 64 hex char master key.
func ParseMasterKey(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("master key must be hex: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("master key must be 32 bytes (64 hex chars), got %d bytes", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// DeriveKey derives a purpose-bound subkey from the master key (HKDF-SHA256).
func DeriveKey(masterKey [32]byte, purpose string) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha256.New, masterKey[:], nil, []byte("sealvault/"+purpose))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return out, nil
}

// EncryptAtRest encrypts plaintext using AES-256-GCM with the given key.
// Output format: iv(12) || ciphertext+tag
func EncryptAtRest(key [32]byte, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate IV: %w", err)
	}

	out := make([]byte, 0, ivLen+len(plaintext)+gcmTagLen)
	out = append(out, iv...)
	return gcm.Seal(out, iv, plaintext, nil), nil
}

// DecryptAtRest decrypts data encrypted with EncryptAtRest.
func DecryptAtRest(key [32]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < minAtRestLen {
		return nil, errors.New("ciphertext too short")
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, ciphertext[:ivLen], ciphertext[ivLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// TokenSealer encrypts OAuth tokens before they reach the database.
type TokenSealer struct {
	key [32]byte
}

// NewTokenSealer derives the token key from the master key.
func NewTokenSealer(masterKey [32]byte) (*TokenSealer, error) {
	key, err := DeriveKey(masterKey, "connection-tokens")
	if err != nil {
		return nil, err
	}
	return &TokenSealer{key: key}, nil
}

// Seal encrypts a token. Empty tokens stay empty.
func (s *TokenSealer) Seal(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	return EncryptAtRest(s.key, []byte(token))
}

// Open reverses Seal.
func (s *TokenSealer) Open(sealed []byte) (string, error) {
	if len(sealed) == 0 {
		return "", nil
	}
	pt, err := DecryptAtRest(s.key, sealed)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
