// Package encryption protects secrets at rest: OAuth tokens and project
// environment variables.
//
// Values are sealed with XChaCha20-Poly1305 under a key derived from the
// configured master key with HKDF-SHA256. Ciphertexts are URL-safe base64 so
// they can be stored in text columns.
//
// Key types:
//   - [Service] encrypts and decrypts strings and string maps
package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// keyInfo binds derived keys to this use so the master key can be shared
// with other subsystems without key reuse.
const keyInfo = "sirpi/secrets/v1"

// ErrDecrypt is returned when a ciphertext is malformed or was sealed with a
// different key.
var ErrDecrypt = errors.New("failed to decrypt value")

// Service encrypts and decrypts secret values.
type Service struct {
	key []byte
}

// New derives the data key from masterKey.
//
// When masterKey is empty a random key is generated and a warning is logged:
// anything encrypted by this process cannot be read after a restart.
func New(masterKey string, logger *slog.Logger) (*Service, error) {
	secret := []byte(masterKey)
	if masterKey == "" {
		secret = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate temporary key: %w", err)
		}
		if logger != nil {
			logger.Warn("no encryption master key configured, using a temporary key; encrypted data will not survive a restart")
		}
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return &Service{key: key}, nil
}

// Encrypt seals plaintext. An empty string encrypts to an empty string.
func (s *Service) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by [Service.Encrypt].
func (s *Service) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	nonce, body := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

// EncryptMap encrypts every value of m. Keys are left in the clear.
func (s *Service) EncryptMap(m map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		enc, err := s.Encrypt(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt %s: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

// DecryptMap reverses [Service.EncryptMap].
func (s *Service) DecryptMap(m map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		dec, err := s.Decrypt(v)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %s: %w", k, err)
		}
		out[k] = dec
	}
	return out, nil
}
