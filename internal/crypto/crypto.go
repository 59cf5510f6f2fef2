// Package crypto encrypts and decrypts sensitive account settings (mailbox
// and CalDAV passwords) before they are persisted.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const encryptedPrefix = "enc:"

var (
	// ErrSecretKeyMissing is returned by NewEncryptor when the application
	// secret is empty.
	ErrSecretKeyMissing = errors.New("CALSYNC_SECRET_KEY is not set, cannot encrypt secrets")
	// ErrDecryptionFailed is returned by Decrypt when a stored value cannot
	// be authenticated, typically because it was encrypted under a
	// different key.
	ErrDecryptionFailed = errors.New("stored secret could not be decrypted")
)

// Encryptor wraps an AES-GCM cipher keyed from the application secret.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor derives a 256-bit key from secret via SHA-256 and builds an
// AES-GCM encryptor. secret is typically the CALSYNC_SECRET_KEY environment
// value.
func NewEncryptor(secret string) (*Encryptor, error) {
	if secret == "" {
		return nil, ErrSecretKeyMissing
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to build GCM mode: %w", err)
	}
	return &Encryptor{gcm: gcm}, nil
}

// Encrypt returns value prefixed with "enc:" and base64-encoded. Already
// encrypted values are returned unchanged, making the call idempotent.
func (e *Encryptor) Encrypt(value string) (string, error) {
	if value == "" || strings.HasPrefix(value, encryptedPrefix) {
		return value, nil
	}

	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.gcm.Seal(nonce, nonce, []byte(value), nil)
	return encryptedPrefix + base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without the "enc:" prefix are returned
// unchanged, so plaintext settings written before encryption was enabled
// remain readable.
func (e *Encryptor) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, encryptedPrefix) {
		return value, nil
	}

	raw, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(value, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: malformed encoding", ErrDecryptionFailed)
	}

	nonceSize := e.gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: truncated ciphertext", ErrDecryptionFailed)
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether value already carries the encrypted-value
// prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encryptedPrefix)
}
