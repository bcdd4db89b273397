// Package crypto encrypts stored OAuth tokens with AES-256-GCM. Every
// encryptor carries a key id derived from the key, recorded next to each
// ciphertext so a rotated ENCRYPTION_KEY is detected instead of producing
// garbage.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrKeyMismatch means the ciphertext was written with a different key.
	ErrKeyMismatch = errors.New("crypto: ciphertext was sealed with a different key")
	// ErrAuthentication means the ciphertext is corrupt or was tampered with.
	ErrAuthentication = errors.New("crypto: authentication failed")
)

// Encryptor seals and opens token values.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	KeyID() string
}

// AESEncryptor is AES-256-GCM with a random 12-byte nonce prefixed to each
// ciphertext.
type AESEncryptor struct {
	aead  cipher.AEAD
	keyID string
}

// NewAESEncryptor builds an encryptor from a base64 encoded 32-byte key
// (openssl rand -base64 32).
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: need 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	sum := sha256.Sum256(key)
	return &AESEncryptor{aead: aead, keyID: hex.EncodeToString(sum[:4])}, nil
}

// KeyID is a short fingerprint of the key, safe to store.
func (e *AESEncryptor) KeyID() string { return e.keyID }

func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short (%d bytes): %w", len(ciphertext), ErrAuthentication)
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// EncryptString seals s and returns base64 text for a TEXT column. An empty
// string stays empty.
func EncryptString(enc Encryptor, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	ct, err := enc.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptString opens a value written by EncryptString. keyID is the id
// stored with the value; a mismatch returns ErrKeyMismatch without trying.
func DecryptString(enc Encryptor, s, keyID string) (string, error) {
	if s == "" {
		return "", nil
	}
	if keyID != "" && keyID != enc.KeyID() {
		return "", ErrKeyMismatch
	}
	ct, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	pt, err := enc.Decrypt(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
