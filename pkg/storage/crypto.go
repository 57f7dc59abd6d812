package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2 parameters
	pbkdf2Iterations = 100000
	pbkdf2KeyLen     = 32 // AES-256
	saltSize         = 32

	// AES-GCM nonce size
	nonceSize = 12

	installKeySize = 32
	installKeyFile = "secret.key"
)

// SealSecret encrypts a secret with AES-256-GCM using a key derived from
// passphrase. The result is base64(salt + nonce + ciphertext).
func SealSecret(secret []byte, passphrase []byte) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("secret cannot be empty")
	}
	if len(passphrase) == 0 {
		return "", fmt.Errorf("passphrase cannot be empty")
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+nonceSize+len(secret)+gcm.Overhead())
	out = append(out, salt...)
	out = gcm.Seal(append(out, nonce...), nonce, secret, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// OpenSecret reverses SealSecret.
func OpenSecret(sealed string, passphrase []byte) ([]byte, error) {
	if sealed == "" {
		return nil, fmt.Errorf("sealed data cannot be empty")
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("invalid sealed data: %w", err)
	}
	if len(raw) < saltSize+nonceSize {
		return nil, fmt.Errorf("sealed data too short")
	}

	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+nonceSize]
	ciphertext := raw[saltSize+nonceSize:]

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong key?): %w", err)
	}
	return plaintext, nil
}

func newGCM(passphrase, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(passphrase, salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// loadInstallKey returns the per-install key used to seal passwords that
// end up in JSON, creating it on first use.
func loadInstallKey(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, installKeyFile)

	key, err := os.ReadFile(path)
	if err == nil && len(key) == installKeySize {
		return key, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read install key: %w", err)
	}

	key = make([]byte, installKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate install key: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to write install key: %w", err)
	}
	return key, nil
}
