package config

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
	"strings"
)

const encPrefix = "enc:"

// SecretKey manages the master key used to encrypt webhook auth tokens
// at rest in the config file. AES-256-GCM.
type SecretKey struct {
	key []byte
}

// NewSecretKey derives the key from QUARRY_SECRET_KEY, or generates and
// persists one at ~/.quarry/secret.key on first run.
func NewSecretKey() (*SecretKey, error) {
	rawKey := os.Getenv("QUARRY_SECRET_KEY")
	if rawKey != "" {
		h := sha256.Sum256([]byte(rawKey))
		return &SecretKey{key: h[:]}, nil
	}

	keyPath := filepath.Join(homeDir(), ".quarry", "secret.key")
	if data, err := os.ReadFile(keyPath); err == nil && len(data) >= 32 {
		return &SecretKey{key: data[:32]}, nil
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to write secret key: %w", err)
	}
	return &SecretKey{key: key}, nil
}

// Encrypt returns base64 ciphertext with the enc: prefix so stored
// values are self-identifying.
func (s *SecretKey) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt; values without the enc: prefix pass through
// unchanged.
func (s *SecretKey) Decrypt(encrypted string) (string, error) {
	if encrypted == "" || !strings.HasPrefix(encrypted, encPrefix) {
		return encrypted, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encrypted, encPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return "/tmp"
}
