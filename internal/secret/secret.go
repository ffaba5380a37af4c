// Package secret handles provider key material: encryption at rest, display
// masking, and placeholder validation.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	porter "github.com/akarpov/porter/internal"
)

const (
	kdfIterations = 100000
	kdfKeyLen     = 32

	// appSalt is fixed so ciphertexts survive restarts. Rotating the master
	// secret requires re-encrypting stored keys.
	appSalt = "porter-key-store-v1"

	minKeyLen = 10
)

// placeholderPatterns mark keys that were never real credentials.
var placeholderPatterns = []string{"demo", "test", "example", "replace", "your-key"}

// Cipher encrypts and decrypts key material with AES-256-GCM under a key
// derived from the master secret.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the data key from the master secret with PBKDF2-SHA256.
func NewCipher(masterSecret string) (*Cipher, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("master secret is empty: %w", porter.ErrConfiguration)
	}
	dk := pbkdf2.Key([]byte(masterSecret), []byte(appSalt), kdfIterations, kdfKeyLen, sha256.New)
	block, err := aes.NewCipher(dk)
	if err != nil {
		return nil, fmt.Errorf("derive cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("derive cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals the plaintext and returns a base64 token with the nonce
// prepended.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("ciphertext too short")
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt key material: %w", err)
	}
	return string(plain), nil
}

// Mask renders a key for display: the first four characters followed by
// asterisks. Short inputs are fully masked.
func Mask(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-4)
}

// Validate rejects key material that is too short or looks like a
// placeholder from documentation.
func Validate(key string) error {
	if len(key) < minKeyLen {
		return fmt.Errorf("key too short: %w", porter.ErrValidation)
	}
	lower := strings.ToLower(key)
	for _, p := range placeholderPatterns {
		if strings.Contains(lower, p) {
			return fmt.Errorf("key looks like a placeholder (%q): %w", p, porter.ErrValidation)
		}
	}
	return nil
}
