package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// Vault provides AES-GCM encryption/decryption for account secrets at rest.
// Every Encrypt call generates a fresh random nonce which is prepended to the
// cipher output, so a token is self-describing and decryption needs nothing
// beyond the shared key.
type Vault struct {
	key []byte
}

// NewVault creates a vault from a raw key.
// The key must be 16, 24, or 32 bytes for AES-128, AES-192, or AES-256.
func NewVault(key []byte) (*Vault, error) {
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, fmt.Errorf("invalid key size: must be 16, 24, or 32 bytes, got %d", len(key))
	}
	return &Vault{key: key}, nil
}

// NewVaultFromHex creates a vault from a hex-encoded key
func NewVaultFromHex(encodedKey string) (*Vault, error) {
	if encodedKey == "" {
		return nil, fmt.Errorf("encryption key cannot be empty")
	}
	key, err := hex.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex key: %w", err)
	}
	return NewVault(key)
}

// GenerateVaultKey generates a new random key of the specified size,
// hex-encoded for storage in environment variables.
func GenerateVaultKey(keySize int) (string, error) {
	if keySize != 16 && keySize != 24 && keySize != 32 {
		return "", fmt.Errorf("invalid key size: must be 16, 24, or 32 bytes")
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Encrypt seals a plaintext secret into a base64 token. The empty string is a
// no-op and round-trips as the empty string.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	// Fresh nonce per call; never reused across encryptions.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a token produced by Encrypt. The empty string is a no-op.
// Malformed or truncated tokens return ErrDecryption.
func (v *Vault) Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrDecryption, err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("%w: token too short", ErrDecryption)
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	return string(plaintext), nil
}
