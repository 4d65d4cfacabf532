package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const storageKeyLength = 32

var (
	// ErrInvalidKey indicates the storage key is not 32 bytes of valid base64.
	ErrInvalidKey = errors.New("credstore.invalid_key")
	// ErrCiphertextInvalid indicates a truncated or tampered sealed blob.
	ErrCiphertextInvalid = errors.New("credstore.ciphertext_invalid")
)

// KeyFromBase64 decodes and length-checks a storage key. Standard base64 with
// or without padding is accepted.
func KeyFromBase64(encoded string) ([]byte, error) {
	key, decodeErr := base64.StdEncoding.DecodeString(encoded)
	if decodeErr != nil {
		key, decodeErr = base64.RawStdEncoding.DecodeString(encoded)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, decodeErr)
	}
	if len(key) != storageKeyLength {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, storageKeyLength, len(key))
	}
	return key, nil
}

// SnapshotCipher seals and opens credential blobs with AES-256-GCM. Sealed
// form is nonce ‖ ciphertext+tag with a fresh random nonce per write.
type SnapshotCipher struct {
	aead cipher.AEAD
}

// NewSnapshotCipher builds a cipher from a 32-byte key.
func NewSnapshotCipher(key []byte) (*SnapshotCipher, error) {
	if len(key) != storageKeyLength {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, storageKeyLength, len(key))
	}
	block, blockErr := aes.NewCipher(key)
	if blockErr != nil {
		return nil, fmt.Errorf("credstore.cipher: %w", blockErr)
	}
	aead, aeadErr := cipher.NewGCM(block)
	if aeadErr != nil {
		return nil, fmt.Errorf("credstore.cipher: %w", aeadErr)
	}
	return &SnapshotCipher{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh nonce.
func (snapshotCipher *SnapshotCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, snapshotCipher.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("credstore.seal: %w", err)
	}
	return snapshotCipher.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts a sealed blob.
func (snapshotCipher *SnapshotCipher) Open(sealed []byte) ([]byte, error) {
	nonceSize := snapshotCipher.aead.NonceSize()
	if len(sealed) < nonceSize+snapshotCipher.aead.Overhead() {
		return nil, ErrCiphertextInvalid
	}
	plaintext, openErr := snapshotCipher.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if openErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertextInvalid, openErr)
	}
	return plaintext, nil
}
