package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// AEAD parameters. Output layout is nonce(12) || ciphertext || tag(16).
const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

// Encrypt seals plaintext under a 32-byte key with AES-256-GCM. The optional
// associated data is authenticated but not encrypted. The nonce is drawn
// fresh from the OS CSPRNG for every call and prepended to the output.
func Encrypt(key, plaintext, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidKeyLength, KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, err
	}

	return gcm.Seal(out, out[:NonceSize], plaintext, ad), nil
}

// Decrypt opens a nonce(12) || ciphertext || tag(16) blob produced by
// Encrypt. Tag mismatch, truncation and wrong associated data all collapse
// into ErrDecryptionFailed; GCM keeps the authenticity check constant-time.
func Decrypt(key, input, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidKeyLength, KeySize, len(key))
	}
	if len(input) < NonceSize+TagSize {
		return nil, ErrDecryptionFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, input[:NonceSize], input[NonceSize:], ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
