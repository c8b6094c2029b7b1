package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var errCiphertextTooShort = errors.New("ciphertext too short")

func secretCipher(psk string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(psk))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptSecret seals a client secret (API key) for storage with AES-256-GCM
// under a key derived from psk. The nonce is prepended and the result is
// base64 encoded.
func EncryptSecret(plaintext, psk string) (string, error) {
	aead, err := secretCipher(psk)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptSecret reverses EncryptSecret.
func DecryptSecret(encoded, psk string) (string, error) {
	aead, err := secretCipher(psk)
	if err != nil {
		return "", err
	}
	combined, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(combined) < aead.NonceSize() {
		return "", errCiphertextTooShort
	}
	nonce, sealed := combined[:aead.NonceSize()], combined[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
