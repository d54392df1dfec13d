// Package encryption implements field-level envelope encryption for medical
// and personal data: AES-256-GCM data keys wrapped by a versioned master key
// ring.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

const keySize = 32

// gcm wraps an AES-256-GCM AEAD.
type gcm struct {
	aead cipher.AEAD
}

func newGCM(key []byte) (*gcm, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption: key must be %d bytes, got %d", keySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("encryption: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("encryption: create GCM: %w", err)
	}

	return &gcm{aead: aead}, nil
}

// seal encrypts plaintext and returns the IV, ciphertext and auth tag separately.
func (g *gcm) seal(plaintext, aad []byte) (iv, ciphertext, tag []byte, err error) {
	iv = make([]byte, g.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("encryption: generate iv: %w", err)
	}

	sealed := g.aead.Seal(nil, iv, plaintext, aad)
	split := len(sealed) - g.aead.Overhead()
	return iv, sealed[:split], sealed[split:], nil
}

func (g *gcm) open(iv, ciphertext, tag, aad []byte) ([]byte, error) {
	if len(iv) != g.aead.NonceSize() {
		return nil, fmt.Errorf("encryption: iv must be %d bytes, got %d", g.aead.NonceSize(), len(iv))
	}
	if len(tag) != g.aead.Overhead() {
		return nil, fmt.Errorf("encryption: tag must be %d bytes, got %d", g.aead.Overhead(), len(tag))
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := g.aead.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("encryption: open: %w", err)
	}
	return plaintext, nil
}

// sealPacked returns iv || ciphertext || tag. Used for wrapping data keys.
func (g *gcm) sealPacked(plaintext, aad []byte) ([]byte, error) {
	iv := make([]byte, g.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("encryption: generate iv: %w", err)
	}
	return g.aead.Seal(iv, iv, plaintext, aad), nil
}

func (g *gcm) openPacked(data, aad []byte) ([]byte, error) {
	nonceSize := g.aead.NonceSize()
	if len(data) < nonceSize+g.aead.Overhead() {
		return nil, fmt.Errorf("encryption: wrapped key too short")
	}
	plaintext, err := g.aead.Open(nil, data[:nonceSize], data[nonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("encryption: unwrap: %w", err)
	}
	return plaintext, nil
}

// GenerateKey returns a fresh random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("encryption: generate key: %w", err)
	}
	return key, nil
}
