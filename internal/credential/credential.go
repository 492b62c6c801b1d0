// Package credential seals and opens the opaque credential blob attached to
// each Watch (spec.md §3: "only the credential custodian decrypts"). The key
// is obtained, in order, from an environment variable or an on-disk key
// file created on first run if absent (spec.md §6).
package credential

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

// Custodian seals and opens credential blobs with a single AEAD key.
type Custodian struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// Load obtains the AEAD key from envVar if set, otherwise reads keyFile,
// creating it with a fresh random key if it does not exist.
func Load(envVar, keyFile string) (*Custodian, error) {
	key, err := loadKey(envVar, keyFile)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("construct aead: %w", err)
	}
	return &Custodian{aead: aead}, nil
}

func loadKey(envVar, keyFile string) ([]byte, error) {
	if envVar != "" {
		key, err := base64.StdEncoding.DecodeString(envVar)
		if err != nil {
			return nil, fmt.Errorf("decode credential key from env: %w", err)
		}
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("credential key from env has wrong length: got %d, want %d", len(key), chacha20poly1305.KeySize)
		}
		return key, nil
	}

	raw, err := os.ReadFile(keyFile)
	if errors.Is(err, os.ErrNotExist) {
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate credential key: %w", err)
		}
		encoded := base64.StdEncoding.EncodeToString(key)
		if err := os.WriteFile(keyFile, []byte(encoded), 0o600); err != nil {
			return nil, fmt.Errorf("persist credential key file: %w", err)
		}
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential key file: %w", err)
	}

	key, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode credential key file: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credential key file has wrong length: got %d, want %d", len(key), chacha20poly1305.KeySize)
	}
	return key, nil
}

// Seal encrypts plaintext into an opaque blob (nonce prefixed).
func (c *Custodian) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (c *Custodian) Open(sealed []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(sealed) < n {
		return nil, errors.New("sealed credential too short")
	}
	nonce, ciphertext := sealed[:n], sealed[n:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed credential: %w", err)
	}
	return plaintext, nil
}
