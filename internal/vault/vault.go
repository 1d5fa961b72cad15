// Package vault seals small secrets with AES-256-GCM under a key derived
// from an operator passphrase via Argon2id. It holds no storage of its own;
// callers persist the sealed blobs and the salt.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters: m=64MB, t=3, p=4
	argonMemory  = 64 * 1024
	argonTime    = 3
	argonThreads = 4
	argonKeyLen  = 32

	SaltLen  = 32
	nonceLen = 12 // AES-256-GCM standard nonce size
)

// ErrSealerClosed is returned after Close.
var ErrSealerClosed = errors.New("sealer is closed")

// DeriveKey derives a 256-bit key from a passphrase and salt using Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey(
		[]byte(passphrase),
		salt,
		argonTime,
		argonMemory,
		argonThreads,
		argonKeyLen,
	)
}

// NewSalt returns a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// Sealer encrypts and decrypts blobs bound to a caller-chosen label.
type Sealer struct {
	mu  sync.RWMutex
	key []byte // held in memory only
}

// NewSealer derives the key for passphrase and salt.
func NewSealer(passphrase string, salt []byte) *Sealer {
	return &Sealer{key: DeriveKey(passphrase, salt)}
}

// Seal encrypts plaintext. The label is authenticated as additional data, so
// a blob only opens under the label it was sealed with. Output is nonce || ciphertext.
func (s *Sealer) Seal(label string, plaintext []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLen, nonceLen+len(plaintext)+gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, []byte(label)), nil
}

// Open decrypts a blob produced by Seal with the same label.
func (s *Sealer) Open(label string, sealed []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	if len(sealed) < nonceLen+gcm.Overhead() {
		return nil, fmt.Errorf("sealed blob too short")
	}

	plaintext, err := gcm.Open(nil, sealed[:nonceLen], sealed[nonceLen:], []byte(label))
	if err != nil {
		return nil, fmt.Errorf("decrypting sealed blob: %w", err)
	}
	return plaintext, nil
}

func (s *Sealer) gcm() (cipher.AEAD, error) {
	if s.key == nil {
		return nil, ErrSealerClosed
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// Close zeroes the key.
func (s *Sealer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.key {
		s.key[i] = 0
	}
	s.key = nil
}

// HashSecret returns a redaction-safe hash prefix for a secret value.
// Format: sha256:<first-8-chars-of-hex-hash>
func HashSecret(secret []byte) string {
	h := sha256.Sum256(secret)
	return "sha256:" + hex.EncodeToString(h[:])[:8]
}
