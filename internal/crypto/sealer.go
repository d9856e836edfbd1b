// Package crypto seals secrets that have to live in configuration, currently the
// agent signing key. A sealed value is AES-256-GCM ciphertext under a key derived
// from ENCRYPTION_KEY with PBKDF2; the per-value salt and nonce travel with it so
// the same passphrase can open values sealed on another host.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	sealedPrefix = "v1:"
	saltSize     = 16
	keySize      = 32
	// MinIterations is the floor applied to the PBKDF2 iteration count.
	MinIterations     = 10000
	defaultIterations = 210000
)

var sealedAAD = []byte("waflog-sealed-v1")

var (
	// ErrEmptyPassphrase is returned when no passphrase is configured.
	ErrEmptyPassphrase = errors.New("crypto: passphrase must not be empty")
	// ErrSealedCorrupted is returned when a sealed value is malformed or truncated.
	ErrSealedCorrupted = errors.New("crypto: sealed value is corrupted or tampered")
	// ErrOpenFailed is returned when authentication fails, meaning tampering or a wrong passphrase.
	ErrOpenFailed = errors.New("crypto: unable to open sealed value")
)

// Sealer seals and opens values with a passphrase-derived key.
type Sealer struct {
	passphrase []byte
	iterations int
}

// NewSealer creates a Sealer using the default PBKDF2 iteration count.
func NewSealer(passphrase string) (*Sealer, error) {
	return NewSealerWithIterations(passphrase, defaultIterations)
}

// NewSealerWithIterations is NewSealer with an explicit iteration count, raised
// to MinIterations when lower. Both sides of a seal must agree on the count.
func NewSealerWithIterations(passphrase string, iterations int) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if iterations < MinIterations {
		iterations = MinIterations
	}
	return &Sealer{passphrase: []byte(passphrase), iterations: iterations}, nil
}

// IsSealed reports whether s carries the sealed-value prefix.
func IsSealed(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), sealedPrefix)
}

// Seal encrypts plaintext and returns "v1:" followed by base64url(salt|nonce|ciphertext).
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	aead, err := s.aead(salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, sealedAAD)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string) ([]byte, error) {
	sealed = strings.TrimSpace(sealed)
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return nil, ErrSealedCorrupted
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil || len(raw) < saltSize {
		return nil, ErrSealedCorrupted
	}

	aead, err := s.aead(raw[:saltSize])
	if err != nil {
		return nil, err
	}
	rest := raw[saltSize:]
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSealedCorrupted
	}
	nonce, ciphertext := rest[:aead.NonceSize()], rest[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, sealedAAD)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

func (s *Sealer) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(s.passphrase, salt, s.iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
