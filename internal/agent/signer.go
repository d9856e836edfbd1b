package agent

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
)

// Message is the exact string the agent verifies: "<domain>|true" or "<domain>|false".
func Message(domain string, enabled bool) string {
	return domain + "|" + strconv.FormatBool(enabled)
}

// MaxSaltLength is the largest PSS salt for pub with a SHA-256 digest.
func MaxSaltLength(pub *rsa.PublicKey) int {
	emLen := (pub.N.BitLen() - 1 + 7) / 8
	return emLen - sha256.Size - 2
}

// Signer produces RSA-PSS signatures over toggle messages.
type Signer struct {
	key *rsa.PrivateKey
}

// NewSigner wraps key.
func NewSigner(key *rsa.PrivateKey) *Signer {
	return &Signer{key: key}
}

// Public returns the verification key.
func (s *Signer) Public() *rsa.PublicKey {
	return &s.key.PublicKey
}

// Sign returns the base64 (standard alphabet) PSS signature of Message(domain, enabled).
func (s *Signer) Sign(domain string, enabled bool) (string, error) {
	digest := sha256.Sum256([]byte(Message(domain, enabled)))
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: MaxSaltLength(&s.key.PublicKey),
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign toggle message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a signature produced by Sign. The agent performs the same check.
func Verify(pub *rsa.PublicKey, domain string, enabled bool, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("signature is not base64: %w", err)
	}
	digest := sha256.Sum256([]byte(Message(domain, enabled)))
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: MaxSaltLength(pub),
		Hash:       crypto.SHA256,
	})
}
