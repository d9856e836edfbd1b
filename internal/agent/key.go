package agent

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/waflog/waflog-backend/internal/crypto"
)

// MinKeyBits is the smallest RSA modulus accepted for signing toggles.
const MinKeyBits = 2048

// KeySource names where the signing key comes from. File wins over Sealed, which
// wins over PEM. File contents may themselves be sealed.
type KeySource struct {
	PEM    string
	Sealed string
	File   string
	// Sealer opens sealed values. Required when Sealed is set or File holds a sealed value.
	Sealer *crypto.Sealer
}

// Configured reports whether any key source is set.
func (s KeySource) Configured() bool {
	return s.File != "" || s.Sealed != "" || strings.TrimSpace(s.PEM) != ""
}

// LoadKey resolves src into an RSA private key.
func LoadKey(src KeySource) (*rsa.PrivateKey, error) {
	switch {
	case src.File != "":
		data, err := os.ReadFile(src.File)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key file: %w", err)
		}
		if crypto.IsSealed(string(data)) {
			return openSealed(src.Sealer, string(data))
		}
		return ParsePrivateKey(string(data))
	case src.Sealed != "":
		return openSealed(src.Sealer, src.Sealed)
	case strings.TrimSpace(src.PEM) != "":
		return ParsePrivateKey(src.PEM)
	default:
		return nil, errors.New("no private key configured")
	}
}

func openSealed(sealer *crypto.Sealer, sealed string) (*rsa.PrivateKey, error) {
	if sealer == nil {
		return nil, errors.New("sealed private key configured but ENCRYPTION_KEY is not set")
	}
	pemBytes, err := sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed private key: %w", err)
	}
	return ParsePrivateKey(string(pemBytes))
}

// NormalizePEM turns literal "\n" escapes, as found in single-line environment
// variables, into real newlines.
func NormalizePEM(s string) string {
	s = strings.ReplaceAll(s, `\r\n`, "\n")
	s = strings.ReplaceAll(s, `\n`, "\n")
	return strings.TrimSpace(s) + "\n"
}

// ParsePrivateKey parses a PKCS#1 or PKCS#8 PEM-encoded RSA private key.
func ParsePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(NormalizePEM(pemText)))
	if block == nil {
		return nil, errors.New("private key is not PEM encoded")
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 private key: %w", err)
		}
		key = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, want RSA", k)
		}
		key = rk
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}

	if bits := key.N.BitLen(); bits < MinKeyBits {
		return nil, fmt.Errorf("RSA key is %d bits, need at least %d", bits, MinKeyBits)
	}
	return key, nil
}
