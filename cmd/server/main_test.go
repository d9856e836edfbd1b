package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/waflog/waflog-backend/internal/agent"
	"github.com/waflog/waflog-backend/internal/config"
	"github.com/waflog/waflog-backend/internal/crypto"
)

func testKeyPEM(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func TestSealKey_RoundTripFromStdin(t *testing.T) {
	key, pemData := testKeyPEM(t)
	cfg := &config.Config{EncryptionKey: "correct horse battery staple"}

	var out bytes.Buffer
	if err := sealKey(cfg, "", bytes.NewReader(pemData), &out); err != nil {
		t.Fatalf("sealKey: %v", err)
	}
	sealed := strings.TrimSpace(out.String())
	if !crypto.IsSealed(sealed) {
		t.Fatalf("output %q is not a sealed value", sealed)
	}

	sealer, err := crypto.NewSealer(cfg.EncryptionKey)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	loaded, err := agent.LoadKey(agent.KeySource{Sealed: sealed, Sealer: sealer})
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if !loaded.Equal(key) {
		t.Error("sealed key does not round-trip")
	}
}

func TestSealKey_FromFile(t *testing.T) {
	_, pemData := testKeyPEM(t)
	path := filepath.Join(t.TempDir(), "agent.pem")
	if err := os.WriteFile(path, pemData, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var out bytes.Buffer
	if err := sealKey(&config.Config{EncryptionKey: "k"}, path, strings.NewReader(""), &out); err != nil {
		t.Fatalf("sealKey: %v", err)
	}
	if !crypto.IsSealed(out.String()) {
		t.Errorf("output %q is not a sealed value", out.String())
	}
}

func TestSealKey_Errors(t *testing.T) {
	_, pemData := testKeyPEM(t)

	if err := sealKey(&config.Config{}, "", bytes.NewReader(pemData), &bytes.Buffer{}); err == nil {
		t.Error("expected error without ENCRYPTION_KEY")
	}
	if err := sealKey(&config.Config{EncryptionKey: "k"}, "", strings.NewReader("not a key"), &bytes.Buffer{}); err == nil {
		t.Error("expected error for invalid PEM")
	}
	if err := sealKey(&config.Config{EncryptionKey: "k"}, filepath.Join(t.TempDir(), "missing.pem"), nil, &bytes.Buffer{}); err == nil {
		t.Error("expected error for missing file")
	}
}
