package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testPaths(t *testing.T) (string, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "nested", "certs")
	return filepath.Join(dir, "gateway.crt"), filepath.Join(dir, "gateway.key")
}

func TestEnsureGenerates(t *testing.T) {
	certPath, keyPath := testPaths(t)

	cert, err := Ensure(Options{
		CertPath: certPath,
		KeyPath:  keyPath,
		Hosts:    []string{"localhost", "127.0.0.1", "gateway.example.com"},
		Validity: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if !cert.Generated {
		t.Error("Generated should be true for a new certificate")
	}

	parts := strings.Split(cert.Fingerprint, ":")
	if len(parts) != 32 {
		t.Errorf("Fingerprint should have 32 parts, got %d", len(parts))
	}
	for _, part := range parts {
		if len(part) != 2 || strings.ToUpper(part) != part {
			t.Errorf("fingerprint part %q should be two uppercase hex chars", part)
		}
	}

	if time.Until(cert.NotAfter) > 25*time.Hour {
		t.Errorf("NotAfter = %v, want about 24h from now", cert.NotAfter)
	}

	data, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		t.Fatal("certificate file is not PEM")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("ParseCertificate failed: %v", err)
	}
	if err := leaf.VerifyHostname("gateway.example.com"); err != nil {
		t.Errorf("VerifyHostname(dns) failed: %v", err)
	}
	if err := leaf.VerifyHostname("127.0.0.1"); err != nil {
		t.Errorf("VerifyHostname(ip) failed: %v", err)
	}
	if Fingerprint(leaf) != cert.Fingerprint {
		t.Error("Fingerprint of the file differs from the reported one")
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("Stat key failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestEnsureLoadsExisting(t *testing.T) {
	certPath, keyPath := testPaths(t)

	first, err := Ensure(Options{CertPath: certPath, KeyPath: keyPath})
	if err != nil {
		t.Fatalf("first Ensure failed: %v", err)
	}
	second, err := Ensure(Options{CertPath: certPath, KeyPath: keyPath})
	if err != nil {
		t.Fatalf("second Ensure failed: %v", err)
	}
	if second.Generated {
		t.Error("second Ensure should load, not generate")
	}
	if first.Fingerprint != second.Fingerprint {
		t.Error("fingerprint changed between loads")
	}
}

func TestEnsureRegeneratesIfKeyMissing(t *testing.T) {
	certPath, keyPath := testPaths(t)

	first, err := Ensure(Options{CertPath: certPath, KeyPath: keyPath})
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if err := os.Remove(keyPath); err != nil {
		t.Fatal(err)
	}

	second, err := Ensure(Options{CertPath: certPath, KeyPath: keyPath})
	if err != nil {
		t.Fatalf("Ensure after key removal failed: %v", err)
	}
	if !second.Generated || second.Fingerprint == first.Fingerprint {
		t.Error("a missing key should produce a new certificate")
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/gateway.crt", "/nonexistent/gateway.key"); err == nil {
		t.Error("Load should fail for nonexistent files")
	}
}

func TestTLSConfig(t *testing.T) {
	certPath, keyPath := testPaths(t)

	cert, err := Ensure(Options{CertPath: certPath, KeyPath: keyPath})
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	cfg := cert.TLSConfig()
	if len(cfg.Certificates) != 1 {
		t.Errorf("expected 1 certificate, got %d", len(cfg.Certificates))
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Error("MinVersion should be TLS 1.2")
	}
}

func TestDefaultPaths(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	certPath, keyPath, err := DefaultPaths()
	if err != nil {
		t.Fatalf("DefaultPaths failed: %v", err)
	}
	if !strings.HasSuffix(certPath, filepath.Join(".chatgate", "certs", "gateway.crt")) {
		t.Errorf("certPath = %q", certPath)
	}
	if !strings.HasSuffix(keyPath, filepath.Join(".chatgate", "certs", "gateway.key")) {
		t.Errorf("keyPath = %q", keyPath)
	}
}
