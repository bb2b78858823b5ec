// Package tls manages the certificate the gateway serves HTTPS and WSS with.
// Without a configured certificate it creates a self-signed one; clients
// pin it by the SHA-256 fingerprint, which is also advertised over mDNS.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultValidity is the lifetime of generated certificates.
const DefaultValidity = 365 * 24 * time.Hour

// Options selects or creates the gateway certificate.
type Options struct {
	// CertPath and KeyPath locate the PEM files. Empty means
	// ~/.chatgate/certs/gateway.crt and gateway.key.
	CertPath string
	KeyPath  string

	// Hosts become the SANs of a generated certificate.
	// Default: localhost, 127.0.0.1 and ::1.
	Hosts []string

	// Validity of a generated certificate. Default: DefaultValidity.
	Validity time.Duration
}

// Certificate is a loaded key pair.
type Certificate struct {
	CertPath    string
	KeyPath     string
	Fingerprint string
	NotAfter    time.Time

	// Generated is true when Ensure created the files.
	Generated bool

	pair tls.Certificate
}

// TLSConfig returns a server configuration serving this certificate.
func (c *Certificate) TLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.pair},
		MinVersion:   tls.VersionTLS12,
	}
}

// DefaultPaths returns ~/.chatgate/certs/gateway.crt and gateway.key.
func DefaultPaths() (certPath, keyPath string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatgate", "certs")
	return filepath.Join(dir, "gateway.crt"), filepath.Join(dir, "gateway.key"), nil
}

// Ensure loads the certificate at the configured paths, generating a
// self-signed one first if either file is missing.
func Ensure(opts Options) (*Certificate, error) {
	if opts.CertPath == "" || opts.KeyPath == "" {
		certPath, keyPath, err := DefaultPaths()
		if err != nil {
			return nil, err
		}
		if opts.CertPath == "" {
			opts.CertPath = certPath
		}
		if opts.KeyPath == "" {
			opts.KeyPath = keyPath
		}
	}

	generated := false
	if !fileExists(opts.CertPath) || !fileExists(opts.KeyPath) {
		if err := generate(opts); err != nil {
			return nil, fmt.Errorf("failed to generate certificate: %w", err)
		}
		generated = true
		log.Printf("tls: generated self-signed certificate %s", opts.CertPath)
	}

	cert, err := Load(opts.CertPath, opts.KeyPath)
	if err != nil {
		return nil, err
	}
	cert.Generated = generated
	return cert, nil
}

// Load reads an existing key pair.
func Load(certPath, keyPath string) (*Certificate, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &Certificate{
		CertPath:    certPath,
		KeyPath:     keyPath,
		Fingerprint: Fingerprint(leaf),
		NotAfter:    leaf.NotAfter,
		pair:        pair,
	}, nil
}

// generate writes a new ECDSA P-256 self-signed certificate and key.
func generate(opts Options) error {
	hosts := opts.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1", "::1"}
	}
	validity := opts.Validity
	if validity <= 0 {
		validity = DefaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"chatgate"}, CommonName: "chatgate gateway"},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	if err := writePEM(opts.CertPath, "CERTIFICATE", der, 0644); err != nil {
		return err
	}
	return writePEM(opts.KeyPath, "PRIVATE KEY", keyDER, 0600)
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Fingerprint returns the SHA-256 of the DER certificate as colon-separated
// uppercase hex, e.g. "AB:CD:...".
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
