// Package tls prepares the server-side TLS configuration of the status
// endpoint, optionally generating a self-signed certificate.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/portvisor/internal/config"
)

const (
	caCertName = "tls_ca.crt"
	certName   = "tls.crt"
	keyName    = "tls.key"
)

// ErrNoCertificate means TLS is enabled but neither a cert/key pair nor a
// certificate directory is configured.
var ErrNoCertificate = errors.New("tls enabled but no certificate configured")

// parseVersion maps a version name to its constant. The second result is
// false for empty or unknown names.
func parseVersion(ver string) (uint16, bool) {
	switch strings.ToLower(strings.TrimSpace(ver)) {
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// versions resolves the allowed range, defaulting both ends to TLS 1.3.
func versions(c config.TLSConfig) (uint16, uint16) {
	lo, hi := uint16(tls.VersionTLS13), uint16(tls.VersionTLS13)
	if v, ok := parseVersion(c.MinVersion); ok {
		lo = v
	}
	if v, ok := parseVersion(c.MaxVersion); ok {
		hi = v
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// Setup returns the server TLS configuration, or nil when TLS is disabled.
// Certificates are re-read on every handshake so rotated files are picked up
// without a restart.
func Setup(c config.TLSConfig) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	lo, hi := versions(c)

	if c.CertFile != "" && c.KeyFile != "" {
		return serverConfig(c.CertFile, c.KeyFile, lo, hi), nil
	}
	if c.Dir == "" {
		return nil, ErrNoCertificate
	}
	certPath := filepath.Join(c.Dir, certName)
	keyPath := filepath.Join(c.Dir, keyName)
	if c.AutoGenerate && !exists(certPath, keyPath) {
		if err := generate(c, certPath, keyPath); err != nil {
			return nil, fmt.Errorf("generate certificate: %w", err)
		}
	}
	if !exists(certPath, keyPath) {
		return nil, fmt.Errorf("%w: %s has no %s/%s", ErrNoCertificate, c.Dir, certName, keyName)
	}
	return serverConfig(certPath, keyPath, lo, hi), nil
}

func serverConfig(certPath, keyPath string, lo, hi uint16) *tls.Config {
	return &tls.Config{
		GetCertificate: loader(certPath, keyPath),
		MinVersion:     lo,
		MaxVersion:     hi,
	}
}

// loader reads the pair from disk on each call.
func loader(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := os.ReadFile(filepath.Clean(certPath))
		if err != nil {
			return nil, err
		}
		key, err := os.ReadFile(filepath.Clean(keyPath))
		if err != nil {
			return nil, err
		}
		pair, err := tls.X509KeyPair(cert, key)
		if err != nil {
			return nil, err
		}
		return &pair, nil
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultSlice(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

func generate(c config.TLSConfig, certPath, keyPath string) error {
	if err := os.MkdirAll(c.Dir, 0o700); err != nil {
		return err
	}
	days := c.AutoGen.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSigned(CertConfig{
		CommonName:   orDefault(c.AutoGen.CommonName, "localhost"),
		Organization: orDefault(c.AutoGen.Organization, "portvisor"),
		DNSNames:     orDefaultSlice(c.AutoGen.DNSNames, []string{"localhost"}),
		IPAddresses:  orDefaultSlice(c.AutoGen.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     certPath,
		KeyPath:      keyPath,
		CACertPath:   filepath.Join(c.Dir, caCertName),
	})
}
