package listener

import (
	"crypto/tls"
	"fmt"
	"os"
	"strings"

	"github.com/wardenhq/warden/internal/config"
)

// Credentials holds resolved TLS material. Each configured value is
// accepted either as inline PEM text (with escaped newlines) or as a
// filesystem path; WatchPaths lists the file-backed values so callers
// can watch them for changes.
type Credentials struct {
	CertPEM    []byte
	KeyPEM     []byte
	CAPEM      []byte
	WatchPaths []string
}

// LoadCredentials resolves the configured TLS values. Returns nil when
// TLS is not enabled.
func LoadCredentials(cfg config.SSLConfig) (*Credentials, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	creds := &Credentials{}

	var err error
	if creds.KeyPEM, err = resolvePEM(cfg.Key, &creds.WatchPaths); err != nil {
		return nil, fmt.Errorf("listener: load tls key: %w", err)
	}
	if creds.CertPEM, err = resolvePEM(cfg.Cert, &creds.WatchPaths); err != nil {
		return nil, fmt.Errorf("listener: load tls cert: %w", err)
	}
	if cfg.CA != "" {
		if creds.CAPEM, err = resolvePEM(cfg.CA, &creds.WatchPaths); err != nil {
			return nil, fmt.Errorf("listener: load tls ca: %w", err)
		}
	}

	return creds, nil
}

// resolvePEM returns PEM bytes for a config value. Inline values carry a
// PEM header once escaped newlines are unescaped; everything else is
// treated as a path.
func resolvePEM(value string, watchPaths *[]string) ([]byte, error) {
	unescaped := strings.ReplaceAll(value, `\n`, "\n")
	if strings.Contains(unescaped, "-----BEGIN") {
		return []byte(unescaped), nil
	}

	path := config.ExpandPath(value)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	*watchPaths = append(*watchPaths, path)
	return data, nil
}

// TLSConfig builds the server TLS configuration. The CA bundle, when
// present, is appended to the certificate chain so intermediates are
// served to clients.
func (c *Credentials) TLSConfig() (*tls.Config, error) {
	certPEM := c.CertPEM
	if len(c.CAPEM) > 0 {
		certPEM = append(append([]byte{}, certPEM...), c.CAPEM...)
	}

	cert, err := tls.X509KeyPair(certPEM, c.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("listener: parse tls key pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
