// Package pki builds the TLS configuration a Bolt driver dials with,
// including optional mutual TLS.
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// NewBoltTLSConfig builds a TLS 1.3 config for a Bolt driver connection.
// Mutual auth is optional: a Neo4j server's certificate is always
// verified (against caCertPath, or the system root pool when
// caCertPath is empty), and the driver presents its own certificate
// only when both clientCertPath and clientKeyPath are set.
func NewBoltTLSConfig(serverName, caCertPath, clientCertPath, clientKeyPath string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
		ServerName: serverName,
	}

	if caCertPath != "" {
		caPool, err := loadCACertPool(caCertPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = caPool
	}

	if clientCertPath != "" || clientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(clientCertPath, clientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading driver client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caCertPath)
	}

	return pool, nil
}
