package auth

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"meshfed/pkg/config"
)

var ErrInvalidCA = errors.New("invalid CA certificate")

// TLSConfigBuilder builds broker client TLS configurations from a site's
// TLS material.
type TLSConfigBuilder struct {
	config config.TLSConfig
}

// NewTLSConfigBuilder creates a new TLS configuration builder
func NewTLSConfigBuilder(cfg config.TLSConfig) (*TLSConfigBuilder, error) {
	if cfg.Enabled && (cfg.CertPath == "") != (cfg.KeyPath == "") {
		return nil, errors.New("client certificate and key must be configured together")
	}
	return &TLSConfigBuilder{config: cfg}, nil
}

// BuildClientConfig returns nil when TLS is disabled for the site.
func (b *TLSConfigBuilder) BuildClientConfig() (*tls.Config, error) {
	if !b.config.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: b.config.InsecureSkipVerify,
	}

	if b.config.CAPath != "" {
		caPool, err := loadCAPool(b.config.CAPath)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = caPool
	}

	if b.config.CertPath != "" && b.config.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(b.config.CertPath, b.config.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// loadCAPool loads a CA certificate pool from file
func loadCAPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCA, path)
	}

	return caPool, nil
}
