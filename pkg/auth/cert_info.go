package auth

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"
)

// DefaultExpiryWarning is how far ahead of NotAfter a certificate is
// reported as expiring.
const DefaultExpiryWarning = 30 * 24 * time.Hour

type ExpiryStatus string

const (
	CertValid       ExpiryStatus = "valid"
	CertExpiring    ExpiryStatus = "expiring"
	CertExpired     ExpiryStatus = "expired"
	CertNotYetValid ExpiryStatus = "not_yet_valid"
)

// CertificateInfo holds the parts of a broker or client certificate worth
// showing an operator.
type CertificateInfo struct {
	Path      string
	Subject   string
	Issuer    string
	Serial    string
	NotBefore time.Time
	NotAfter  time.Time
	IsCA      bool
	DNSNames  []string
}

// LoadCertificateInfo parses the first PEM certificate in certPath.
func LoadCertificateInfo(certPath string) (*CertificateInfo, error) {
	cert, err := loadCertificate(certPath)
	if err != nil {
		return nil, err
	}
	return &CertificateInfo{
		Path:      certPath,
		Subject:   cert.Subject.String(),
		Issuer:    cert.Issuer.String(),
		Serial:    cert.SerialNumber.String(),
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		IsCA:      cert.IsCA,
		DNSNames:  cert.DNSNames,
	}, nil
}

// Expiry classifies the certificate at now.
func (i *CertificateInfo) Expiry(now time.Time, warn time.Duration) ExpiryStatus {
	switch {
	case now.Before(i.NotBefore):
		return CertNotYetValid
	case !now.Before(i.NotAfter):
		return CertExpired
	case i.NotAfter.Sub(now) < warn:
		return CertExpiring
	}
	return CertValid
}

// ExpiresIn is negative once the certificate has expired.
func (i *CertificateInfo) ExpiresIn(now time.Time) time.Duration {
	return i.NotAfter.Sub(now)
}

// VerifyCertificateChain checks that certPath was signed by a CA in caPath.
func VerifyCertificateChain(certPath, caPath string) error {
	roots, err := loadCAPool(caPath)
	if err != nil {
		return err
	}
	cert, err := loadCertificate(certPath)
	if err != nil {
		return err
	}

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

func loadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("failed to decode PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}
