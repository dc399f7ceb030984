package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"meshfed/pkg/config"
)

// writeSelfSigned writes a self-signed CA certificate and its key as PEM.
func writeSelfSigned(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"meshfed test"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("Failed to marshal key: %v", err)
	}

	certPath = filepath.Join(dir, "client.crt")
	keyPath = filepath.Join(dir, "client.key")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		t.Fatal(err)
	}
	return certPath, keyPath
}

func TestBuildClientConfig_Disabled(t *testing.T) {
	b, err := NewTLSConfigBuilder(config.TLSConfig{})
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := b.BuildClientConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg != nil {
		t.Error("Expected nil TLS config when TLS is disabled")
	}
}

func TestBuildClientConfig_WithMaterial(t *testing.T) {
	certPath, keyPath := writeSelfSigned(t, t.TempDir())

	b, err := NewTLSConfigBuilder(config.TLSConfig{
		Enabled:  true,
		CAPath:   certPath,
		CertPath: certPath,
		KeyPath:  keyPath,
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := b.BuildClientConfig()
	if err != nil {
		t.Fatalf("Failed to build TLS config: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Error("Expected root CA pool to be loaded")
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Expected 1 client certificate, got %d", len(cfg.Certificates))
	}
}

func TestBuildClientConfig_InvalidCA(t *testing.T) {
	dir := t.TempDir()
	caPath := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(caPath, []byte("not a certificate"), 0600); err != nil {
		t.Fatal(err)
	}

	b, err := NewTLSConfigBuilder(config.TLSConfig{Enabled: true, CAPath: caPath})
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.BuildClientConfig()
	if !errors.Is(err, ErrInvalidCA) {
		t.Errorf("Expected ErrInvalidCA, got %v", err)
	}
}

func TestNewTLSConfigBuilder_CertWithoutKey(t *testing.T) {
	_, err := NewTLSConfigBuilder(config.TLSConfig{Enabled: true, CertPath: "client.crt"})
	if err == nil {
		t.Error("Expected error for certificate without key")
	}
}
