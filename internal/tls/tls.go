// Package tls checks the certificate pair handed to the reverse proxy.
package tls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/nantic/servctl/internal/errs"
)

// CheckKeyPair loads certFile and keyFile and returns the leaf certificate's
// expiry. A pair that does not load or match is an ErrConfig; an expired
// certificate is returned with its expiry and no error so callers can warn.
func CheckKeyPair(certFile, keyFile string) (time.Time, error) {
	if certFile == "" || keyFile == "" {
		return time.Time{}, errs.Configf("[ssl] needs both certificate and privatekey")
	}
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return time.Time{}, errs.Wrap("load certificate", certFile, fmt.Errorf("%w: %v", errs.ErrConfig, err))
	}
	leaf := pair.Leaf
	if leaf == nil {
		leaf, err = x509.ParseCertificate(pair.Certificate[0])
		if err != nil {
			return time.Time{}, errs.Wrap("parse certificate", certFile, fmt.Errorf("%w: %v", errs.ErrConfig, err))
		}
	}
	return leaf.NotAfter, nil
}

// GenerateSelfSigned writes cert.pem and key.pem for host into dir, valid
// for the given duration, and returns their paths.
func GenerateSelfSigned(dir, host string, valid time.Duration) (string, string, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(now.UnixNano()),
		Subject:               pkix.Name{CommonName: host},
		DNSNames:              []string{host},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(valid),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return "", "", fmt.Errorf("create certificate: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", "", err
	}
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}
