// Package selfsigned implements a minimal acme.CAHandler that signs
// CSRs against an in-memory root, generated on construction with
// go.step.sm/crypto/keyutil. It exists for tests and for development
// mode, avoiding a full step-ca authority bootstrap.
package selfsigned

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.step.sm/crypto/keyutil"
)

// CA is a self-signing acme.CAHandler: every Enroll call issues a leaf
// directly under an ephemeral root held in memory. It is not suitable
// for production issuance (no intermediate, no CRL/OCSP) but lets the
// core engine run end to end without an external authority.
type CA struct {
	mu sync.Mutex

	rootCert   *x509.Certificate
	rootKey    crypto.Signer
	rootPEM    []byte
	leafTTL    time.Duration
	revoked    map[string]bool
	nextSerial int64
}

// New generates a fresh root key and self-signed root certificate
// with commonName as its subject, ready to sign leaf certificates.
func New(commonName string) (*CA, error) {
	if commonName == "" {
		commonName = "ACME Server Development Root"
	}
	rootKey, err := keyutil.GenerateDefaultSigner()
	if err != nil {
		return nil, fmt.Errorf("selfsigned: generating root key: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, rootKey.Public(), rootKey)
	if err != nil {
		return nil, fmt.Errorf("selfsigned: creating root certificate: %w", err)
	}
	root, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("selfsigned: parsing root certificate: %w", err)
	}

	return &CA{
		rootCert:   root,
		rootKey:    rootKey,
		rootPEM:    pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		leafTTL:    90 * 24 * time.Hour,
		revoked:    make(map[string]bool),
		nextSerial: 2,
	}, nil
}

// Enroll implements acme.CAHandler: it signs csrDER's public key
// under the in-memory root and returns leaf-then-root PEM, matching
// the chain order OrderService.issue expects (leaf first).
func (c *CA) Enroll(_ context.Context, csrDER []byte) ([]byte, error) {
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, fmt.Errorf("selfsigned: parsing csr: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("selfsigned: invalid csr signature: %w", err)
	}

	c.mu.Lock()
	serial := big.NewInt(c.nextSerial)
	c.nextSerial++
	c.mu.Unlock()

	tmpl := &x509.Certificate{
		SerialNumber:    serial,
		Subject:         csr.Subject,
		DNSNames:        csr.DNSNames,
		NotBefore:       time.Now().Add(-5 * time.Minute),
		NotAfter:        time.Now().Add(c.leafTTL),
		KeyUsage:        x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		ExtraExtensions: csr.Extensions,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, c.rootCert, csr.PublicKey, c.rootKey)
	if err != nil {
		return nil, fmt.Errorf("selfsigned: signing leaf: %w", err)
	}

	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return append(leafPEM, c.rootPEM...), nil
}

// SetLeafTTL overrides the validity period assigned to subsequently
// issued leaf certificates. ttl <= 0 is ignored.
func (c *CA) SetLeafTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.leafTTL = ttl
	c.mu.Unlock()
}

// Revoke implements acme.CAHandler. The self-signed CA has no CRL, so
// revocation is tracked in memory only (sufficient for the
// alreadyRevoked idempotency check CertificateService performs before
// ever calling Revoke).
func (c *CA) Revoke(_ context.Context, certDER []byte, _ int) error {
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("selfsigned: parsing certificate: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked[leaf.SerialNumber.String()] = true
	return nil
}
