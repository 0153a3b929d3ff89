// Package stepca adapts github.com/smallstep/certificates' embedded
// authority into an acme.CAHandler, so the core engine can drive a
// real X.509 CA instead of the development selfsigned one.
package stepca

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/smallstep/certificates/authority"
	"github.com/smallstep/certificates/authority/provisioner"
)

// Authority is the subset of *authority.Authority this adapter drives.
// Declared as an interface so tests can substitute a fake without
// standing up a full step-ca instance.
type Authority interface {
	Sign(csr *x509.CertificateRequest, signOpts provisioner.SignOptions, extraOpts ...provisioner.SignOption) ([]*x509.Certificate, error)
	Revoke(ctx context.Context, opts *authority.RevokeOptions) error
}

// CA adapts an Authority to acme.CAHandler. ProvisionerName is stored
// on the CA but Enroll does not consult it: every Enroll call signs
// with SignOptions, with NotAfter set to 90 days from the call.
type CA struct {
	Authority       Authority
	ProvisionerName string
	SignOptions     provisioner.SignOptions
}

// New returns a CA backed by auth that records provisionerName; its
// SignOptions start zero-valued.
func New(auth Authority, provisionerName string) *CA {
	return &CA{Authority: auth, ProvisionerName: provisionerName}
}

// Enroll implements acme.CAHandler: it signs csrDER against the
// configured authority and renders the returned chain as leaf-then-
// intermediates-then-root PEM.
func (c *CA) Enroll(_ context.Context, csrDER []byte) ([]byte, error) {
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, fmt.Errorf("stepca: parsing csr: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("stepca: invalid csr signature: %w", err)
	}

	signOpts := c.SignOptions
	signOpts.NotAfter = provisioner.NewTimeDuration(time.Now().Add(90 * 24 * time.Hour))

	chain, err := c.Authority.Sign(csr, signOpts)
	if err != nil {
		return nil, fmt.Errorf("stepca: signing csr: %w", err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("stepca: authority returned an empty chain")
	}

	var out []byte
	for _, cert := range chain {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	return out, nil
}

// Revoke implements acme.CAHandler.
func (c *CA) Revoke(ctx context.Context, certDER []byte, reason int) error {
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("stepca: parsing certificate: %w", err)
	}
	opts := &authority.RevokeOptions{
		Serial:     leaf.SerialNumber.String(),
		Reason:     reasonString(reason),
		ReasonCode: reason,
		MTLS:       false,
		ACME:       true,
	}
	if err := c.Authority.Revoke(ctx, opts); err != nil {
		return fmt.Errorf("stepca: revoking certificate: %w", err)
	}
	return nil
}

// reasonString renders an RFC 5280 CRLReason code as the short text
// step-ca's audit log expects.
func reasonString(reason int) string {
	switch reason {
	case 1:
		return "keyCompromise"
	case 3:
		return "affiliationChanged"
	case 4:
		return "superseded"
	case 5:
		return "cessationOfOperation"
	case 6:
		return "certificateHold"
	case 8:
		return "removeFromCRL"
	case 9:
		return "privilegeWithdrawn"
	case 10:
		return "aaCompromise"
	default:
		return "unspecified"
	}
}
