package acme

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"time"
)

// RevokePayload is the request body of POST /acme/revokecert
// (RFC 8555 §7.6).
type RevokePayload struct {
	Certificate string `json:"certificate"` // base64url DER
	Reason      *int   `json:"reason,omitempty"`
}

// CertificateService serves an issued chain to its owner and drives
// revocation.
type CertificateService struct {
	store Store
	ca    CAHandler
}

// NewCertificateService returns a CertificateService backed by store
// and ca.
func NewCertificateService(store Store, ca CAHandler) *CertificateService {
	return &CertificateService{store: store, ca: ca}
}

// Get implements new_get: returns the certificate chain if
// accountName owns the order it was issued for.
func (s *CertificateService) Get(ctx context.Context, name, accountName string) (*Certificate, *Problem) {
	cert, err := s.store.GetCertificate(ctx, name)
	if err == ErrNotFound {
		return nil, NewProblem(ErrMalformed, "certificate not found")
	} else if err != nil {
		return nil, Wrap(err, "loading certificate")
	}
	order, err := s.store.GetOrder(ctx, cert.OrderName)
	if err != nil {
		return nil, Wrap(err, "loading owning order")
	}
	if order.AccountName != accountName {
		return nil, NewProblem(ErrUnauthorized, "account does not own this certificate")
	}
	return cert, nil
}

// Revoke implements revokeCert (RFC 8555 §7.6): either the account
// that owns the certificate's order, or the holder of the
// certificate's own private key (proved by an embedded jwk matching
// the certificate's public key), may revoke it.
func (s *CertificateService) Revoke(ctx context.Context, env *Envelope) *Problem {
	var payload RevokePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return NewProblem(ErrMalformed, "invalid revoke payload")
	}
	der, err := base64.RawURLEncoding.DecodeString(payload.Certificate)
	if err != nil {
		return NewProblem(ErrMalformed, "invalid certificate encoding")
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return NewProblem(ErrMalformed, "invalid certificate")
	}

	reason := 0
	if payload.Reason != nil {
		reason = *payload.Reason
		if !validRevocationReason(reason) {
			return NewProblem(ErrBadRevocationReason, "unsupported revocation reason")
		}
	}

	cert, err := s.store.GetCertificateBySerial(ctx, formatSerial(leaf.SerialNumber))
	if err == ErrNotFound {
		return NewProblem(ErrMalformed, "certificate not found")
	} else if err != nil {
		return Wrap(err, "loading certificate")
	}

	if problem := s.authorizeRevocation(ctx, env, cert, leaf); problem != nil {
		return problem
	}
	if cert.Revoked {
		return NewProblem(ErrAlreadyRevoked, "certificate is already revoked")
	}

	if err := s.ca.Revoke(ctx, der, reason); err != nil {
		return toProblem(err)
	}

	cert.Revoked = true
	cert.RevocationReason = reason
	cert.RevokedAt = time.Now().UTC()
	if err := s.store.PutCertificate(ctx, cert); err != nil {
		return Wrap(err, "persisting certificate revocation")
	}
	return nil
}

// authorizeRevocation checks the two authorization paths RFC 8555
// §7.6 permits: the envelope is either signed by the account that
// owns the certificate's order, or signed by an embedded jwk matching
// the certificate's own public key.
func (s *CertificateService) authorizeRevocation(ctx context.Context, env *Envelope, cert *Certificate, leaf *x509.Certificate) *Problem {
	if env.AccountName != "" {
		order, err := s.store.GetOrder(ctx, cert.OrderName)
		if err != nil {
			return Wrap(err, "loading owning order")
		}
		if order.AccountName == env.AccountName {
			return nil
		}
		return NewProblem(ErrUnauthorized, "account does not own this certificate")
	}

	if env.JWK == nil {
		return NewProblem(ErrUnauthorized, "revocation requires an account or a matching certificate key")
	}
	matches, err := publicKeysEqual(leaf.PublicKey, env.JWK.Key)
	if err != nil {
		return Wrap(err, "comparing certificate key")
	}
	if !matches {
		return NewProblem(ErrUnauthorized, "embedded key does not match certificate")
	}
	return nil
}

func validRevocationReason(reason int) bool {
	switch reason {
	case 0, 1, 3, 4, 5, 6, 8, 9, 10:
		return true
	default:
		return false
	}
}

// parseLeafCertificate parses the first certificate out of a PEM
// chain (the leaf, as CA handlers return it with the leaf first).
func parseLeafCertificate(chainPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(chainPEM)
	if block == nil {
		return nil, errors.New("no PEM block found in certificate chain")
	}
	return x509.ParseCertificate(block.Bytes)
}

// formatSerial renders a certificate serial number as lowercase hex,
// the canonical form used for Store's serial index.
func formatSerial(serial *big.Int) string {
	if serial == nil {
		return ""
	}
	return serial.Text(16)
}

// publicKeysEqual reports whether a and b are the same public key. It
// relies on the Equal method every stdlib public key type (rsa, ecdsa,
// ed25519) has implemented since Go 1.15.
func publicKeysEqual(a, b any) (bool, error) {
	type equaler interface {
		Equal(x crypto.PublicKey) bool
	}
	ea, ok := a.(equaler)
	if !ok {
		return false, errors.New("unsupported certificate public key type")
	}
	return ea.Equal(b), nil
}
