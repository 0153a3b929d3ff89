package validator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/asn1"
	"net"
	"time"

	"github.com/caddyserver/acmeserver/acme"
)

// ACMETLS1Protocol is the ALPN protocol name tls-alpn-01 negotiates
// (RFC 8737).
const ACMETLS1Protocol = "acme-tls/1"

// idPeACMEIdentifier is the id-pe-acmeIdentifier X.509 extension OID
// (RFC 8737 §3) carrying the SHA-256 of the key authorization.
var idPeACMEIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}

// DefaultTLSALPNTimeout is the wall-clock budget for one tls-alpn-01
// attempt.
const DefaultTLSALPNTimeout = 30 * time.Second

// TLSALPN01 validates the tls-alpn-01 challenge type: a TLS handshake
// on port 443 with ALPN acme-tls/1, checking the presented
// certificate's acmeIdentifier extension.
type TLSALPN01 struct {
	Timeout time.Duration
}

// NewTLSALPN01 returns a TLSALPN01 validator. timeout <= 0 uses
// DefaultTLSALPNTimeout.
func NewTLSALPN01(timeout time.Duration) *TLSALPN01 {
	if timeout <= 0 {
		timeout = DefaultTLSALPNTimeout
	}
	return &TLSALPN01{Timeout: timeout}
}

// Validate implements acme.Validator.
func (v *TLSALPN01) Validate(ctx context.Context, identifier acme.Identifier, token, keyAuthorization string) *acme.Problem {
	addr := net.JoinHostPort(identifier.Value, "443")

	dialer := &net.Dialer{Timeout: v.Timeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return acme.NewProblemf(acme.ErrConnection, "tls-alpn-01 dial to %s failed: %v", addr, err)
	}
	defer rawConn.Close()

	conn := tls.Client(rawConn, &tls.Config{
		ServerName: identifier.Value,
		NextProtos: []string{ACMETLS1Protocol},
		// The certificate's chain isn't trusted against any root; what
		// proves control is the acmeIdentifier extension checked below.
		InsecureSkipVerify: true,
	})
	defer conn.Close()

	if err := conn.HandshakeContext(ctx); err != nil {
		return acme.NewProblemf(acme.ErrTLS, "tls-alpn-01 handshake with %s failed: %v", addr, err)
	}

	state := conn.ConnectionState()
	if state.NegotiatedProtocol != ACMETLS1Protocol {
		return acme.NewProblem(acme.ErrTLS, "server did not negotiate acme-tls/1")
	}
	if len(state.PeerCertificates) == 0 {
		return acme.NewProblem(acme.ErrTLS, "server presented no certificate")
	}

	want := sha256.Sum256([]byte(keyAuthorization))
	cert := state.PeerCertificates[0]
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(idPeACMEIdentifier) {
			continue
		}
		var got []byte
		if _, err := asn1.Unmarshal(ext.Value, &got); err != nil {
			return acme.NewProblemf(acme.ErrTLS, "malformed acmeIdentifier extension: %v", err)
		}
		if bytes.Equal(got, want[:]) {
			return nil
		}
		return acme.NewProblem(acme.ErrIncorrectResponse, "acmeIdentifier extension does not match key authorization")
	}
	return acme.NewProblem(acme.ErrIncorrectResponse, "certificate missing acmeIdentifier extension")
}
