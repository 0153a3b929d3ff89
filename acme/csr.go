package acme

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"strings"
)

// parsedCSR bundles a decoded CSR's raw DER alongside the parsed form,
// so Finalize can compare SANs and keep the DER for the CA without
// decoding twice.
type parsedCSR struct {
	der []byte
	x   *x509.CertificateRequest
}

// decodeCSR base64url-decodes and parses a DER certificate request,
// verifying its self-signature.
func decodeCSR(b64 string) (*parsedCSR, error) {
	if b64 == "" {
		return nil, errors.New("empty csr")
	}
	der, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, err
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, err
	}
	return &parsedCSR{der: der, x: csr}, nil
}

// csrDNSNames returns the DNS SubjectAltNames carried by csr, folding
// in the CommonName if it looks like a DNS name and isn't already
// present (as most ACME clients omit the CN from SAN but still expect
// it honored, mirroring common CA behavior).
func csrDNSNames(csr *parsedCSR) []string {
	names := append([]string{}, csr.x.DNSNames...)
	if csr.x.Subject.CommonName != "" && !containsFold(names, csr.x.Subject.CommonName) {
		names = append(names, csr.x.Subject.CommonName)
	}
	return names
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
