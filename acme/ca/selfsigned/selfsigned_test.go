package selfsigned_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"testing"
	"time"

	"github.com/caddyserver/acmeserver/acme/ca/selfsigned"
)

func generateCSR(t *testing.T, dnsName string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: dnsName},
		DNSNames: []string{dnsName},
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		t.Fatalf("CreateCertificateRequest: %v", err)
	}
	return der
}

func TestEnrollIssuesAVerifiableChain(t *testing.T) {
	ca, err := selfsigned.New("Test Root")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chainPEM, err := ca.Enroll(context.Background(), generateCSR(t, "example.com"))
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	leafBlock, rest := pem.Decode(chainPEM)
	if leafBlock == nil {
		t.Fatal("no leaf PEM block found")
	}
	rootBlock, _ := pem.Decode(rest)
	if rootBlock == nil {
		t.Fatal("no root PEM block found")
	}

	leaf, err := x509.ParseCertificate(leafBlock.Bytes)
	if err != nil {
		t.Fatalf("parsing leaf: %v", err)
	}
	root, err := x509.ParseCertificate(rootBlock.Bytes)
	if err != nil {
		t.Fatalf("parsing root: %v", err)
	}

	if leaf.DNSNames[0] != "example.com" {
		t.Errorf("DNSNames[0] = %q, want %q", leaf.DNSNames[0], "example.com")
	}

	pool := x509.NewCertPool()
	pool.AddCert(root)
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}}); err != nil {
		t.Errorf("leaf does not verify against the issued root: %v", err)
	}
}

func TestSetLeafTTLChangesSubsequentIssuance(t *testing.T) {
	ca, err := selfsigned.New("Test Root")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ca.SetLeafTTL(24 * time.Hour)

	chainPEM, err := ca.Enroll(context.Background(), generateCSR(t, "example.com"))
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	leafBlock, _ := pem.Decode(chainPEM)
	leaf, err := x509.ParseCertificate(leafBlock.Bytes)
	if err != nil {
		t.Fatalf("parsing leaf: %v", err)
	}

	lifetime := leaf.NotAfter.Sub(leaf.NotBefore)
	if lifetime > 25*time.Hour || lifetime < 23*time.Hour {
		t.Errorf("leaf lifetime = %v, want roughly 24h", lifetime)
	}
}

func TestRevokeTracksSerial(t *testing.T) {
	ca, err := selfsigned.New("Test Root")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	chainPEM, err := ca.Enroll(context.Background(), generateCSR(t, "example.com"))
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	leafBlock, _ := pem.Decode(chainPEM)

	if err := ca.Revoke(context.Background(), leafBlock.Bytes, 1); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
}
