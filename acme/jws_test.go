package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/go-jose/go-jose/v4"

	"github.com/caddyserver/acmeserver/acme/store/memstore"
)

// signFlattened builds a flattened JWS over payload using key, signed
// with ES256, embedding jwk in the protected header when jwk is
// non-nil and otherwise carrying kid. This bypasses go-jose's own
// Signer so the test controls the exact header shape being verified.
func signFlattened(t *testing.T, key *ecdsa.PrivateKey, hdr protectedHeader, payload []byte) FlattenedJWS {
	t.Helper()

	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	protected := base64.RawURLEncoding.EncodeToString(hdrJSON)
	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)

	signingInput := protected + "." + encodedPayload
	digest := sha256.Sum256([]byte(signingInput))

	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		t.Fatalf("ecdsa sign: %v", err)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])

	return FlattenedJWS{
		Protected: protected,
		Payload:   encodedPayload,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
	}
}

func generateKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func jwkOf(key *ecdsa.PrivateKey) *jose.JSONWebKey {
	return &jose.JSONWebKey{Key: &key.PublicKey, Algorithm: "ES256", Use: "sig"}
}

func TestVerifierAcceptsEmbeddedJWK(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	pool := NewNoncePool(store, 0)
	v := NewVerifier(store, pool, nil)

	key := generateKey(t)
	nonce, err := pool.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	const url = "https://example.test/acme/new-account"

	req := signFlattened(t, key, protectedHeader{
		Algorithm: "ES256",
		Nonce:     nonce,
		URL:       url,
		JWK:       jwkOf(key),
	}, []byte(`{"termsOfServiceAgreed":true}`))

	env, problem := v.Verify(ctx, url, req, VerifyOptions{AllowEmbeddedJWK: true})
	if problem != nil {
		t.Fatalf("Verify: %v", problem)
	}
	if env.Thumbprint == "" {
		t.Error("expected a non-empty thumbprint for an embedded jwk")
	}
	if env.AccountName != "" {
		t.Errorf("AccountName = %q, want empty for an embedded jwk with no account", env.AccountName)
	}
}

func TestVerifierRejectsEmbeddedJWKWhenNotAllowed(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	pool := NewNoncePool(store, 0)
	v := NewVerifier(store, pool, nil)

	key := generateKey(t)
	nonce, _ := pool.Generate(ctx)
	const url = "https://example.test/acme/order/abc"

	req := signFlattened(t, key, protectedHeader{
		Algorithm: "ES256",
		Nonce:     nonce,
		URL:       url,
		JWK:       jwkOf(key),
	}, nil)

	_, problem := v.Verify(ctx, url, req, VerifyOptions{})
	if problem == nil {
		t.Fatal("expected an embedded jwk to be rejected on this endpoint")
	}
	if problem.Type != ErrMalformed {
		t.Errorf("Type = %q, want %q", problem.Type, ErrMalformed)
	}
}

func TestVerifierRejectsMismatchedURL(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	pool := NewNoncePool(store, 0)
	v := NewVerifier(store, pool, nil)

	key := generateKey(t)
	nonce, _ := pool.Generate(ctx)

	req := signFlattened(t, key, protectedHeader{
		Algorithm: "ES256",
		Nonce:     nonce,
		URL:       "https://example.test/acme/new-account",
		JWK:       jwkOf(key),
	}, nil)

	_, problem := v.Verify(ctx, "https://example.test/acme/new-order", req, VerifyOptions{AllowEmbeddedJWK: true})
	if problem == nil {
		t.Fatal("expected a url mismatch to be rejected")
	}
}

func TestVerifierRejectsReusedNonce(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	pool := NewNoncePool(store, 0)
	v := NewVerifier(store, pool, nil)

	key := generateKey(t)
	nonce, _ := pool.Generate(ctx)
	const url = "https://example.test/acme/new-account"

	hdr := protectedHeader{Algorithm: "ES256", Nonce: nonce, URL: url, JWK: jwkOf(key)}
	req1 := signFlattened(t, key, hdr, nil)
	req2 := signFlattened(t, key, hdr, nil)

	if _, problem := v.Verify(ctx, url, req1, VerifyOptions{AllowEmbeddedJWK: true}); problem != nil {
		t.Fatalf("first Verify: %v", problem)
	}
	_, problem := v.Verify(ctx, url, req2, VerifyOptions{AllowEmbeddedJWK: true})
	if problem == nil || problem.Type != ErrBadNonce {
		t.Fatalf("second Verify with a reused nonce = %v, want badNonce", problem)
	}
}

func TestVerifierRejectsTamperedSignature(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	pool := NewNoncePool(store, 0)
	v := NewVerifier(store, pool, nil)

	key := generateKey(t)
	nonce, _ := pool.Generate(ctx)
	const url = "https://example.test/acme/new-account"

	req := signFlattened(t, key, protectedHeader{
		Algorithm: "ES256", Nonce: nonce, URL: url, JWK: jwkOf(key),
	}, []byte(`{"termsOfServiceAgreed":true}`))
	req.Payload = base64.RawURLEncoding.EncodeToString([]byte(`{"termsOfServiceAgreed":false}`))

	_, problem := v.Verify(ctx, url, req, VerifyOptions{AllowEmbeddedJWK: true})
	if problem == nil {
		t.Fatal("expected a tampered payload to fail signature verification")
	}
}

func TestVerifierRejectsUnsupportedAlgorithm(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	pool := NewNoncePool(store, 0)
	v := NewVerifier(store, pool, []string{"ES256"})

	key := generateKey(t)
	nonce, _ := pool.Generate(ctx)
	const url = "https://example.test/acme/new-account"

	req := signFlattened(t, key, protectedHeader{
		Algorithm: "none", Nonce: nonce, URL: url, JWK: jwkOf(key),
	}, nil)

	_, problem := v.Verify(ctx, url, req, VerifyOptions{AllowEmbeddedJWK: true})
	if problem == nil || problem.Type != ErrBadSignatureAlgo {
		t.Fatalf("Verify with alg=none = %v, want badSignatureAlgorithm", problem)
	}
}

func TestThumbprintIsStableForTheSameKey(t *testing.T) {
	key := generateKey(t)
	a, err := Thumbprint(jwkOf(key))
	if err != nil {
		t.Fatalf("Thumbprint: %v", err)
	}
	b, err := Thumbprint(jwkOf(key))
	if err != nil {
		t.Fatalf("Thumbprint: %v", err)
	}
	if a != b {
		t.Errorf("Thumbprint is not stable across calls: %q != %q", a, b)
	}

	other, err := Thumbprint(jwkOf(generateKey(t)))
	if err != nil {
		t.Fatalf("Thumbprint: %v", err)
	}
	if a == other {
		t.Error("two distinct keys produced the same thumbprint")
	}
}
