package acme

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"

	"github.com/go-jose/go-jose/v4"
)

// DefaultAllowedAlgorithms is the signature algorithm allow-list used
// when a Verifier isn't configured with one explicitly.
var DefaultAllowedAlgorithms = []string{"RS256", "ES256", "ES384"}

// protectedHeader is the subset of the JWS protected header this
// engine understands, decoded straight from the request's own
// "protected" segment rather than through go-jose's generic Header
// type, so field resolution matches RFC 8555 §6.2 exactly.
type protectedHeader struct {
	Algorithm string           `json:"alg"`
	Nonce     string           `json:"nonce"`
	URL       string           `json:"url"`
	JWK       *jose.JSONWebKey `json:"jwk,omitempty"`
	KeyID     string           `json:"kid,omitempty"`
}

// Envelope is the verified output of the message envelope: the
// decoded protected header, the decoded payload, and the account that
// signed it, if any.
type Envelope struct {
	Algorithm   string
	URL         string
	JWK         *jose.JSONWebKey // set when the request carried an embedded key
	Thumbprint  string           // RFC 7638 thumbprint of the resolved key
	AccountName string           // "" when verified against an embedded jwk with no account yet
	Payload     []byte           // decoded JSON payload; nil for POST-as-GET
}

// VerifyOptions customizes envelope verification for endpoints with
// non-default requirements.
type VerifyOptions struct {
	// AllowEmbeddedJWK permits a "jwk" protected header instead of
	// "kid". Per RFC 8555 §6.2 this is only true for newAccount,
	// revokeCert (with an embedded key), and the inner JWS of a
	// key-rollover request.
	AllowEmbeddedJWK bool
}

// Verifier implements the Message Envelope: it parses a flattened JWS,
// verifies its signature, and enforces nonce and URL binding.
type Verifier struct {
	store   Store
	nonces  *NoncePool
	allowed map[string]bool
}

// NewVerifier returns a Verifier backed by store and nonces. A nil or
// empty allowedAlgs uses DefaultAllowedAlgorithms.
func NewVerifier(store Store, nonces *NoncePool, allowedAlgs []string) *Verifier {
	if len(allowedAlgs) == 0 {
		allowedAlgs = DefaultAllowedAlgorithms
	}
	allowed := make(map[string]bool, len(allowedAlgs))
	for _, a := range allowedAlgs {
		allowed[a] = true
	}
	return &Verifier{store: store, nonces: nonces, allowed: allowed}
}

// FlattenedJWS is the wire shape this engine accepts: the flattened
// JSON serialization of a JWS (RFC 7515 §7.2.2), exactly as an ACME
// client's request body is defined in RFC 8555 §6.2.
type FlattenedJWS struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// Verify runs the full verification pipeline against a request whose
// intended target is canonicalURL, failing on the first mismatch.
func (v *Verifier) Verify(ctx context.Context, canonicalURL string, req FlattenedJWS, opts VerifyOptions) (*Envelope, *Problem) {
	rawProtected, err := base64.RawURLEncoding.DecodeString(req.Protected)
	if err != nil {
		return nil, NewProblem(ErrMalformed, "invalid base64url in protected header")
	}
	var hdr protectedHeader
	if err := json.Unmarshal(rawProtected, &hdr); err != nil {
		return nil, NewProblem(ErrMalformed, "invalid JSON in protected header")
	}
	if hdr.Nonce == "" || hdr.URL == "" || hdr.Algorithm == "" {
		return nil, NewProblem(ErrMalformed, "protected header missing alg, nonce, or url")
	}
	if (hdr.JWK == nil) == (hdr.KeyID == "") {
		return nil, NewProblem(ErrMalformed, "protected header must carry exactly one of jwk or kid")
	}
	if hdr.JWK != nil && !opts.AllowEmbeddedJWK {
		return nil, NewProblem(ErrMalformed, "embedded jwk not permitted on this endpoint")
	}

	if !v.allowed[hdr.Algorithm] {
		return nil, NewProblem(ErrBadSignatureAlgo, "unsupported signature algorithm: "+hdr.Algorithm)
	}

	if hdr.URL != canonicalURL {
		return nil, NewProblem(ErrMalformed, "url in protected header does not match request target")
	}

	if p := v.nonces.CheckAndConsume(ctx, hdr.Nonce); p != nil {
		return nil, p
	}

	var (
		verifyKey   any
		thumbprint  string
		accountName string
	)
	switch {
	case hdr.JWK != nil:
		if !hdr.JWK.Valid() {
			return nil, NewProblem(ErrMalformed, "embedded jwk is invalid")
		}
		tp, err := hdr.JWK.Thumbprint(crypto.SHA256)
		if err != nil {
			return nil, Wrap(err, "computing jwk thumbprint")
		}
		verifyKey = hdr.JWK.Key
		thumbprint = base64.RawURLEncoding.EncodeToString(tp)

	case hdr.KeyID != "":
		name := accountNameFromKeyID(hdr.KeyID)
		account, err := v.store.GetAccount(ctx, name)
		if err == ErrNotFound {
			return nil, NewProblem(ErrAccountDoesNotExist, "no account for kid")
		} else if err != nil {
			return nil, Wrap(err, "looking up account")
		}
		if account.Status != AccountValid {
			return nil, NewProblem(ErrUnauthorized, "account is not valid")
		}
		verifyKey = account.Key.Key
		thumbprint = account.Thumbprint
		accountName = account.Name
	}

	compact := req.Protected + "." + req.Payload + "." + req.Signature
	jws, err := jose.ParseSigned(compact, supportedSignatureAlgorithms)
	if err != nil {
		return nil, NewProblem(ErrMalformed, "unparseable JWS")
	}
	payload, err := jws.Verify(verifyKey)
	if err != nil {
		return nil, NewProblem(ErrMalformed, "signature verification failed")
	}

	if len(payload) > 0 {
		var js json.RawMessage
		if err := json.Unmarshal(payload, &js); err != nil {
			return nil, NewProblem(ErrMalformed, "payload is not valid JSON")
		}
	}

	return &Envelope{
		Algorithm:   hdr.Algorithm,
		URL:         hdr.URL,
		JWK:         hdr.JWK,
		Thumbprint:  thumbprint,
		AccountName: accountName,
		Payload:     payload,
	}, nil
}

var supportedSignatureAlgorithms = []jose.SignatureAlgorithm{jose.RS256, jose.ES256, jose.ES384}

// Thumbprint computes the RFC 7638 thumbprint of key, base64url
// encoded, matching the value stored on Account.Thumbprint.
func Thumbprint(key *jose.JSONWebKey) (string, error) {
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}
