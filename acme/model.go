// Package acme implements the core ACME (RFC 8555) protocol engine: the
// message envelope verifier, the account/order/authorization/challenge
// state machines, and the finalization pipeline that turns an approved
// order into a certificate. Transport, persistence, and the certificate
// authority itself are abstracted behind the Store and CAHandler
// interfaces so this package never imports net/http or a specific
// database driver.
package acme

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

// unmarshalStrict decodes data into v, rejecting unrecognized
// top-level keys. It's used for the small, closed-vocabulary mutation
// payloads (status updates) where an unexpected key is more likely a
// client mistake than a future RFC extension; the larger multi-field
// payloads stay lenient via plain json.Unmarshal.
func unmarshalStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// newName returns a fresh, URL-safe, unpredictable identifier with at
// least 96 bits of entropy, suitable for naming any persisted entity.
func newName() string {
	id := uuid.New()
	b, _ := id.MarshalBinary()
	return base64.RawURLEncoding.EncodeToString(b)
}

// newToken returns a fresh random token with at least 128 bits of
// entropy, used for nonces and challenge tokens.
func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Nonce is a single-use anti-replay token issued by the Nonce Pool.
type Nonce struct {
	Token     string
	CreatedAt time.Time
}

// AccountStatus is the lifecycle state of an Account.
type AccountStatus string

const (
	AccountValid       AccountStatus = "valid"
	AccountDeactivated AccountStatus = "deactivated"
	AccountRevoked     AccountStatus = "revoked"
)

// Account is a registered ACME client, identified by its account key.
type Account struct {
	Name                 string
	Key                  jose.JSONWebKey
	Thumbprint           string // RFC 7638 thumbprint of Key, base64url, used as the lookup key
	Contact              []string
	TermsOfServiceAgreed bool
	Status               AccountStatus
	CreatedAt            time.Time
}

// IdentifierType names the kind of subject an Identifier targets.
// Only "dns" is supported.
type IdentifierType string

const IdentifierDNS IdentifierType = "dns"

// Identifier is a target of certification.
type Identifier struct {
	Type  IdentifierType `json:"type"`
	Value string         `json:"value"`
}

// OrderStatus is the lifecycle state of an Order. It is derived from
// the statuses of the order's authorizations (see DeriveOrderStatus)
// but cached on the record so reads don't always have to walk the
// authorization set.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderReady      OrderStatus = "ready"
	OrderProcessing OrderStatus = "processing"
	OrderValid      OrderStatus = "valid"
	OrderInvalid    OrderStatus = "invalid"
)

// Order is a client's request to issue a certificate for a set of
// identifiers.
type Order struct {
	Name               string
	AccountName        string
	Identifiers        []Identifier
	NotBefore          time.Time
	NotAfter           time.Time
	Status             OrderStatus
	Expires            time.Time
	AuthorizationNames []string
	CSR                []byte // DER, set once finalize is requested
	CertificateName    string
	Error              *Problem
}

// AuthorizationStatus is the lifecycle state of an Authorization.
type AuthorizationStatus string

const (
	AuthorizationPending     AuthorizationStatus = "pending"
	AuthorizationValid       AuthorizationStatus = "valid"
	AuthorizationInvalid     AuthorizationStatus = "invalid"
	AuthorizationDeactivated AuthorizationStatus = "deactivated"
	AuthorizationExpired     AuthorizationStatus = "expired"
	AuthorizationRevoked     AuthorizationStatus = "revoked"
)

// Authorization is a proof-of-control session for one identifier,
// containing one or more challenges.
type Authorization struct {
	Name           string
	OrderName      string
	Identifier     Identifier
	Wildcard       bool
	Status         AuthorizationStatus
	Expires        time.Time
	ChallengeNames []string
}

// ChallengeType names a specific validation method.
type ChallengeType string

const (
	ChallengeHTTP01    ChallengeType = "http-01"
	ChallengeDNS01     ChallengeType = "dns-01"
	ChallengeTLSALPN01 ChallengeType = "tls-alpn-01"
)

// ChallengeStatus is the lifecycle state of a Challenge.
type ChallengeStatus string

const (
	ChallengePending    ChallengeStatus = "pending"
	ChallengeProcessing ChallengeStatus = "processing"
	ChallengeValid      ChallengeStatus = "valid"
	ChallengeInvalid    ChallengeStatus = "invalid"
)

// Challenge is one instance of a validation method for an
// Authorization's identifier.
type Challenge struct {
	Name              string
	AuthorizationName string
	Type              ChallengeType
	Token             string
	Status            ChallengeStatus
	Validated         time.Time
	Error             *Problem
}

// Certificate is an issued certificate chain.
type Certificate struct {
	Name             string
	OrderName        string
	Chain            []byte // PEM, full chain as returned by the CA handler
	SerialNumber     string // hex serial of the leaf certificate, indexed for revocation lookup
	IssuedAt         time.Time
	Revoked          bool
	RevocationReason int
	RevokedAt        time.Time
}
