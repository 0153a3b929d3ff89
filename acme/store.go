package acme

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store getters when no record exists for
// the given name.
var ErrNotFound = errors.New("acme: record not found")

// ErrIncompatibleSchema is returned by Store.CheckSchema when the
// persisted data was written by a schema version this build doesn't
// understand.
var ErrIncompatibleSchema = errors.New("acme: incompatible store schema version")

// CurrentSchemaVersion is the schema version this build of the engine
// writes and expects to read.
const CurrentSchemaVersion = 1

// Store is the persistence contract the core depends on.
// acme/store/memstore and acme/store/boltstore are the two concrete
// adapters this repo ships, but any Store implementation can be wired
// into Engine.
//
// All methods must be safe for concurrent use. CheckAndConsumeNonce
// must be atomic: of two callers racing on the same token, exactly
// one may observe success.
type Store interface {
	// CheckSchema verifies the store's on-disk schema version is
	// compatible with this build, initializing it on first use.
	CheckSchema(ctx context.Context) error

	PutNonce(ctx context.Context, n *Nonce) error
	// CheckAndConsumeNonce atomically looks up and deletes the nonce
	// for token. found is false if the token was never issued, was
	// already consumed, or doesn't exist.
	CheckAndConsumeNonce(ctx context.Context, token string) (n *Nonce, found bool, err error)

	PutAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, name string) (*Account, error)
	// GetAccountByThumbprint looks up an account by its JWK thumbprint,
	// returning ErrNotFound if none matches. Used both for account
	// resolution during newAccount and to keep at most one
	// non-deactivated account per key.
	GetAccountByThumbprint(ctx context.Context, thumbprint string) (*Account, error)

	PutOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, name string) (*Order, error)
	// ListOrdersByAccount returns the names of orders owned by account,
	// newest first. No engine service or HTTP route calls it.
	ListOrdersByAccount(ctx context.Context, accountName string) ([]string, error)

	PutAuthorization(ctx context.Context, a *Authorization) error
	GetAuthorization(ctx context.Context, name string) (*Authorization, error)

	PutChallenge(ctx context.Context, c *Challenge) error
	GetChallenge(ctx context.Context, name string) (*Challenge, error)

	PutCertificate(ctx context.Context, c *Certificate) error
	GetCertificate(ctx context.Context, name string) (*Certificate, error)
	// GetCertificateBySerial looks up a certificate by its leaf's hex
	// serial number, letting a revoke request identify its target
	// without knowing the server-assigned certificate name.
	GetCertificateBySerial(ctx context.Context, serialHex string) (*Certificate, error)
}
