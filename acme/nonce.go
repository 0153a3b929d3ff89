package acme

import (
	"context"
	"time"
)

// DefaultNonceTTL is the lifetime of a nonce before it is treated as
// expired.
const DefaultNonceTTL = 300 * time.Second

// NoncePool issues single-use anti-replay tokens and validates and
// consumes them (RFC 8555 §6.5). It is a thin wrapper around the
// Store's atomic compare-and-delete: the pool owns only the TTL
// policy, the Store owns the linearization point.
type NoncePool struct {
	store Store
	ttl   time.Duration
}

// NewNoncePool returns a NoncePool backed by store. A ttl <= 0 uses
// DefaultNonceTTL.
func NewNoncePool(store Store, ttl time.Duration) *NoncePool {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &NoncePool{store: store, ttl: ttl}
}

// Generate returns a new nonce, persisting it so it can later be
// consumed exactly once.
func (p *NoncePool) Generate(ctx context.Context) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", Wrap(err, "generating nonce")
	}
	if err := p.store.PutNonce(ctx, &Nonce{Token: token, CreatedAt: time.Now()}); err != nil {
		return "", Wrap(err, "persisting nonce")
	}
	return token, nil
}

// CheckAndConsume validates token and deletes it atomically so a
// second call with the same token fails. An expired nonce is treated
// as if it were never issued.
func (p *NoncePool) CheckAndConsume(ctx context.Context, token string) *Problem {
	if token == "" {
		return NewProblem(ErrBadNonce, "missing nonce")
	}
	n, found, err := p.store.CheckAndConsumeNonce(ctx, token)
	if err != nil {
		return Wrap(err, "checking nonce")
	}
	if !found {
		return NewProblem(ErrBadNonce, "nonce not found or already used")
	}
	if time.Since(n.CreatedAt) > p.ttl {
		return NewProblem(ErrBadNonce, "nonce expired")
	}
	return nil
}
