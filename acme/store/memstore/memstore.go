// Package memstore implements an in-memory acme.Store, used by tests
// and by cmd/acmeserver's --store=memory development mode. It holds no
// data across restarts.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/caddyserver/acmeserver/acme"
)

// Store is an in-memory acme.Store. The zero value is not usable; use
// New.
type Store struct {
	mu sync.Mutex

	nonces map[string]*acme.Nonce

	accounts            map[string]*acme.Account
	accountByThumbprint map[string]string

	orders         map[string]*acme.Order
	ordersByAcct   map[string][]string
	authorizations map[string]*acme.Authorization
	challenges     map[string]*acme.Challenge

	certificates       map[string]*acme.Certificate
	certificateBySerial map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		nonces:              make(map[string]*acme.Nonce),
		accounts:            make(map[string]*acme.Account),
		accountByThumbprint: make(map[string]string),
		orders:              make(map[string]*acme.Order),
		ordersByAcct:        make(map[string][]string),
		authorizations:      make(map[string]*acme.Authorization),
		challenges:          make(map[string]*acme.Challenge),
		certificates:        make(map[string]*acme.Certificate),
		certificateBySerial: make(map[string]string),
	}
}

// CheckSchema is a no-op: memstore has no on-disk schema to version.
func (s *Store) CheckSchema(ctx context.Context) error { return nil }

func (s *Store) PutNonce(ctx context.Context, n *acme.Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.nonces[n.Token] = &cp
	return nil
}

// CheckAndConsumeNonce is the package's one linearization point: the
// lookup-and-delete happens while mu is held, so of two racing
// callers with the same token, exactly one observes found=true.
func (s *Store) CheckAndConsumeNonce(ctx context.Context, token string) (*acme.Nonce, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nonces[token]
	if !ok {
		return nil, false, nil
	}
	delete(s.nonces, token)
	return n, true, nil
}

func (s *Store) PutAccount(ctx context.Context, a *acme.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.accounts[a.Name] = &cp
	if a.Status != acme.AccountDeactivated && a.Status != acme.AccountRevoked {
		s.accountByThumbprint[a.Thumbprint] = a.Name
	} else {
		delete(s.accountByThumbprint, a.Thumbprint)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, name string) (*acme.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[name]
	if !ok {
		return nil, acme.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) GetAccountByThumbprint(ctx context.Context, thumbprint string) (*acme.Account, error) {
	s.mu.Lock()
	name, ok := s.accountByThumbprint[thumbprint]
	s.mu.Unlock()
	if !ok {
		return nil, acme.ErrNotFound
	}
	return s.GetAccount(ctx, name)
}

func (s *Store) PutOrder(ctx context.Context, o *acme.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.orders[o.Name]
	cp := *o
	s.orders[o.Name] = &cp
	if !existed {
		s.ordersByAcct[o.AccountName] = append([]string{o.Name}, s.ordersByAcct[o.AccountName]...)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, name string) (*acme.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[name]
	if !ok {
		return nil, acme.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Store) ListOrdersByAccount(ctx context.Context, accountName string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := s.ordersByAcct[accountName]
	out := make([]string, len(names))
	copy(out, names)
	return out, nil
}

func (s *Store) PutAuthorization(ctx context.Context, a *acme.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.authorizations[a.Name] = &cp
	return nil
}

func (s *Store) GetAuthorization(ctx context.Context, name string) (*acme.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authorizations[name]
	if !ok {
		return nil, acme.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) PutChallenge(ctx context.Context, c *acme.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.challenges[c.Name] = &cp
	return nil
}

func (s *Store) GetChallenge(ctx context.Context, name string) (*acme.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[name]
	if !ok {
		return nil, acme.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) PutCertificate(ctx context.Context, c *acme.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.certificates[c.Name] = &cp
	if c.SerialNumber != "" {
		s.certificateBySerial[c.SerialNumber] = c.Name
	}
	return nil
}

func (s *Store) GetCertificate(ctx context.Context, name string) (*acme.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certificates[name]
	if !ok {
		return nil, acme.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetCertificateBySerial(ctx context.Context, serialHex string) (*acme.Certificate, error) {
	s.mu.Lock()
	name, ok := s.certificateBySerial[serialHex]
	s.mu.Unlock()
	if !ok {
		return nil, acme.ErrNotFound
	}
	return s.GetCertificate(ctx, name)
}

// SweepExpiredNonces deletes nonces older than ttl. It's a periodic
// housekeeping task, not called automatically by Store itself;
// expired nonces are rejected on consumption either way.
func (s *Store) SweepExpiredNonces(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, n := range s.nonces {
		if n.CreatedAt.Before(cutoff) {
			delete(s.nonces, tok)
		}
	}
}

var _ acme.Store = (*Store)(nil)
