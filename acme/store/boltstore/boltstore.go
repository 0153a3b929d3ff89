// Package boltstore implements a bbolt-backed acme.Store: every entity
// is a JSON-encoded value in its own top-level bucket, with small
// secondary-index buckets for the three by-key lookups (account by JWK
// thumbprint, certificate by serial, orders by account).
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/caddyserver/acmeserver/acme"
)

var (
	bucketMeta                = []byte("meta")
	bucketNonces              = []byte("nonces")
	bucketAccounts            = []byte("accounts")
	bucketAccountByThumbprint = []byte("accounts_by_thumbprint")
	bucketOrders              = []byte("orders")
	bucketOrdersByAccount     = []byte("orders_by_account")
	bucketAuthorizations      = []byte("authorizations")
	bucketChallenges          = []byte("challenges")
	bucketCertificates        = []byte("certificates")
	bucketCertBySerial        = []byte("certificates_by_serial")

	allBuckets = [][]byte{
		bucketMeta, bucketNonces, bucketAccounts, bucketAccountByThumbprint,
		bucketOrders, bucketOrdersByAccount, bucketAuthorizations,
		bucketChallenges, bucketCertificates, bucketCertBySerial,
	}

	schemaVersionKey = []byte("schema_version")
)

// Store is a bbolt-backed acme.Store.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) a bbolt database at path and returns
// a Store over it. Callers must call Close when done.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// CheckSchema verifies (and on first use, stamps) the on-disk schema
// version, refusing to run against data written by an incompatible
// build.
func (s *Store) CheckSchema(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		raw := b.Get(schemaVersionKey)
		if raw == nil {
			buf, err := json.Marshal(acme.CurrentSchemaVersion)
			if err != nil {
				return err
			}
			return b.Put(schemaVersionKey, buf)
		}
		var version int
		if err := json.Unmarshal(raw, &version); err != nil {
			return err
		}
		if version != acme.CurrentSchemaVersion {
			return acme.ErrIncompatibleSchema
		}
		return nil
	})
}

func (s *Store) PutNonce(ctx context.Context, n *acme.Nonce) error {
	return s.put(bucketNonces, []byte(n.Token), n)
}

// CheckAndConsumeNonce performs the lookup and delete inside a single
// bbolt read-write transaction. bbolt serializes all writers, so of
// two racing callers with the same token exactly one observes
// found=true.
func (s *Store) CheckAndConsumeNonce(ctx context.Context, token string) (*acme.Nonce, bool, error) {
	var (
		n     acme.Nonce
		found bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNonces)
		raw := b.Get([]byte(token))
		if raw == nil {
			return nil
		}
		found = true
		if err := json.Unmarshal(raw, &n); err != nil {
			return err
		}
		return b.Delete([]byte(token))
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &n, true, nil
}

func (s *Store) PutAccount(ctx context.Context, a *acme.Account) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putTx(tx, bucketAccounts, []byte(a.Name), a); err != nil {
			return err
		}
		idx := tx.Bucket(bucketAccountByThumbprint)
		if a.Status == acme.AccountDeactivated || a.Status == acme.AccountRevoked {
			return idx.Delete([]byte(a.Thumbprint))
		}
		return idx.Put([]byte(a.Thumbprint), []byte(a.Name))
	})
}

func (s *Store) GetAccount(ctx context.Context, name string) (*acme.Account, error) {
	var a acme.Account
	if err := s.get(bucketAccounts, []byte(name), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) GetAccountByThumbprint(ctx context.Context, thumbprint string) (*acme.Account, error) {
	name, err := s.lookupIndex(bucketAccountByThumbprint, []byte(thumbprint))
	if err != nil {
		return nil, err
	}
	return s.GetAccount(ctx, name)
}

func (s *Store) PutOrder(ctx context.Context, o *acme.Order) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		existing := tx.Bucket(bucketOrders).Get([]byte(o.Name))
		if err := putTx(tx, bucketOrders, []byte(o.Name), o); err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		idx := tx.Bucket(bucketOrdersByAccount)
		var names []string
		if raw := idx.Get([]byte(o.AccountName)); raw != nil {
			if err := json.Unmarshal(raw, &names); err != nil {
				return err
			}
		}
		names = append([]string{o.Name}, names...)
		buf, err := json.Marshal(names)
		if err != nil {
			return err
		}
		return idx.Put([]byte(o.AccountName), buf)
	})
}

func (s *Store) GetOrder(ctx context.Context, name string) (*acme.Order, error) {
	var o acme.Order
	if err := s.get(bucketOrders, []byte(name), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) ListOrdersByAccount(ctx context.Context, accountName string) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketOrdersByAccount).Get([]byte(accountName))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &names)
	})
	return names, err
}

func (s *Store) PutAuthorization(ctx context.Context, a *acme.Authorization) error {
	return s.put(bucketAuthorizations, []byte(a.Name), a)
}

func (s *Store) GetAuthorization(ctx context.Context, name string) (*acme.Authorization, error) {
	var a acme.Authorization
	if err := s.get(bucketAuthorizations, []byte(name), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) PutChallenge(ctx context.Context, c *acme.Challenge) error {
	return s.put(bucketChallenges, []byte(c.Name), c)
}

func (s *Store) GetChallenge(ctx context.Context, name string) (*acme.Challenge, error) {
	var c acme.Challenge
	if err := s.get(bucketChallenges, []byte(name), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) PutCertificate(ctx context.Context, c *acme.Certificate) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putTx(tx, bucketCertificates, []byte(c.Name), c); err != nil {
			return err
		}
		if c.SerialNumber == "" {
			return nil
		}
		return tx.Bucket(bucketCertBySerial).Put([]byte(c.SerialNumber), []byte(c.Name))
	})
}

func (s *Store) GetCertificate(ctx context.Context, name string) (*acme.Certificate, error) {
	var c acme.Certificate
	if err := s.get(bucketCertificates, []byte(name), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetCertificateBySerial(ctx context.Context, serialHex string) (*acme.Certificate, error) {
	name, err := s.lookupIndex(bucketCertBySerial, []byte(serialHex))
	if err != nil {
		return nil, err
	}
	return s.GetCertificate(ctx, name)
}

func (s *Store) put(bucket, key []byte, v any) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putTx(tx, bucket, key, v)
	})
}

func putTx(tx *bbolt.Tx, bucket, key []byte, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(key, buf)
}

func (s *Store) get(bucket, key []byte, v any) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucket).Get(key)
		if raw == nil {
			return acme.ErrNotFound
		}
		return json.Unmarshal(raw, v)
	})
}

func (s *Store) lookupIndex(bucket, key []byte) (string, error) {
	var name string
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucket).Get(key)
		if raw == nil {
			return acme.ErrNotFound
		}
		name = string(raw)
		return nil
	})
	return name, err
}

var _ acme.Store = (*Store)(nil)
