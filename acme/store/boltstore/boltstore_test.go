package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"

	"github.com/caddyserver/acmeserver/acme"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "acme.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCheckSchemaStampsAndAccepts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// First call stamps the version, second reads it back.
	if err := s.CheckSchema(ctx); err != nil {
		t.Fatalf("first CheckSchema: %v", err)
	}
	if err := s.CheckSchema(ctx); err != nil {
		t.Fatalf("second CheckSchema: %v", err)
	}
}

func TestCheckSchemaRejectsIncompatibleVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(schemaVersionKey, []byte("999"))
	}); err != nil {
		t.Fatalf("writing bogus schema version: %v", err)
	}

	if err := s.CheckSchema(ctx); err != acme.ErrIncompatibleSchema {
		t.Fatalf("CheckSchema = %v, want ErrIncompatibleSchema", err)
	}
}

func TestCheckAndConsumeNonceIsSingleUse(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.PutNonce(ctx, &acme.Nonce{Token: "abc"}); err != nil {
		t.Fatalf("PutNonce: %v", err)
	}

	_, found, err := s.CheckAndConsumeNonce(ctx, "abc")
	if err != nil {
		t.Fatalf("CheckAndConsumeNonce: %v", err)
	}
	if !found {
		t.Fatal("first CheckAndConsumeNonce: found = false, want true")
	}

	_, found, err = s.CheckAndConsumeNonce(ctx, "abc")
	if err != nil {
		t.Fatalf("CheckAndConsumeNonce: %v", err)
	}
	if found {
		t.Fatal("second CheckAndConsumeNonce on the same token: found = true, want false")
	}
}

func TestAccountRoundTripAndThumbprintIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	account := &acme.Account{Name: "acct-1", Thumbprint: "tp-1", Status: acme.AccountValid}
	if err := s.PutAccount(ctx, account); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}

	got, err := s.GetAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Thumbprint != "tp-1" {
		t.Errorf("Thumbprint = %q, want %q", got.Thumbprint, "tp-1")
	}

	byTP, err := s.GetAccountByThumbprint(ctx, "tp-1")
	if err != nil {
		t.Fatalf("GetAccountByThumbprint: %v", err)
	}
	if byTP.Name != "acct-1" {
		t.Errorf("Name = %q, want %q", byTP.Name, "acct-1")
	}

	// Deactivating removes it from the thumbprint index.
	account.Status = acme.AccountDeactivated
	if err := s.PutAccount(ctx, account); err != nil {
		t.Fatalf("PutAccount (deactivate): %v", err)
	}
	if _, err := s.GetAccountByThumbprint(ctx, "tp-1"); err != acme.ErrNotFound {
		t.Errorf("GetAccountByThumbprint after deactivation = %v, want ErrNotFound", err)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetAccount(context.Background(), "nope"); err != acme.ErrNotFound {
		t.Errorf("GetAccount for an unknown name = %v, want ErrNotFound", err)
	}
}

func TestListOrdersByAccountNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, name := range []string{"order-1", "order-2", "order-3"} {
		if err := s.PutOrder(ctx, &acme.Order{Name: name, AccountName: "acct-1"}); err != nil {
			t.Fatalf("PutOrder: %v", err)
		}
	}

	names, err := s.ListOrdersByAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("ListOrdersByAccount: %v", err)
	}
	want := []string{"order-3", "order-2", "order-1"}
	if len(names) != len(want) {
		t.Fatalf("len(names) = %d, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	// Re-putting an existing order (a status refresh) must not add a
	// duplicate index entry.
	if err := s.PutOrder(ctx, &acme.Order{Name: "order-2", AccountName: "acct-1", Status: acme.OrderReady}); err != nil {
		t.Fatalf("PutOrder (update): %v", err)
	}
	names, err = s.ListOrdersByAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("ListOrdersByAccount: %v", err)
	}
	if len(names) != len(want) {
		t.Errorf("len(names) after update = %d, want %d", len(names), len(want))
	}
}

func TestCertificateBySerialIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cert := &acme.Certificate{Name: "cert-1", SerialNumber: "ab12"}
	if err := s.PutCertificate(ctx, cert); err != nil {
		t.Fatalf("PutCertificate: %v", err)
	}

	got, err := s.GetCertificateBySerial(ctx, "ab12")
	if err != nil {
		t.Fatalf("GetCertificateBySerial: %v", err)
	}
	if got.Name != "cert-1" {
		t.Errorf("Name = %q, want %q", got.Name, "cert-1")
	}

	if _, err := s.GetCertificateBySerial(ctx, "unknown"); err != acme.ErrNotFound {
		t.Errorf("GetCertificateBySerial for an unknown serial = %v, want ErrNotFound", err)
	}
}

func TestDataSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "acme.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.CheckSchema(ctx); err != nil {
		t.Fatalf("CheckSchema: %v", err)
	}
	if err := s.PutAccount(ctx, &acme.Account{Name: "acct-1", Thumbprint: "tp-1", Status: acme.AccountValid}); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer reopened.Close()

	if err := reopened.CheckSchema(ctx); err != nil {
		t.Fatalf("CheckSchema after reopen: %v", err)
	}
	got, err := reopened.GetAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetAccount after reopen: %v", err)
	}
	if got.Thumbprint != "tp-1" {
		t.Errorf("Thumbprint = %q, want %q", got.Thumbprint, "tp-1")
	}
}
