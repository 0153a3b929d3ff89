package memstore_test

import (
	"context"
	"testing"

	"github.com/caddyserver/acmeserver/acme"
	"github.com/caddyserver/acmeserver/acme/store/memstore"
)

func TestCheckAndConsumeNonceIsSingleUse(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

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
	s := memstore.New()

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
	s := memstore.New()
	if _, err := s.GetAccount(context.Background(), "nope"); err != acme.ErrNotFound {
		t.Errorf("GetAccount for an unknown name = %v, want ErrNotFound", err)
	}
}

func TestListOrdersByAccountNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

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
}

func TestCertificateBySerialIndex(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

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
