package acme

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/caddyserver/acmeserver/acme/store/memstore"
)

func newTestEnvelope(t *testing.T, payload any) *Envelope {
	t.Helper()
	key := generateKey(t)
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
	}
	jwk := jwkOf(key)
	tp, err := Thumbprint(jwk)
	if err != nil {
		t.Fatalf("Thumbprint: %v", err)
	}
	return &Envelope{JWK: jwk, Thumbprint: tp, Payload: raw}
}

func TestAccountServiceNewCreatesAnAccount(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := NewAccountService(store, false, func(name string) string { return "/acme/account/" + name + "/orders" })

	env := newTestEnvelope(t, NewAccountPayload{
		Contact:              []string{"mailto:admin@example.com"},
		TermsOfServiceAgreed: true,
	})

	account, created, problem := svc.New(ctx, env)
	if problem != nil {
		t.Fatalf("New: %v", problem)
	}
	if !created {
		t.Error("created = false, want true for a brand new key")
	}
	if account.Status != AccountValid {
		t.Errorf("Status = %q, want %q", account.Status, AccountValid)
	}
	if account.Thumbprint != env.Thumbprint {
		t.Error("stored account thumbprint does not match the envelope's")
	}

	view := svc.View(account)
	if view.Status != AccountValid {
		t.Errorf("View Status = %q, want %q", view.Status, AccountValid)
	}
	if view.Orders == "" {
		t.Error("View Orders = empty, want a rendered orders URL")
	}
}

func TestAccountServiceNewIsIdempotentForTheSameKey(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := NewAccountService(store, false, nil)

	key := generateKey(t)
	jwk := jwkOf(key)
	tp, err := Thumbprint(jwk)
	if err != nil {
		t.Fatalf("Thumbprint: %v", err)
	}
	payload, _ := json.Marshal(NewAccountPayload{Contact: []string{"mailto:a@example.com"}})
	env := &Envelope{JWK: jwk, Thumbprint: tp, Payload: payload}

	first, created, problem := svc.New(ctx, env)
	if problem != nil {
		t.Fatalf("first New: %v", problem)
	}
	if !created {
		t.Fatal("first New: created = false, want true")
	}

	second, created, problem := svc.New(ctx, env)
	if problem != nil {
		t.Fatalf("second New: %v", problem)
	}
	if created {
		t.Error("second New: created = true, want false for a re-registration with the same key")
	}
	if second.Name != first.Name {
		t.Error("second New returned a different account than the first")
	}
}

func TestAccountServiceNewOnlyReturnExisting(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := NewAccountService(store, false, nil)

	env := newTestEnvelope(t, NewAccountPayload{OnlyReturnExisting: true})
	_, _, problem := svc.New(ctx, env)
	if problem == nil {
		t.Fatal("expected onlyReturnExisting to fail for an unregistered key")
	}
	if problem.Type != ErrAccountDoesNotExist {
		t.Errorf("Type = %q, want %q", problem.Type, ErrAccountDoesNotExist)
	}
}

func TestAccountServiceNewRequiresTermsWhenConfigured(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := NewAccountService(store, true, nil)

	env := newTestEnvelope(t, NewAccountPayload{
		Contact:              []string{"mailto:a@example.com"},
		TermsOfServiceAgreed: false,
	})
	_, _, problem := svc.New(ctx, env)
	if problem == nil || problem.Type != ErrUserActionRequired {
		t.Fatalf("New without agreed terms = %v, want userActionRequired", problem)
	}
}

func TestAccountServiceNewRejectsInvalidContact(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := NewAccountService(store, false, nil)

	env := newTestEnvelope(t, NewAccountPayload{Contact: []string{"tel:+12025551234"}})
	_, _, problem := svc.New(ctx, env)
	if problem == nil || problem.Type != ErrInvalidContact {
		t.Fatalf("New with a non-mailto contact = %v, want invalidContact", problem)
	}
}

func TestAccountServiceParseDeactivates(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := NewAccountService(store, false, nil)

	env := newTestEnvelope(t, NewAccountPayload{Contact: []string{"mailto:a@example.com"}})
	account, _, problem := svc.New(ctx, env)
	if problem != nil {
		t.Fatalf("New: %v", problem)
	}

	payload, _ := json.Marshal(AccountUpdatePayload{Status: AccountDeactivated})
	updateEnv := &Envelope{AccountName: account.Name, Payload: payload}
	updated, problem := svc.Parse(ctx, account.Name, updateEnv)
	if problem != nil {
		t.Fatalf("Parse: %v", problem)
	}
	if updated.Status != AccountDeactivated {
		t.Errorf("Status = %q, want %q", updated.Status, AccountDeactivated)
	}

	// The account is no longer resolvable by thumbprint once deactivated.
	if _, err := store.GetAccountByThumbprint(ctx, account.Thumbprint); err != ErrNotFound {
		t.Errorf("GetAccountByThumbprint after deactivation = %v, want ErrNotFound", err)
	}
}

func TestAccountServiceParseRejectsNonDeactivateStatus(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := NewAccountService(store, false, nil)

	env := newTestEnvelope(t, NewAccountPayload{Contact: []string{"mailto:a@example.com"}})
	account, _, problem := svc.New(ctx, env)
	if problem != nil {
		t.Fatalf("New: %v", problem)
	}

	payload, _ := json.Marshal(AccountUpdatePayload{Status: AccountValid})
	_, problem = svc.Parse(ctx, account.Name, &Envelope{AccountName: account.Name, Payload: payload})
	if problem == nil || problem.Type != ErrMalformed {
		t.Fatalf("Parse to status=valid = %v, want malformed", problem)
	}
}
