package acme

import (
	"context"
	"testing"
	"time"

	"github.com/caddyserver/acmeserver/acme/store/memstore"
)

type stubValidator struct {
	problem *Problem
	calls   chan struct{}
}

func (v *stubValidator) Validate(ctx context.Context, identifier Identifier, token, keyAuthorization string) *Problem {
	if v.calls != nil {
		v.calls <- struct{}{}
	}
	return v.problem
}

func TestKeyAuthorization(t *testing.T) {
	thumbprint := "LoqXcYV8q5q_bsLTqloNbMPYjwJfWhg4aOgjpHvSaW8" // a fixed, syntactically valid base64url value
	got, err := KeyAuthorization("my-token", thumbprint)
	if err != nil {
		t.Fatalf("KeyAuthorization: %v", err)
	}
	want := "my-token."
	if len(got) <= len(want) || got[:len(want)] != want {
		t.Errorf("KeyAuthorization = %q, want it to start with %q", got, want)
	}

	// Deterministic for the same inputs.
	got2, err := KeyAuthorization("my-token", thumbprint)
	if err != nil {
		t.Fatalf("KeyAuthorization: %v", err)
	}
	if got != got2 {
		t.Error("KeyAuthorization is not deterministic for identical inputs")
	}
}

func newTestChallengeService(t *testing.T, store Store, validators map[ChallengeType]Validator) *ChallengeService {
	t.Helper()
	authz := NewAuthorizationService(store, stubURLs{})
	return NewChallengeService(ChallengeServiceConfig{
		Store:          store,
		URLs:           stubURLs{},
		Queue:          NewJobQueue(1),
		Validators:     validators,
		Authorizations: authz,
	})
}

func TestChallengeServiceParseValidatesAndCascadesToAuthorization(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	account := &Account{Name: newName(), Thumbprint: "tp", Status: AccountValid}
	if err := store.PutAccount(ctx, account); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}

	authz := seedAuthorization(t, ctx, store, AuthorizationPending, ChallengePending)
	challengeName := authz.ChallengeNames[0]

	calls := make(chan struct{}, 1)
	validators := map[ChallengeType]Validator{
		ChallengeHTTP01: &stubValidator{calls: calls},
	}
	svc := newTestChallengeService(t, store, validators)

	c, problem := svc.Parse(ctx, challengeName, &Envelope{AccountName: account.Name})
	if problem != nil {
		t.Fatalf("Parse: %v", problem)
	}
	if c.Status != ChallengeProcessing {
		t.Errorf("Status = %q, want %q", c.Status, ChallengeProcessing)
	}

	<-calls

	// runValidation runs asynchronously on the queue's worker; poll the
	// store briefly for the committed outcome rather than sleeping a
	// fixed duration.
	var final *Challenge
	for i := 0; i < 200; i++ {
		got, err := store.GetChallenge(ctx, challengeName)
		if err != nil {
			t.Fatalf("GetChallenge: %v", err)
		}
		if got.Status != ChallengeProcessing {
			final = got
			break
		}
		time.Sleep(time.Millisecond)
	}
	if final == nil {
		t.Fatal("challenge never left status=processing")
	}
	if final.Status != ChallengeValid {
		t.Errorf("final Status = %q, want %q", final.Status, ChallengeValid)
	}

	updatedAuthz, err := store.GetAuthorization(ctx, authz.Name)
	if err != nil {
		t.Fatalf("GetAuthorization: %v", err)
	}
	if updatedAuthz.Status != AuthorizationValid {
		t.Errorf("authorization Status = %q, want %q", updatedAuthz.Status, AuthorizationValid)
	}
}

func TestChallengeServiceParseOnAlreadyProcessingIsANoOp(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	authz := seedAuthorization(t, ctx, store, AuthorizationPending, ChallengeProcessing)
	challengeName := authz.ChallengeNames[0]

	svc := newTestChallengeService(t, store, map[ChallengeType]Validator{
		ChallengeHTTP01: &stubValidator{},
	})

	c, problem := svc.Parse(ctx, challengeName, &Envelope{})
	if problem != nil {
		t.Fatalf("Parse: %v", problem)
	}
	if c.Status != ChallengeProcessing {
		t.Errorf("Status = %q, want unchanged %q", c.Status, ChallengeProcessing)
	}
}

func TestChallengeServiceView(t *testing.T) {
	store := memstore.New()
	svc := newTestChallengeService(t, store, nil)

	c := &Challenge{
		Name:   "chall-1",
		Type:   ChallengeHTTP01,
		Token:  "the-token",
		Status: ChallengePending,
	}
	view := svc.View(c)
	if view.Token != "the-token" {
		t.Errorf("Token = %q, want %q", view.Token, "the-token")
	}
	wantURL := (stubURLs{}).ChallengeURL("chall-1")
	if view.URL != wantURL {
		t.Errorf("URL = %q, want %q", view.URL, wantURL)
	}
}
