package acme

import (
	"context"
	"encoding/json"
	"errors"
	"net/mail"
	"strings"
	"sync"
	"time"
)

// accountNameFromKeyID extracts the account name from a kid URL, which
// is always the account's own URL (".../acme/acct/{name}").
func accountNameFromKeyID(kid string) string {
	kid = strings.TrimRight(kid, "/")
	if i := strings.LastIndexByte(kid, '/'); i >= 0 {
		return kid[i+1:]
	}
	return kid
}

// NewAccountPayload is the request body of POST /acme/newaccount
// (RFC 8555 §7.3).
type NewAccountPayload struct {
	Contact              []string `json:"contact,omitempty"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed,omitempty"`
	OnlyReturnExisting   bool     `json:"onlyReturnExisting,omitempty"`
}

// AccountUpdatePayload is the request body of POST /acme/acct/{name}.
// Status is the only recognized mutation.
type AccountUpdatePayload struct {
	Status  AccountStatus `json:"status,omitempty"`
	Contact []string      `json:"contact,omitempty"`
}

// AccountView is the JSON representation of an Account returned to
// clients (RFC 8555 §7.1.2).
type AccountView struct {
	Status  AccountStatus `json:"status"`
	Contact []string      `json:"contact,omitempty"`
	Orders  string        `json:"orders,omitempty"`
}

// AccountService registers, looks up, and deactivates accounts keyed
// by their JWK (RFC 8555 §7.3).
type AccountService struct {
	store              Store
	requireTermsAgreed bool
	ordersURLFunc      func(accountName string) string

	// registerMu serializes the lookup-then-create window in New, so
	// two concurrent registrations with the same key produce one
	// account.
	registerMu sync.Mutex
}

// NewAccountService returns an AccountService. requireTermsAgreed
// gates whether termsOfServiceAgreed must be true on new
// registrations. ordersURLFunc builds the "orders" URL advertised in
// an AccountView; it may be nil.
func NewAccountService(store Store, requireTermsAgreed bool, ordersURLFunc func(string) string) *AccountService {
	return &AccountService{store: store, requireTermsAgreed: requireTermsAgreed, ordersURLFunc: ordersURLFunc}
}

// New implements newAccount (RFC 8555 §7.3). env must have been verified
// with VerifyOptions.AllowEmbeddedJWK so env.JWK and env.Thumbprint
// are populated. created reports whether a new account record was
// written (true → 201) versus an existing one was found (false →
// 200), matching "idempotent re-registration of the same key".
func (s *AccountService) New(ctx context.Context, env *Envelope) (account *Account, created bool, problem *Problem) {
	var payload NewAccountPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, false, NewProblem(ErrMalformed, "invalid newAccount payload")
		}
	}

	s.registerMu.Lock()
	defer s.registerMu.Unlock()

	existing, err := s.store.GetAccountByThumbprint(ctx, env.Thumbprint)
	if err != nil && err != ErrNotFound {
		return nil, false, Wrap(err, "looking up account by thumbprint")
	}
	if err == nil {
		return existing, false, nil
	}

	if payload.OnlyReturnExisting {
		return nil, false, NewProblem(ErrAccountDoesNotExist, "no account exists for this key")
	}

	if s.requireTermsAgreed && !payload.TermsOfServiceAgreed {
		return nil, false, NewProblem(ErrUserActionRequired, "terms of service must be agreed to")
	}

	if len(payload.Contact) == 0 {
		return nil, false, NewProblem(ErrInvalidContact, "at least one contact is required")
	}
	for _, c := range payload.Contact {
		if err := validateContact(c); err != nil {
			return nil, false, NewProblem(ErrInvalidContact, err.Error())
		}
	}

	account = &Account{
		Name:                 newName(),
		Key:                  *env.JWK,
		Thumbprint:           env.Thumbprint,
		Contact:              payload.Contact,
		TermsOfServiceAgreed: payload.TermsOfServiceAgreed,
		Status:               AccountValid,
		CreatedAt:            time.Now(),
	}
	if err := s.store.PutAccount(ctx, account); err != nil {
		return nil, false, Wrap(err, "persisting account")
	}
	return account, true, nil
}

// validateContact checks a contact URI has the mailto: scheme and an
// RFC 5322 address shape, stricter than a bare prefix check.
func validateContact(contact string) error {
	const prefix = "mailto:"
	if !strings.HasPrefix(contact, prefix) {
		return errInvalidContactScheme
	}
	_, err := mail.ParseAddress(strings.TrimPrefix(contact, prefix))
	return err
}

var errInvalidContactScheme = errors.New("contact must use the mailto: scheme")

// Parse implements POST /acme/acct/{name}: the only recognized
// mutation is a transition to status=deactivated (RFC 8555 §7.3.6).
func (s *AccountService) Parse(ctx context.Context, accountName string, env *Envelope) (*Account, *Problem) {
	account, err := s.store.GetAccount(ctx, accountName)
	if err == ErrNotFound {
		return nil, NewProblem(ErrAccountDoesNotExist, "account not found")
	} else if err != nil {
		return nil, Wrap(err, "loading account")
	}

	if len(env.Payload) == 0 {
		return account, nil
	}

	var payload AccountUpdatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, NewProblem(ErrMalformed, "invalid account update payload")
	}
	if payload.Status == "" {
		return account, nil
	}
	if payload.Status != AccountDeactivated {
		return nil, NewProblem(ErrMalformed, "only deactivation is supported")
	}

	account.Status = AccountDeactivated
	if err := s.store.PutAccount(ctx, account); err != nil {
		return nil, Wrap(err, "persisting account deactivation")
	}
	return account, nil
}

// LookupByName resolves an account by its server-assigned name. It
// backs the legacy GET /acme/acct/{name} lookup, kept only for
// clients that predate POST-as-GET on the account URL.
//
// Deprecated: use Parse with an empty payload (POST-as-GET) instead.
func (s *AccountService) LookupByName(ctx context.Context, name string) (*Account, *Problem) {
	account, err := s.store.GetAccount(ctx, name)
	if err == ErrNotFound {
		return nil, NewProblem(ErrAccountDoesNotExist, "account not found")
	} else if err != nil {
		return nil, Wrap(err, "loading account")
	}
	return account, nil
}

// View renders account as the JSON body clients receive.
func (s *AccountService) View(account *Account) AccountView {
	v := AccountView{Status: account.Status, Contact: account.Contact}
	if s.ordersURLFunc != nil {
		v.Orders = s.ordersURLFunc(account.Name)
	}
	return v
}
