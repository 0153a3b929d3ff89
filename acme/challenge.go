package acme

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"time"
)

// DefaultValidationTimeout is the hard wall-clock bound on a single
// validation attempt, applied on top of whatever tighter budget the
// individual validator enforces.
const DefaultValidationTimeout = 30 * time.Second

// Validator proves control of identifier using the challenge's token
// and key authorization. Concrete implementations live under
// acme/validator (http01, dns01, tlsalpn01); this package only
// depends on the interface.
type Validator interface {
	Validate(ctx context.Context, identifier Identifier, token, keyAuthorization string) *Problem
}

// KeyAuthorization computes the key authorization string bound to
// token and the requesting account's key thumbprint:
// token || "." || base64url(SHA-256(thumbprint)).
func KeyAuthorization(token, thumbprint string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(thumbprint)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return token + "." + base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// ChallengeView is the JSON representation of a Challenge (RFC 8555
// §8).
type ChallengeView struct {
	Type      ChallengeType   `json:"type"`
	URL       string          `json:"url"`
	Token     string          `json:"token"`
	Status    ChallengeStatus `json:"status"`
	Validated string          `json:"validated,omitempty"`
	Error     *Problem        `json:"error,omitempty"`
}

func challengeView(urls URLBuilder, c *Challenge) ChallengeView {
	v := ChallengeView{
		Type:   c.Type,
		URL:    urls.ChallengeURL(c.Name),
		Token:  c.Token,
		Status: c.Status,
		Error:  c.Error,
	}
	if !c.Validated.IsZero() {
		v.Validated = c.Validated.UTC().Format(time.RFC3339)
	}
	return v
}

// ChallengeServiceConfig holds the collaborators ChallengeService
// needs: a Validator per supported challenge type, the job queue that
// runs them off the request path, and the owning AuthorizationService
// so a resolved challenge can recompute its authorization's status.
type ChallengeServiceConfig struct {
	Store          Store
	URLs           URLBuilder
	Queue          *JobQueue
	Validators     map[ChallengeType]Validator
	Authorizations *AuthorizationService
}

// ChallengeService accepts a client's request to begin validation
// and, once a validator reports an outcome, commits it and lets the
// owning authorization re-derive its status.
type ChallengeService struct {
	store      Store
	urls       URLBuilder
	queue      *JobQueue
	validators map[ChallengeType]Validator
	authz      *AuthorizationService
}

// NewChallengeService returns a ChallengeService built from cfg.
func NewChallengeService(cfg ChallengeServiceConfig) *ChallengeService {
	return &ChallengeService{
		store:      cfg.Store,
		urls:       cfg.URLs,
		queue:      cfg.Queue,
		validators: cfg.Validators,
		authz:      cfg.Authorizations,
	}
}

// View renders c as the JSON body clients receive.
func (s *ChallengeService) View(c *Challenge) ChallengeView {
	return challengeView(s.urls, c)
}

// Get implements POST-as-GET on /acme/chall/{name}.
func (s *ChallengeService) Get(ctx context.Context, name string) (*Challenge, *Problem) {
	c, err := s.store.GetChallenge(ctx, name)
	if err == ErrNotFound {
		return nil, NewProblem(ErrMalformed, "challenge not found")
	} else if err != nil {
		return nil, Wrap(err, "loading challenge")
	}
	return c, nil
}

// Parse implements POST to a challenge URL: the client asks the
// server to begin validation (RFC 8555 §7.5.1). Preconditions are the
// challenge and its owning authorization both being pending; a second
// request while validation is already processing (or resolved) is a
// no-op that just returns the current state, keeping at most one
// attempt per challenge in flight.
func (s *ChallengeService) Parse(ctx context.Context, name string, env *Envelope) (*Challenge, *Problem) {
	c, problem := s.Get(ctx, name)
	if problem != nil {
		return nil, problem
	}
	if c.Status != ChallengePending {
		return c, nil
	}

	authz, err := s.store.GetAuthorization(ctx, c.AuthorizationName)
	if err != nil {
		return nil, Wrap(err, "loading authorization")
	}
	if effectiveAuthorizationStatus(authz) != AuthorizationPending {
		return nil, NewProblem(ErrMalformed, "authorization is not pending")
	}

	account, err := s.store.GetAccount(ctx, env.AccountName)
	if err != nil {
		return nil, Wrap(err, "loading account")
	}
	keyAuth, err := KeyAuthorization(c.Token, account.Thumbprint)
	if err != nil {
		return nil, Wrap(err, "computing key authorization")
	}

	validator, ok := s.validators[c.Type]
	if !ok {
		return nil, NewProblemf(ErrServerInternal, "no validator configured for challenge type %s", c.Type)
	}

	c.Status = ChallengeProcessing
	if err := s.store.PutChallenge(ctx, c); err != nil {
		return nil, Wrap(err, "persisting challenge")
	}

	identifier := authz.Identifier
	token := c.Token
	s.queue.TrySubmit(c.Name, func() {
		s.runValidation(validator, identifier, c.Name, token, keyAuth)
	})

	return c, nil
}

// runValidation executes validator off the request path and commits
// its outcome. It reloads the challenge before committing so a
// concurrent deactivation isn't clobbered by a stale write.
func (s *ChallengeService) runValidation(validator Validator, identifier Identifier, challengeName, token, keyAuth string) {
	ctx := context.Background()
	validateCtx, cancel := context.WithTimeout(ctx, DefaultValidationTimeout)
	problem := validator.Validate(validateCtx, identifier, token, keyAuth)
	cancel()
	if problem == nil && validateCtx.Err() == context.DeadlineExceeded {
		problem = NewProblem(ErrConnection, "validation timed out")
	}

	c, err := s.store.GetChallenge(ctx, challengeName)
	if err != nil || c.Status != ChallengeProcessing {
		return
	}

	if problem != nil {
		c.Status = ChallengeInvalid
		c.Error = problem
	} else {
		c.Status = ChallengeValid
		c.Validated = time.Now().UTC()
	}
	if err := s.store.PutChallenge(ctx, c); err != nil {
		return
	}

	authz, err := s.store.GetAuthorization(ctx, c.AuthorizationName)
	if err != nil {
		return
	}
	_ = s.authz.refresh(ctx, authz)
}
