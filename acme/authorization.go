package acme

import (
	"context"
	"time"
)

// AuthorizationView is the JSON representation of an Authorization
// (RFC 8555 §7.1.4).
type AuthorizationView struct {
	Status     AuthorizationStatus `json:"status"`
	Identifier Identifier          `json:"identifier"`
	Expires    string              `json:"expires,omitempty"`
	Challenges []ChallengeView     `json:"challenges"`
	Wildcard   bool                `json:"wildcard,omitempty"`
}

// AuthorizationUpdatePayload is the request body POSTed to an
// authorization URL; deactivation is the only recognized mutation
// (RFC 8555 §7.5.2).
type AuthorizationUpdatePayload struct {
	Status AuthorizationStatus `json:"status,omitempty"`
}

// AuthorizationService exposes each identifier's challenge list and
// its deactivation/expiry projection (RFC 8555 §7.5).
type AuthorizationService struct {
	store Store
	urls  URLBuilder
}

// NewAuthorizationService returns an AuthorizationService.
func NewAuthorizationService(store Store, urls URLBuilder) *AuthorizationService {
	return &AuthorizationService{store: store, urls: urls}
}

// Get implements POST-as-GET on /acme/authz/{name}, projecting expiry
// onto the returned status: a stale record still reads as expired
// before housekeeping sweeps it.
func (s *AuthorizationService) Get(ctx context.Context, name string) (*Authorization, *Problem) {
	authz, err := s.store.GetAuthorization(ctx, name)
	if err == ErrNotFound {
		return nil, NewProblem(ErrMalformed, "authorization not found")
	} else if err != nil {
		return nil, Wrap(err, "loading authorization")
	}
	authz.Status = effectiveAuthorizationStatus(authz)
	return authz, nil
}

// Parse implements POST to an authorization URL: an empty payload is
// POST-as-GET, a status=deactivated payload deactivates it
// (RFC 8555 §7.5.2).
func (s *AuthorizationService) Parse(ctx context.Context, name string, env *Envelope) (*Authorization, *Problem) {
	authz, problem := s.Get(ctx, name)
	if problem != nil {
		return nil, problem
	}
	if len(env.Payload) == 0 {
		return authz, nil
	}

	var payload AuthorizationUpdatePayload
	if err := unmarshalStrict(env.Payload, &payload); err != nil {
		return nil, NewProblem(ErrMalformed, "invalid authorization update payload")
	}
	if payload.Status == "" {
		return authz, nil
	}
	if payload.Status != AuthorizationDeactivated {
		return nil, NewProblem(ErrMalformed, "only deactivation is supported")
	}

	authz.Status = AuthorizationDeactivated
	if err := s.store.PutAuthorization(ctx, authz); err != nil {
		return nil, Wrap(err, "persisting authorization deactivation")
	}
	return authz, nil
}

// refresh recomputes authz.Status from its challenges: pending goes
// valid as soon as any challenge is valid, and invalid once every
// challenge is invalid. The transition to valid is monotonic: once
// valid, later challenge failures are ignored.
func (s *AuthorizationService) refresh(ctx context.Context, authz *Authorization) error {
	if authz.Status != AuthorizationPending {
		return nil
	}

	anyInvalid, allInvalid := false, true
	for _, name := range authz.ChallengeNames {
		c, err := s.store.GetChallenge(ctx, name)
		if err != nil {
			return err
		}
		switch c.Status {
		case ChallengeValid:
			authz.Status = AuthorizationValid
			return s.store.PutAuthorization(ctx, authz)
		case ChallengeInvalid:
			anyInvalid = true
		default:
			allInvalid = false
		}
	}
	if anyInvalid && allInvalid {
		authz.Status = AuthorizationInvalid
		return s.store.PutAuthorization(ctx, authz)
	}
	return nil
}

// View renders authz as the JSON body clients receive.
func (s *AuthorizationService) View(ctx context.Context, authz *Authorization) (AuthorizationView, *Problem) {
	v := AuthorizationView{
		Status:     authz.Status,
		Identifier: authz.Identifier,
		Wildcard:   authz.Wildcard,
	}
	if !authz.Expires.IsZero() {
		v.Expires = authz.Expires.UTC().Format(time.RFC3339)
	}
	for _, name := range authz.ChallengeNames {
		c, err := s.store.GetChallenge(ctx, name)
		if err != nil {
			return AuthorizationView{}, Wrap(err, "loading challenge")
		}
		v.Challenges = append(v.Challenges, challengeView(s.urls, c))
	}
	return v, nil
}
