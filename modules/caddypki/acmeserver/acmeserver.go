// Package acmeserver registers the "acme_server" Caddy HTTP handler
// module: it mounts the ACME protocol engine (github.com/caddyserver/
// acmeserver/acme) behind chi routes answering the RFC 8555 resource
// endpoints, wiring the core's Store/CAHandler/Validator interfaces
// to concrete adapters chosen by config.
package acmeserver

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/caddyserver/acmeserver/acme"
	"github.com/caddyserver/acmeserver/acme/ca/selfsigned"
	"github.com/caddyserver/acmeserver/acme/store/boltstore"
	"github.com/caddyserver/acmeserver/acme/store/memstore"
	"github.com/caddyserver/acmeserver/acme/validator"
)

func init() {
	caddy.RegisterModule(Handler{})
}

// Handler is an HTTP handler that implements ACME protocol endpoints
// for certificate management.
type Handler struct {
	// CA is a label for the certificate authority. It appears in the
	// in-memory root's common name (when Dev is false) and in the
	// policy warning log; no external authority is looked up by it.
	CA string `json:"ca,omitempty"`

	// Dev, if true, names the ephemeral in-memory root as a
	// development CA. Issuance comes from an ephemeral in-memory
	// self-signed root whether or not Dev is set.
	Dev bool `json:"dev,omitempty"`

	// Store selects the persistence backend: "memory" (default,
	// volatile) or "bolt" (file-backed, see BoltPath).
	Store string `json:"store,omitempty"`

	// BoltPath is the file path for the bbolt database when
	// Store is "bolt".
	BoltPath string `json:"bolt_path,omitempty"`

	// BaseURL is the external scheme and host this server is reached
	// at, e.g. "https://ca.example.com". It roots every URL the
	// directory and resource views advertise, and the JWS "url"
	// binding is checked against the same absolute form, so it must
	// match what clients actually request. Defaults to
	// "https://localhost", which only suits local testing.
	BaseURL string `json:"base_url,omitempty"`

	// PathPrefix is prepended to the canonical endpoint paths
	// (/directory, /acme/newnonce, ...), e.g. "/issuers/local".
	// Empty serves them as-is.
	PathPrefix string `json:"path_prefix,omitempty"`

	// Policy applies fine-grained restrictions on which
	// identifiers this server will issue certificates for.
	Policy *Policy `json:"policy,omitempty"`

	// ChallengeTypes restricts which challenge types are offered
	// to clients. Defaults to all three (http-01, dns-01,
	// tls-alpn-01).
	ChallengeTypes []string `json:"challenges,omitempty"`

	// LifetimeDays is the requested certificate lifetime in days.
	LifetimeDays int `json:"lifetime,omitempty"`

	logger *zap.Logger
	engine *acme.Engine
	router chi.Router
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.acme_server",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the ACME server handler: it builds the engine
// (store, CA handler, validators, identifier policy) from the
// handler's config and mounts the protocol routes.
func (ash *Handler) Provision(ctx caddy.Context) error {
	ash.logger = ctx.Logger()

	ash.warnIfPolicyAllowsAll()

	store, err := ash.provisionStore(ctx)
	if err != nil {
		return fmt.Errorf("provisioning store: %w", err)
	}
	if err := store.CheckSchema(ctx); err != nil {
		return fmt.Errorf("checking store schema: %w", err)
	}

	ca, err := ash.provisionCA()
	if err != nil {
		return fmt.Errorf("provisioning certificate authority: %w", err)
	}

	challengeTypes, err := ash.provisionChallengeTypes()
	if err != nil {
		return err
	}

	base := ash.BaseURL
	if base == "" {
		base = "https://localhost"
		ash.logger.Warn("base_url not configured, advertised URLs will be rooted at https://localhost")
	}
	urls := NewURLBuilder(base, ash.PathPrefix)

	var policy acme.IdentifierPolicy = acme.AllowAllPolicy{}
	if ash.Policy != nil {
		policy = ash.Policy
	}

	if sc, ok := ca.(*selfsigned.CA); ok {
		sc.SetLeafTTL(time.Duration(ash.LifetimeDays) * 24 * time.Hour)
	}

	ash.engine = acme.NewEngine(acme.EngineConfig{
		Store:  store,
		CA:     ca,
		URLs:   urls,
		Policy: policy,
		Validators: map[acme.ChallengeType]acme.Validator{
			acme.ChallengeHTTP01:    validator.NewHTTP01(0, 0),
			acme.ChallengeDNS01:     validator.NewDNS01("", 0),
			acme.ChallengeTLSALPN01: validator.NewTLSALPN01(0),
		},
		ChallengeTypes: challengeTypes,
		AllowWildcard:  ash.Policy != nil && ash.Policy.AllowWildcardNames,
		DirectoryMeta: acme.DirectoryMeta{
			Website: "https://caddyserver.com",
		},
	})

	ash.router = NewRouter(ash.engine, urls, ash.logger)
	return nil
}

// Validate ensures ash is configured sensibly.
func (ash *Handler) Validate() error {
	if ash.BaseURL != "" {
		u, err := url.Parse(ash.BaseURL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("base_url must be an absolute URL with scheme and host: %q", ash.BaseURL)
		}
	}
	if ash.Store == "bolt" && ash.BoltPath == "" {
		return fmt.Errorf("bolt_path is required when store is \"bolt\"")
	}
	for _, ct := range ash.ChallengeTypes {
		switch acme.ChallengeType(ct) {
		case acme.ChallengeHTTP01, acme.ChallengeDNS01, acme.ChallengeTLSALPN01:
		default:
			return fmt.Errorf("unrecognized challenge type: %s", ct)
		}
	}
	return nil
}

// ServeHTTP implements the HTTP handler, dispatching to the mounted
// ACME routes.
func (ash *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) error {
	ash.router.ServeHTTP(w, r)
	return nil
}

// Cleanup stops the handler's background job queue.
func (ash *Handler) Cleanup() error {
	if ash.engine != nil {
		ash.engine.Close()
	}
	return nil
}

func (ash *Handler) provisionStore(ctx caddy.Context) (acme.Store, error) {
	switch ash.Store {
	case "", "memory":
		return memstore.New(), nil
	case "bolt":
		return boltstore.Open(ash.BoltPath)
	default:
		return nil, fmt.Errorf("unrecognized store backend: %s", ash.Store)
	}
}

func (ash *Handler) provisionCA() (acme.CAHandler, error) {
	if ash.Dev {
		return selfsigned.New("Caddy Local ACME Development CA")
	}
	// Non-dev configurations also issue from an ephemeral self-signed
	// root, named after ash.CA; no stepca.CA is constructed here.
	return selfsigned.New("Caddy Local ACME CA (" + ash.CA + ")")
}

func (ash *Handler) provisionChallengeTypes() ([]acme.ChallengeType, error) {
	if len(ash.ChallengeTypes) == 0 {
		return nil, nil
	}
	out := make([]acme.ChallengeType, len(ash.ChallengeTypes))
	for i, ct := range ash.ChallengeTypes {
		out[i] = acme.ChallengeType(ct)
	}
	return out, nil
}

// warnIfPolicyAllowsAll logs a warning when ash.Policy effectively
// permits issuance for any identifier, so operators notice a
// misconfigured (or simply absent) restriction before it bites them.
func (ash *Handler) warnIfPolicyAllowsAll() {
	if ash.Policy == nil || !ash.Policy.hasRules() {
		allowWildcard := false
		if ash.Policy != nil {
			allowWildcard = ash.Policy.AllowWildcardNames
		}
		ash.logger.Warn("acme policy has no allow/deny rules, it will allow any identifier",
			zap.String("ca", ash.CA),
			zap.Bool("allow_wildcard_names", allowWildcard),
		)
	}
}
