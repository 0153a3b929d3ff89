package acme

import "time"

// Engine is the dependency-injected service bundle the transport
// layer drives. It owns no transport or persistence concerns of its
// own; those are supplied by the caller through EngineConfig.
type Engine struct {
	Nonces         *NoncePool
	Verifier       *Verifier
	Accounts       *AccountService
	Orders         *OrderService
	Authorizations *AuthorizationService
	Challenges     *ChallengeService
	Certificates   *CertificateService
	Directory      *DirectoryService
	Trigger        *TriggerService

	store Store
	queue *JobQueue
}

// EngineConfig supplies every external collaborator the core needs:
// persistence, the certificate authority, per-type validators, URL
// rendering, and the policy gating which identifiers may be issued
// for.
type EngineConfig struct {
	Store  Store
	CA     CAHandler
	URLs   URLBuilder
	Policy IdentifierPolicy // nil uses AllowAllPolicy

	Validators map[ChallengeType]Validator
	Workers    int // job queue worker count; <= 0 uses a small default

	RequireTermsAgreed bool
	AllowWildcard      bool
	ChallengeTypes     []ChallengeType // nil uses all three types
	NonceTTL           time.Duration   // <= 0 uses DefaultNonceTTL
	OrderTTL           time.Duration   // <= 0 uses DefaultOrderTTL
	AuthorizationTTL   time.Duration   // <= 0 uses DefaultAuthorizationTTL
	CATimeout          time.Duration   // <= 0 uses DefaultCATimeout
	AllowedAlgorithms  []string        // nil uses DefaultAllowedAlgorithms
	DirectoryMeta      DirectoryMeta
}

// NewEngine wires cfg's collaborators into a complete service bundle.
func NewEngine(cfg EngineConfig) *Engine {
	nonces := NewNoncePool(cfg.Store, cfg.NonceTTL)
	verifier := NewVerifier(cfg.Store, nonces, cfg.AllowedAlgorithms)

	accounts := NewAccountService(cfg.Store, cfg.RequireTermsAgreed, func(name string) string {
		return cfg.URLs.AccountURL(name) + "/orders"
	})

	orders := NewOrderService(OrderServiceConfig{
		Store:            cfg.Store,
		URLs:             cfg.URLs,
		CA:               cfg.CA,
		Policy:           cfg.Policy,
		ChallengeTypes:   cfg.ChallengeTypes,
		AllowWildcard:    cfg.AllowWildcard,
		OrderTTL:         cfg.OrderTTL,
		AuthorizationTTL: cfg.AuthorizationTTL,
		CATimeout:        cfg.CATimeout,
	})

	authorizations := NewAuthorizationService(cfg.Store, cfg.URLs)

	queue := NewJobQueue(cfg.Workers)
	challenges := NewChallengeService(ChallengeServiceConfig{
		Store:          cfg.Store,
		URLs:           cfg.URLs,
		Queue:          queue,
		Validators:     cfg.Validators,
		Authorizations: authorizations,
	})

	certificates := NewCertificateService(cfg.Store, cfg.CA)
	directory := NewDirectoryService(cfg.URLs, cfg.DirectoryMeta)
	trigger := NewTriggerService(cfg.Store)

	return &Engine{
		Nonces:         nonces,
		Verifier:       verifier,
		Accounts:       accounts,
		Orders:         orders,
		Authorizations: authorizations,
		Challenges:     challenges,
		Certificates:   certificates,
		Directory:      directory,
		Trigger:        trigger,
		store:          cfg.Store,
		queue:          queue,
	}
}

// Close stops the engine's background job queue. It does not close
// the underlying Store, which the caller owns.
func (e *Engine) Close() {
	e.queue.Close()
}
