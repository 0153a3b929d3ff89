package acme

// IdentifierPolicy decides whether an Order Service may issue for a
// given identifier. The concrete implementation wraps
// smallstep/certificates' X.509 name policy engine and lives in
// modules/caddypki/acmeserver, keeping that dependency out of the
// transport-agnostic core; tests here use a permissive stub.
type IdentifierPolicy interface {
	// IsAllowed returns nil if identifier may be issued for, or a
	// rejectedIdentifier Problem describing why not.
	IsAllowed(identifier Identifier) *Problem
}

// AllowAllPolicy permits every identifier. It is the default when no
// policy is configured, matching an ACME server with no allow/deny
// list.
type AllowAllPolicy struct{}

func (AllowAllPolicy) IsAllowed(Identifier) *Problem { return nil }
