package acmeserver

import (
	"strings"

	"github.com/caddyserver/acmeserver/acme"
)

// IsAllowed implements acme.IdentifierPolicy: identifier is rejected
// if it matches any Deny rule, or if Allow rules are configured and
// it matches none of them. Matching is by exact name or by Domains
// entries prefixed with "." (suffix match, e.g. ".example.com"
// matches "sub.example.com"). This governs order creation and is the
// only place the handler enforces the policy; p.normalizeRules renders
// the same rules as step-ca X509Options, but the handler does not pass
// them to any signer.
func (p *Policy) IsAllowed(identifier acme.Identifier) *acme.Problem {
	if p == nil {
		return nil
	}
	name := strings.ToLower(identifier.Value)

	if p.Deny != nil && matchesAny(name, p.Deny.Domains) {
		return acme.NewProblemf(acme.ErrRejectedIdentifier, "identifier %s is denied by policy", identifier.Value)
	}
	if p.Allow != nil && len(p.Allow.Domains) > 0 && !matchesAny(name, p.Allow.Domains) {
		return acme.NewProblemf(acme.ErrRejectedIdentifier, "identifier %s is not permitted by policy", identifier.Value)
	}
	return nil
}

func matchesAny(name string, domains []string) bool {
	for _, d := range domains {
		d = strings.ToLower(d)
		if strings.HasPrefix(d, ".") {
			if strings.HasSuffix(name, d) || name == strings.TrimPrefix(d, ".") {
				return true
			}
			continue
		}
		if name == d {
			return true
		}
	}
	return false
}
