package acmeserver

import (
	"github.com/smallstep/certificates/authority/policy"
	"github.com/smallstep/certificates/authority/provisioner"
)

// RuleSet is a named list of rules against which the identifiers in
// an ACME order are checked before authorizations are created.
// Domains are DNS name patterns as understood by the smallstep policy
// engine (exact names, "*." wildcard prefixes, or "." suffix
// matches); IPRanges are CIDR blocks, unused by this ACME server
// (identifiers are always DNS) but carried through since Policy wraps
// the authority's general-purpose X509NameOptions.
type RuleSet struct {
	Domains  []string `json:"domains,omitempty"`
	IPRanges []string `json:"ip_ranges,omitempty"`
}

// Policy gates which identifiers the order service (acme.IdentifierPolicy)
// permits issuing for. It is the concrete, smallstep-backed
// implementation referenced from acme/policy.go, kept in this module
// so the core engine package never imports smallstep/certificates.
type Policy struct {
	// Allow is the list of rules that are allowed.
	Allow *RuleSet `json:"allow,omitempty"`
	// Deny is the list of rules that are denied.
	Deny *RuleSet `json:"deny,omitempty"`
	// AllowWildcardNames configures whether wildcard names
	// (e.g. *.example.com) are allowed. Default is false.
	AllowWildcardNames bool `json:"allow_wildcard_names,omitempty"`
}

// normalizeAllowRules returns p's allow rules as smallstep
// X509NameOptions, or nil if no allow rules are configured.
func (p *Policy) normalizeAllowRules() *policy.X509NameOptions {
	if p == nil || p.Allow == nil {
		return nil
	}
	if len(p.Allow.Domains) == 0 && len(p.Allow.IPRanges) == 0 {
		return nil
	}
	return &policy.X509NameOptions{
		DNSDomains: p.Allow.Domains,
		IPRanges:   p.Allow.IPRanges,
	}
}

// normalizeDenyRules returns p's deny rules as smallstep
// X509NameOptions, or nil if no deny rules are configured.
func (p *Policy) normalizeDenyRules() *policy.X509NameOptions {
	if p == nil || p.Deny == nil {
		return nil
	}
	if len(p.Deny.Domains) == 0 && len(p.Deny.IPRanges) == 0 {
		return nil
	}
	return &policy.X509NameOptions{
		DNSDomains: p.Deny.Domains,
		IPRanges:   p.Deny.IPRanges,
	}
}

// normalizeRules turns p into the X509Options the authority's
// provisioner policy engine consumes, or nil if p carries neither
// allow/deny rules nor a wildcard allowance (matching the zero-value
// "no policy configured" case).
func (p *Policy) normalizeRules() *provisioner.X509Options {
	if p == nil {
		return nil
	}
	allow := p.normalizeAllowRules()
	deny := p.normalizeDenyRules()
	if allow == nil && deny == nil && !p.AllowWildcardNames {
		return nil
	}
	opts := &provisioner.X509Options{
		AllowWildcardNames: p.AllowWildcardNames,
	}
	if allow != nil {
		opts.AllowedNames = allow
	}
	if deny != nil {
		opts.DeniedNames = deny
	}
	return opts
}

// hasRules reports whether p carries any allow or deny rule.
func (p *Policy) hasRules() bool {
	if p == nil {
		return false
	}
	return p.normalizeAllowRules() != nil || p.normalizeDenyRules() != nil
}
