package validator

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/caddyserver/acmeserver/acme"
)

// DefaultDNSTimeout is the per-query budget for a dns-01 lookup.
const DefaultDNSTimeout = 10 * time.Second

// DNS01 validates the dns-01 challenge type: querying
// _acme-challenge.{identifier} for a TXT record equal to
// base64url(SHA-256(keyAuthorization)).
type DNS01 struct {
	// Resolver is the "host:port" of the DNS server to query. Empty
	// reads /etc/resolv.conf and uses its first nameserver.
	Resolver string
	Timeout  time.Duration
}

// NewDNS01 returns a DNS01 validator querying resolver (empty uses the
// system resolver). timeout <= 0 uses DefaultDNSTimeout.
func NewDNS01(resolver string, timeout time.Duration) *DNS01 {
	if timeout <= 0 {
		timeout = DefaultDNSTimeout
	}
	return &DNS01{Resolver: resolver, Timeout: timeout}
}

// Validate implements acme.Validator.
func (v *DNS01) Validate(ctx context.Context, identifier acme.Identifier, token, keyAuthorization string) *acme.Problem {
	name := dns.Fqdn("_acme-challenge." + strings.TrimSuffix(identifier.Value, "."))

	sum := sha256.Sum256([]byte(keyAuthorization))
	want := base64.RawURLEncoding.EncodeToString(sum[:])

	resolver := v.Resolver
	if resolver == "" {
		cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(cfg.Servers) == 0 {
			return acme.NewProblemf(acme.ErrDNS, "no DNS resolver configured: %v", err)
		}
		resolver = cfg.Servers[0] + ":" + cfg.Port
	}

	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeTXT)

	client := &dns.Client{Timeout: v.Timeout}
	resp, _, err := client.ExchangeContext(ctx, msg, resolver)
	if err != nil {
		return acme.NewProblemf(acme.ErrDNS, "dns-01 TXT lookup for %s failed: %v", name, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return acme.NewProblemf(acme.ErrDNS, "dns-01 TXT lookup for %s returned rcode %d", name, resp.Rcode)
	}

	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		if strings.Join(txt.Txt, "") == want {
			return nil
		}
	}
	return acme.NewProblem(acme.ErrIncorrectResponse, "no matching TXT record found for dns-01 challenge")
}
