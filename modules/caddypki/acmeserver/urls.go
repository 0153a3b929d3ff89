package acmeserver

import (
	"strings"

	"github.com/caddyserver/acmeserver/acme"
)

// URLBuilder implements acme.URLBuilder over an external base URL
// (scheme and host, e.g. "https://ca.example.com") and an optional
// path prefix. Every advertised URL is fully qualified: the directory
// document hands clients URLs they can request directly, and the JWS
// "url" binding verifies against the same absolute form the client
// signed. The unexported *Path methods render just the path component,
// which is what the router registers its patterns with.
type URLBuilder struct {
	base   string
	prefix string
}

// NewURLBuilder returns a URLBuilder rooted at base (scheme://host,
// trailing slash stripped) with prefix prepended to every endpoint
// path. An empty prefix serves the endpoints at their canonical paths
// (/directory, /acme/newnonce, ...).
func NewURLBuilder(base, prefix string) *URLBuilder {
	return &URLBuilder{base: strings.TrimSuffix(base, "/"), prefix: prefix}
}

func (u *URLBuilder) directoryPath() string          { return u.prefix + "/directory" }
func (u *URLBuilder) newNoncePath() string           { return u.prefix + "/acme/newnonce" }
func (u *URLBuilder) newAccountPath() string         { return u.prefix + "/acme/newaccount" }
func (u *URLBuilder) accountPath(name string) string { return u.prefix + "/acme/acct/" + name }
func (u *URLBuilder) newOrderPath() string           { return u.prefix + "/acme/neworders" }
func (u *URLBuilder) orderPath(name string) string   { return u.prefix + "/acme/order/" + name }
func (u *URLBuilder) orderFinalizePath(name string) string {
	return u.prefix + "/acme/order/" + name + "/finalize"
}
func (u *URLBuilder) authorizationPath(name string) string { return u.prefix + "/acme/authz/" + name }
func (u *URLBuilder) challengePath(name string) string     { return u.prefix + "/acme/chall/" + name }
func (u *URLBuilder) certificatePath(name string) string   { return u.prefix + "/acme/cert/" + name }
func (u *URLBuilder) revokeCertPath() string               { return u.prefix + "/acme/revokecert" }
func (u *URLBuilder) triggerPath() string                  { return u.prefix + "/trigger" }

func (u *URLBuilder) DirectoryURL() string             { return u.base + u.directoryPath() }
func (u *URLBuilder) NewNonceURL() string              { return u.base + u.newNoncePath() }
func (u *URLBuilder) NewAccountURL() string            { return u.base + u.newAccountPath() }
func (u *URLBuilder) AccountURL(name string) string    { return u.base + u.accountPath(name) }
func (u *URLBuilder) NewOrderURL() string              { return u.base + u.newOrderPath() }
func (u *URLBuilder) OrderURL(name string) string      { return u.base + u.orderPath(name) }
func (u *URLBuilder) OrderFinalizeURL(name string) string {
	return u.base + u.orderFinalizePath(name)
}
func (u *URLBuilder) AuthorizationURL(name string) string { return u.base + u.authorizationPath(name) }
func (u *URLBuilder) ChallengeURL(name string) string     { return u.base + u.challengePath(name) }
func (u *URLBuilder) CertificateURL(name string) string   { return u.base + u.certificatePath(name) }
func (u *URLBuilder) RevokeCertURL() string               { return u.base + u.revokeCertPath() }

// TriggerURL is the inbound CA callback endpoint. It isn't part of
// acme.URLBuilder because no client-facing view embeds it.
func (u *URLBuilder) TriggerURL() string { return u.base + u.triggerPath() }

var _ acme.URLBuilder = (*URLBuilder)(nil)
