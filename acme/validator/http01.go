// Package validator implements the three out-of-band ACME challenge
// validators: http-01 (RFC 8555 §8.3), dns-01 (§8.4), and tls-alpn-01
// (RFC 8737). Each type satisfies acme.Validator so it plugs straight
// into the challenge service without the core importing net/http, a
// DNS client, or TLS.
package validator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/caddyserver/acmeserver/acme"
)

// DefaultMaxRedirects is the bounded hop count http-01 follows before
// giving up.
const DefaultMaxRedirects = 10

// DefaultHTTPTimeout is the wall-clock budget for one http-01 attempt,
// including any redirects.
const DefaultHTTPTimeout = 30 * time.Second

// HTTP01 validates the http-01 challenge type: fetching
// http://{identifier}/.well-known/acme-challenge/{token} and comparing
// the response body to the key authorization.
type HTTP01 struct {
	MaxRedirects int
	Timeout      time.Duration
}

// NewHTTP01 returns an HTTP01 validator. maxRedirects <= 0 uses
// DefaultMaxRedirects; timeout <= 0 uses DefaultHTTPTimeout.
func NewHTTP01(maxRedirects int, timeout time.Duration) *HTTP01 {
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTP01{MaxRedirects: maxRedirects, Timeout: timeout}
}

// Validate implements acme.Validator.
func (v *HTTP01) Validate(ctx context.Context, identifier acme.Identifier, token, keyAuthorization string) *acme.Problem {
	url := fmt.Sprintf("http://%s/.well-known/acme-challenge/%s", identifier.Value, token)

	client := &http.Client{
		Timeout: v.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= v.MaxRedirects {
				return fmt.Errorf("exceeded %d redirects", v.MaxRedirects)
			}
			if req.URL.Scheme != "http" || (req.URL.Port() != "" && req.URL.Port() != "80") {
				return fmt.Errorf("redirect to %s leaves port 80", req.URL.Host)
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return acme.NewProblemf(acme.ErrMalformed, "building http-01 request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return acme.NewProblemf(acme.ErrConnection, "http-01 request to %s failed: %v", identifier.Value, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return acme.NewProblemf(acme.ErrIncorrectResponse, "http-01 endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return acme.NewProblemf(acme.ErrConnection, "reading http-01 response: %v", err)
	}

	got := strings.TrimRight(string(body), " \t\r\n")
	if got != keyAuthorization {
		return acme.NewProblem(acme.ErrIncorrectResponse, "http-01 response body did not match key authorization")
	}
	return nil
}
