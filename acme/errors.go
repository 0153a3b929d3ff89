package acme

import (
	"errors"
	"fmt"
	"net/http"
)

// ProblemType is an ACME error type, always a urn:ietf:params:acme:error:*
// URI (RFC 8555 §6.7).
type ProblemType string

const (
	ErrMalformed           ProblemType = "urn:ietf:params:acme:error:malformed"
	ErrBadNonce            ProblemType = "urn:ietf:params:acme:error:badNonce"
	ErrBadSignatureAlgo    ProblemType = "urn:ietf:params:acme:error:badSignatureAlgorithm"
	ErrUnauthorized        ProblemType = "urn:ietf:params:acme:error:unauthorized"
	ErrAccountDoesNotExist ProblemType = "urn:ietf:params:acme:error:accountDoesNotExist"
	ErrInvalidContact      ProblemType = "urn:ietf:params:acme:error:invalidContact"
	ErrUserActionRequired  ProblemType = "urn:ietf:params:acme:error:userActionRequired"
	ErrOrderNotReady       ProblemType = "urn:ietf:params:acme:error:orderNotReady"
	ErrBadCSR              ProblemType = "urn:ietf:params:acme:error:badCSR"
	ErrRejectedIdentifier  ProblemType = "urn:ietf:params:acme:error:rejectedIdentifier"
	ErrConnection          ProblemType = "urn:ietf:params:acme:error:connection"
	ErrDNS                 ProblemType = "urn:ietf:params:acme:error:dns"
	ErrTLS                 ProblemType = "urn:ietf:params:acme:error:tls"
	ErrIncorrectResponse   ProblemType = "urn:ietf:params:acme:error:incorrectResponse"
	ErrCAA                 ProblemType = "urn:ietf:params:acme:error:caa"
	ErrServerInternal      ProblemType = "urn:ietf:params:acme:error:serverInternal"
	ErrAlreadyRevoked      ProblemType = "urn:ietf:params:acme:error:alreadyRevoked"
	ErrBadRevocationReason ProblemType = "urn:ietf:params:acme:error:badRevocationReason"
)

// defaultStatus is the HTTP status code conventionally paired with
// each problem type when the caller doesn't pick a more specific one.
var defaultStatus = map[ProblemType]int{
	ErrMalformed:           http.StatusBadRequest,
	ErrBadNonce:            http.StatusBadRequest,
	ErrBadSignatureAlgo:    http.StatusBadRequest,
	ErrUnauthorized:        http.StatusUnauthorized,
	ErrAccountDoesNotExist: http.StatusBadRequest,
	ErrInvalidContact:      http.StatusBadRequest,
	ErrUserActionRequired:  http.StatusForbidden,
	ErrOrderNotReady:       http.StatusForbidden,
	ErrBadCSR:              http.StatusBadRequest,
	ErrRejectedIdentifier:  http.StatusBadRequest,
	ErrConnection:          http.StatusBadRequest,
	ErrDNS:                 http.StatusBadRequest,
	ErrTLS:                 http.StatusBadRequest,
	ErrIncorrectResponse:   http.StatusBadRequest,
	ErrCAA:                 http.StatusForbidden,
	ErrServerInternal:      http.StatusInternalServerError,
	ErrAlreadyRevoked:      http.StatusBadRequest,
	ErrBadRevocationReason: http.StatusBadRequest,
}

// Problem is an ACME error: one of the problem types in RFC 8555 §6.7,
// an HTTP status, and a human-readable detail string. It is what
// every component in this package returns instead of a bare error.
// Problem implements error
// so it can still be passed up an ordinary Go error chain; Unwrap
// exposes the underlying cause for components that need it (logging,
// %w formatting) without leaking it into the HTTP response.
type Problem struct {
	Type   ProblemType `json:"type"`
	Status int         `json:"status"`
	Detail string      `json:"detail"`
	cause  error
}

func (p *Problem) Error() string {
	if p.cause != nil {
		return fmt.Sprintf("%s: %s: %v", p.Type, p.Detail, p.cause)
	}
	return fmt.Sprintf("%s: %s", p.Type, p.Detail)
}

func (p *Problem) Unwrap() error { return p.cause }

// NewProblem builds a Problem with the default HTTP status for t.
func NewProblem(t ProblemType, detail string) *Problem {
	return &Problem{Type: t, Status: defaultStatus[t], Detail: detail}
}

// NewProblemf is like NewProblem with a formatted detail string.
func NewProblemf(t ProblemType, format string, args ...any) *Problem {
	return NewProblem(t, fmt.Sprintf(format, args...))
}

// Wrap attaches an internal cause to a serverInternal Problem without
// exposing it in the detail string clients see.
func Wrap(err error, detail string) *Problem {
	return &Problem{Type: ErrServerInternal, Status: http.StatusInternalServerError, Detail: detail, cause: err}
}

// AsProblem unwraps err into a *Problem if it (or something it wraps)
// is one, reporting ok. Callers at the HTTP boundary use this to
// decide whether to surface a client-meaningful error or fall back to
// a generic serverInternal response.
func AsProblem(err error) (*Problem, bool) {
	var p *Problem
	if errors.As(err, &p) {
		return p, true
	}
	return nil, false
}
