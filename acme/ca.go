package acme

import "context"

// CAHandler is the certificate authority the core drives through
// finalize and revoke. acme/ca/stepca and acme/ca/selfsigned are the
// two concrete adapters this repo ships.
type CAHandler interface {
	// Enroll signs csrDER and returns the full PEM certificate chain.
	Enroll(ctx context.Context, csrDER []byte) (chainPEM []byte, err error)
	// Revoke revokes the certificate identified by certDER for reason
	// (an RFC 5280 CRLReason code).
	Revoke(ctx context.Context, certDER []byte, reason int) error
}

// PollingCAHandler is implemented by CA handlers that issue
// asynchronously: Finalize transitions the order to processing and a
// caller polls until the certificate is ready, instead of the
// synchronous Enroll call blocking for the duration.
type PollingCAHandler interface {
	CAHandler
	// Poll returns the chain if issuance has completed, or ok=false if
	// the request is still pending.
	Poll(ctx context.Context, orderName string) (chainPEM []byte, ok bool, err error)
}
