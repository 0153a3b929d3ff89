package acme

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"
)

// TriggerPayload is the body POSTed to /trigger by an asynchronous CA
// announcing that a previously submitted CSR has been signed.
// OrderName identifies the order to complete; Certificate is the
// base64url-encoded PEM certificate chain.
type TriggerPayload struct {
	OrderName   string `json:"order"`
	Certificate string `json:"payload"`
}

// TriggerService is an inbound webhook from the CA, for CA handlers
// that issue asynchronously instead of blocking Enroll until the
// certificate is ready.
type TriggerService struct {
	store Store
}

// NewTriggerService returns a TriggerService backed by store.
func NewTriggerService(store Store) *TriggerService {
	return &TriggerService{store: store}
}

// Handle processes a trigger callback: locates the named order, which
// must be awaiting issuance, attaches the signed chain, and
// transitions it to valid.
func (s *TriggerService) Handle(ctx context.Context, body []byte) *Problem {
	var payload TriggerPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return NewProblem(ErrMalformed, "invalid trigger payload")
	}
	if payload.OrderName == "" || payload.Certificate == "" {
		return NewProblem(ErrMalformed, "trigger payload missing order or certificate")
	}

	chain, err := base64.RawURLEncoding.DecodeString(payload.Certificate)
	if err != nil {
		return NewProblem(ErrMalformed, "invalid certificate encoding")
	}

	order, err := s.store.GetOrder(ctx, payload.OrderName)
	if err == ErrNotFound {
		return NewProblem(ErrMalformed, "order not found")
	} else if err != nil {
		return Wrap(err, "loading order")
	}
	if order.Status != OrderProcessing {
		return NewProblem(ErrMalformed, "order is not awaiting issuance")
	}

	cert := &Certificate{Name: newName(), OrderName: order.Name, Chain: chain, IssuedAt: time.Now().UTC()}
	if leaf, err := parseLeafCertificate(chain); err == nil {
		cert.SerialNumber = formatSerial(leaf.SerialNumber)
	}
	if err := s.store.PutCertificate(ctx, cert); err != nil {
		return Wrap(err, "persisting issued certificate")
	}

	order.Status = OrderValid
	order.CertificateName = cert.Name
	if err := s.store.PutOrder(ctx, order); err != nil {
		return Wrap(err, "persisting order")
	}
	return nil
}
