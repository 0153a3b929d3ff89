package acme

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// DefaultOrderTTL and DefaultAuthorizationTTL are the expiry windows
// applied to newly created orders and authorizations when the caller
// doesn't override them.
const (
	DefaultOrderTTL         = 7 * 24 * time.Hour
	DefaultAuthorizationTTL = 7 * 24 * time.Hour
)

// DefaultCATimeout bounds a single CA enroll call.
const DefaultCATimeout = 120 * time.Second

// NewOrderPayload is the request body of POST /acme/neworders
// (RFC 8555 §7.4).
type NewOrderPayload struct {
	Identifiers []Identifier `json:"identifiers"`
	NotBefore   string       `json:"notBefore,omitempty"`
	NotAfter    string       `json:"notAfter,omitempty"`
}

// FinalizePayload is the request body POSTed to an order's finalize
// URL (RFC 8555 §7.4).
type FinalizePayload struct {
	CSR string `json:"csr"` // base64url DER
}

// OrderView is the JSON representation of an Order (RFC 8555 §7.1.3).
type OrderView struct {
	Status         OrderStatus  `json:"status"`
	Expires        string       `json:"expires,omitempty"`
	Identifiers    []Identifier `json:"identifiers"`
	NotBefore      string       `json:"notBefore,omitempty"`
	NotAfter       string       `json:"notAfter,omitempty"`
	Error          *Problem     `json:"error,omitempty"`
	Authorizations []string     `json:"authorizations"`
	Finalize       string       `json:"finalize"`
	Certificate    string       `json:"certificate,omitempty"`
}

// OrderService creates orders, tracks their state, and finalizes them
// against a CSR (RFC 8555 §7.4).
type OrderService struct {
	store          Store
	urls           URLBuilder
	ca             CAHandler
	policy         IdentifierPolicy
	challengeTypes []ChallengeType
	allowWildcard  bool
	orderTTL       time.Duration
	authzTTL       time.Duration
	caTimeout      time.Duration
}

// OrderServiceConfig configures an OrderService.
type OrderServiceConfig struct {
	Store          Store
	URLs           URLBuilder
	CA             CAHandler
	Policy         IdentifierPolicy // nil uses AllowAllPolicy
	ChallengeTypes []ChallengeType  // nil uses all three types
	AllowWildcard    bool
	OrderTTL         time.Duration // <= 0 uses DefaultOrderTTL
	AuthorizationTTL time.Duration // <= 0 uses DefaultAuthorizationTTL
	CATimeout        time.Duration // <= 0 uses DefaultCATimeout
}

// NewOrderService returns an OrderService from cfg.
func NewOrderService(cfg OrderServiceConfig) *OrderService {
	if cfg.Policy == nil {
		cfg.Policy = AllowAllPolicy{}
	}
	if len(cfg.ChallengeTypes) == 0 {
		cfg.ChallengeTypes = []ChallengeType{ChallengeHTTP01, ChallengeDNS01, ChallengeTLSALPN01}
	}
	if cfg.OrderTTL <= 0 {
		cfg.OrderTTL = DefaultOrderTTL
	}
	if cfg.AuthorizationTTL <= 0 {
		cfg.AuthorizationTTL = DefaultAuthorizationTTL
	}
	if cfg.CATimeout <= 0 {
		cfg.CATimeout = DefaultCATimeout
	}
	return &OrderService{
		store:          cfg.Store,
		urls:           cfg.URLs,
		ca:             cfg.CA,
		policy:         cfg.Policy,
		challengeTypes: cfg.ChallengeTypes,
		allowWildcard:  cfg.AllowWildcard,
		orderTTL:       cfg.OrderTTL,
		authzTTL:       cfg.AuthorizationTTL,
		caTimeout:      cfg.CATimeout,
	}
}

// New implements newOrder: validates identifiers, creates the order
// in status pending, and one Authorization per identifier each
// populated with one Challenge per configured type.
func (s *OrderService) New(ctx context.Context, accountName string, env *Envelope) (*Order, *Problem) {
	var payload NewOrderPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, NewProblem(ErrMalformed, "invalid order payload")
	}
	if len(payload.Identifiers) == 0 {
		return nil, NewProblem(ErrMalformed, "identifiers must not be empty")
	}
	for _, id := range payload.Identifiers {
		if id.Type != IdentifierDNS {
			return nil, NewProblemf(ErrRejectedIdentifier, "unsupported identifier type: %s", id.Type)
		}
		wildcard := strings.HasPrefix(id.Value, "*.")
		if wildcard && !s.allowWildcard {
			return nil, NewProblemf(ErrRejectedIdentifier, "wildcard identifiers are not allowed: %s", id.Value)
		}
		name := id.Value
		if wildcard {
			name = strings.TrimPrefix(name, "*.")
		}
		if !isValidDNSName(name) {
			return nil, NewProblemf(ErrRejectedIdentifier, "invalid DNS identifier: %s", id.Value)
		}
		if p := s.policy.IsAllowed(id); p != nil {
			return nil, p
		}
	}

	now := time.Now()
	order := &Order{
		Name:        newName(),
		AccountName: accountName,
		Identifiers: payload.Identifiers,
		Status:      OrderPending,
		Expires:     now.Add(s.orderTTL),
	}
	if payload.NotBefore != "" {
		if t, err := time.Parse(time.RFC3339, payload.NotBefore); err == nil {
			order.NotBefore = t
		}
	}
	if payload.NotAfter != "" {
		if t, err := time.Parse(time.RFC3339, payload.NotAfter); err == nil {
			order.NotAfter = t
		}
	}

	for _, id := range payload.Identifiers {
		authz := &Authorization{
			Name:       newName(),
			OrderName:  order.Name,
			Identifier: Identifier{Type: IdentifierDNS, Value: strings.TrimPrefix(id.Value, "*.")},
			Wildcard:   strings.HasPrefix(id.Value, "*."),
			Status:     AuthorizationPending,
			Expires:    now.Add(s.authzTTL),
		}
		for _, ct := range s.challengeTypes {
			token, err := newToken()
			if err != nil {
				return nil, Wrap(err, "generating challenge token")
			}
			challenge := &Challenge{
				Name:              newName(),
				AuthorizationName: authz.Name,
				Type:              ct,
				Token:             token,
				Status:            ChallengePending,
			}
			if err := s.store.PutChallenge(ctx, challenge); err != nil {
				return nil, Wrap(err, "persisting challenge")
			}
			authz.ChallengeNames = append(authz.ChallengeNames, challenge.Name)
		}
		if err := s.store.PutAuthorization(ctx, authz); err != nil {
			return nil, Wrap(err, "persisting authorization")
		}
		order.AuthorizationNames = append(order.AuthorizationNames, authz.Name)
	}

	if err := s.store.PutOrder(ctx, order); err != nil {
		return nil, Wrap(err, "persisting order")
	}
	return order, nil
}

// Get implements POST-as-GET on /acme/order/{name}, refreshing the
// cached status from its authorizations before returning.
func (s *OrderService) Get(ctx context.Context, name string) (*Order, *Problem) {
	order, err := s.loadAndRefresh(ctx, name)
	if err == ErrNotFound {
		return nil, NewProblem(ErrMalformed, "order not found")
	} else if err != nil {
		return nil, Wrap(err, "loading order")
	}
	return order, nil
}

func (s *OrderService) loadAndRefresh(ctx context.Context, name string) (*Order, error) {
	order, err := s.store.GetOrder(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := s.refreshStatus(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// refreshStatus recomputes order.Status from its authorizations,
// persisting the result if it changed. The status is monotonic: once
// valid or invalid, refreshStatus never revisits it.
func (s *OrderService) refreshStatus(ctx context.Context, order *Order) error {
	if order.Status == OrderValid || order.Status == OrderInvalid {
		return nil
	}

	statuses := make([]AuthorizationStatus, 0, len(order.AuthorizationNames))
	for _, name := range order.AuthorizationNames {
		authz, err := s.store.GetAuthorization(ctx, name)
		if err != nil {
			return err
		}
		statuses = append(statuses, effectiveAuthorizationStatus(authz))
	}

	derived := DeriveOrderStatus(statuses, order.CSR != nil, order.Status)
	if derived != order.Status {
		order.Status = derived
		return s.store.PutOrder(ctx, order)
	}
	return nil
}

// DeriveOrderStatus implements the order state machine of RFC 8555
// §7.1.6: pending (any auth pending), ready (all valid, no CSR yet),
// processing (CSR received), then valid or invalid. current is the
// previously-cached status, preserved when it is already processing
// (CA issuance in flight is driven by Finalize/Trigger, not by a
// read).
func DeriveOrderStatus(authzStatuses []AuthorizationStatus, hasCSR bool, current OrderStatus) OrderStatus {
	if current == OrderProcessing || current == OrderValid || current == OrderInvalid {
		return current
	}
	for _, st := range authzStatuses {
		if st == AuthorizationInvalid || st == AuthorizationDeactivated || st == AuthorizationRevoked || st == AuthorizationExpired {
			return OrderInvalid
		}
	}
	for _, st := range authzStatuses {
		if st != AuthorizationValid {
			return OrderPending
		}
	}
	if hasCSR {
		return OrderProcessing
	}
	return OrderReady
}

// effectiveAuthorizationStatus projects expiry onto the stored
// status: expiry is soft, so a stale record must still read as
// expired even before housekeeping sweeps it.
func effectiveAuthorizationStatus(a *Authorization) AuthorizationStatus {
	if a.Status == AuthorizationPending && !a.Expires.IsZero() && time.Now().After(a.Expires) {
		return AuthorizationExpired
	}
	return a.Status
}

// Finalize implements finalize (RFC 8555 §7.4): validates the order
// is ready and the CSR's identifier set matches, then invokes the CA
// handler.
func (s *OrderService) Finalize(ctx context.Context, name string, env *Envelope) (*Order, *Problem) {
	order, err := s.loadAndRefresh(ctx, name)
	if err == ErrNotFound {
		return nil, NewProblem(ErrMalformed, "order not found")
	} else if err != nil {
		return nil, Wrap(err, "loading order")
	}
	if order.Status != OrderReady {
		return nil, NewProblem(ErrOrderNotReady, "order is not ready to be finalized")
	}

	var payload FinalizePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, NewProblem(ErrMalformed, "invalid finalize payload")
	}
	csr, err := decodeCSR(payload.CSR)
	if err != nil {
		return nil, NewProblem(ErrBadCSR, "invalid CSR encoding")
	}

	csrNames := csrDNSNames(csr)
	if !sameIdentifierSet(csrNames, order.Identifiers) {
		return nil, NewProblem(ErrBadCSR, "CSR SAN set does not match order identifiers")
	}

	order.CSR = csr.der
	order.Status = OrderProcessing
	if err := s.store.PutOrder(ctx, order); err != nil {
		return nil, Wrap(err, "persisting order")
	}

	go s.issue(order.Name, csr.der)

	return order, nil
}

// issue invokes the CA handler and commits the resulting terminal
// transition. It runs detached from the finalize request, so a client
// disconnect doesn't abort a CA call already in progress; the only
// bound is the CA call timeout, and a timed-out enrollment surfaces
// on the order as an invalid status with an error record, like any
// other CA failure.
func (s *OrderService) issue(orderName string, der []byte) {
	ctx := context.Background()
	order, err := s.store.GetOrder(ctx, orderName)
	if err != nil {
		return
	}
	enrollCtx, cancel := context.WithTimeout(ctx, s.caTimeout)
	chain, err := s.ca.Enroll(enrollCtx, der)
	cancel()
	if err != nil {
		order.Status = OrderInvalid
		order.Error = toProblem(err)
		_ = s.store.PutOrder(ctx, order)
		return
	}
	cert := &Certificate{Name: newName(), OrderName: order.Name, Chain: chain, IssuedAt: time.Now()}
	if leaf, err := parseLeafCertificate(chain); err == nil {
		cert.SerialNumber = formatSerial(leaf.SerialNumber)
	}
	if err := s.store.PutCertificate(ctx, cert); err != nil {
		order.Status = OrderInvalid
		order.Error = Wrap(err, "persisting issued certificate")
		_ = s.store.PutOrder(ctx, order)
		return
	}
	order.Status = OrderValid
	order.CertificateName = cert.Name
	_ = s.store.PutOrder(ctx, order)
}

func toProblem(err error) *Problem {
	if p, ok := AsProblem(err); ok {
		return p
	}
	return Wrap(err, "certificate authority rejected the request")
}

// View renders order as the JSON body clients receive.
func (s *OrderService) View(order *Order) OrderView {
	v := OrderView{
		Status:         order.Status,
		Identifiers:    order.Identifiers,
		Error:          order.Error,
		Authorizations: make([]string, len(order.AuthorizationNames)),
		Finalize:       s.urls.OrderFinalizeURL(order.Name),
	}
	if !order.Expires.IsZero() {
		v.Expires = order.Expires.UTC().Format(time.RFC3339)
	}
	if !order.NotBefore.IsZero() {
		v.NotBefore = order.NotBefore.UTC().Format(time.RFC3339)
	}
	if !order.NotAfter.IsZero() {
		v.NotAfter = order.NotAfter.UTC().Format(time.RFC3339)
	}
	for i, name := range order.AuthorizationNames {
		v.Authorizations[i] = s.urls.AuthorizationURL(name)
	}
	if order.CertificateName != "" {
		v.Certificate = s.urls.CertificateURL(order.CertificateName)
	}
	return v
}

// isValidDNSName reports whether name is a syntactically valid DNS
// name: dot-separated labels of 1-63 LDH characters, total length
// <= 253, no leading/trailing dot.
func isValidDNSName(name string) bool {
	if name == "" || len(name) > 253 || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	labels := strings.Split(name, ".")
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			isLDH := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-'
			if !isLDH {
				return false
			}
		}
	}
	return true
}

// sameIdentifierSet reports whether the CSR's SubjectAltName set
// equals the order's identifier set, comparing DNS names
// case-insensitively and ignoring order.
func sameIdentifierSet(csrNames []string, identifiers []Identifier) bool {
	if len(csrNames) != len(identifiers) {
		return false
	}
	want := make(map[string]int, len(identifiers))
	for _, id := range identifiers {
		want[strings.ToLower(id.Value)]++
	}
	for _, n := range csrNames {
		key := strings.ToLower(n)
		if want[key] == 0 {
			return false
		}
		want[key]--
	}
	return true
}
