package acmeserver

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/caddyserver/acmeserver/acme"
)

// writeProblem serializes p as application/problem+json (RFC 8555
// §6.7). The status is carried on the error value rather than decided
// ad hoc at each call site.
func writeProblem(w http.ResponseWriter, logger *zap.Logger, p *acme.Problem) {
	status := p.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil && logger != nil {
		logger.Error("failed to encode problem response", zap.Error(err))
	}
	if logger != nil && status >= http.StatusInternalServerError {
		logger.Error("acme request failed", zap.String("type", string(p.Type)), zap.String("detail", p.Detail))
	}
}
