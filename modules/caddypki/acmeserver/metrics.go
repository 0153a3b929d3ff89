package acmeserver

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// acmeMetrics follows the caddy convention of one requests_total
// counter vector per HTTP surface, scoped to this module's endpoints.
var acmeMetrics = struct {
	requestCount *prometheus.CounterVec
}{}

func init() {
	const ns = "caddy"
	const sub = "acme_server"
	acmeMetrics.requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "requests_total",
		Help:      "Counter of requests made to ACME server endpoints.",
	}, []string{"route", "code"})
}

// observeRequest records one completed request against route with the
// HTTP status code that was written.
func observeRequest(route string, code int) {
	acmeMetrics.requestCount.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
