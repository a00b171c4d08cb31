// Package metrics exposes Prometheus instrumentation for the delegation
// service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the service collectors. All counters are registered on the
// registry passed to New, which the management server serves at /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	TokensIssued   *prometheus.CounterVec
	TokensRevoked  prometheus.Counter
	Introspections *prometheus.CounterVec
	Denials        *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
}

// New creates and registers the service collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		TokensIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delegation_tokens_issued_total",
			Help: "Tokens minted, partitioned by type (delegation, access).",
		}, []string{"type"}),
		TokensRevoked: factory.NewCounter(prometheus.CounterOpts{
			Name: "delegation_tokens_revoked_total",
			Help: "Tokens explicitly revoked.",
		}),
		Introspections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delegation_introspections_total",
			Help: "Introspection calls, partitioned by outcome (active, inactive).",
		}, []string{"outcome"}),
		Denials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delegation_denials_total",
			Help: "Security-relevant denials, partitioned by reason.",
		}, []string{"reason"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delegation_http_requests_total",
			Help: "HTTP requests, partitioned by handler and status class.",
		}, []string{"handler", "status"}),
	}
}
