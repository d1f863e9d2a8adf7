package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	eventsRelayed *prometheus.CounterVec
	wakeAttempts  prometheus.Counter
	wakeFailures  prometheus.Counter
	pendingHits   prometheus.Counter
	drainsTotal   prometheus.Counter
	authFailures  prometheus.Counter
	tokensIssued  prometheus.Counter
}

// NewMetrics creates and registers all gateway metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		eventsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callgw_events_relayed_total",
			Help: "Signaling events accepted for relay, by event type",
		}, []string{"type"}),
		wakeAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callgw_wake_attempts_total",
			Help: "Push wake-ups attempted for offline recipients",
		}),
		wakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callgw_wake_failures_total",
			Help: "Push wake-ups that failed to deliver",
		}),
		pendingHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callgw_pending_hits_total",
			Help: "Reconnect reconciliation queries that found a pending invite",
		}),
		drainsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callgw_drains_total",
			Help: "Long-poll drain requests served",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callgw_auth_failures_total",
			Help: "Token requests rejected for bad credentials",
		}),
		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callgw_tokens_issued_total",
			Help: "Bearer tokens issued",
		}),
	}

	reg.MustRegister(
		m.eventsRelayed,
		m.wakeAttempts,
		m.wakeFailures,
		m.pendingHits,
		m.drainsTotal,
		m.authFailures,
		m.tokensIssued,
	)
	return m
}

// Handler returns the HTTP handler serving the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
