package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hookd"

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	events          *prometheus.CounterVec
	requests        *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	failures        prometheus.Counter
	pending         prometheus.Gauge
	correlation     *prometheus.CounterVec
	debounced       prometheus.Counter
	relayedMessages *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Hook events decoded, by event name and agent.",
		}, []string{"event", "agent"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_requests_total",
			Help:      "Permission requests by resolution outcome.",
		}, []string{"outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_decisions_total",
			Help:      "Decisions written back to hook clients.",
		}, []string{"decision"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_failures_total",
			Help:      "Permission requests reported as failed (timeout, disconnect, write error).",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_permissions",
			Help:      "Permission requests currently waiting for a decision.",
		}),
		correlation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_lookups_total",
			Help:      "Tool-use id cache lookups for permission requests without an id.",
		}, []string{"result"}),
		debounced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debounced_events_total",
			Help:      "Non-critical events superseded before delivery.",
		}),
		relayedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Messages exchanged with the relay, by direction and type.",
		}, []string{"direction", "type"}),
	}
	m.registry.MustRegister(
		m.events, m.requests, m.decisions, m.failures, m.pending,
		m.correlation, m.debounced, m.relayedMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Event(event, agent string) {
	if m == nil {
		return
	}
	if agent == "" {
		agent = "unknown"
	}
	m.events.WithLabelValues(event, agent).Inc()
}

// Outcomes for PermissionRequest.
const (
	OutcomePending     = "pending"
	OutcomeAutoAllowed = "auto_allowed"
	OutcomeDuplicate   = "duplicate"
)

func (m *Metrics) PermissionRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Decision(decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) PermissionFailure() {
	if m == nil {
		return
	}
	m.failures.Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) CorrelationLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.correlation.WithLabelValues(result).Inc()
}

func (m *Metrics) Debounced() {
	if m == nil {
		return
	}
	m.debounced.Inc()
}

func (m *Metrics) Relayed(direction, msgType string) {
	if m == nil {
		return
	}
	m.relayedMessages.WithLabelValues(direction, msgType).Inc()
}
