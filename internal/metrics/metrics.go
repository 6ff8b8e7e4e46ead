package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the session core and relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsCreated   prometheus.Counter
	SessionsActive    prometheus.Gauge
	SagaFailures      *prometheus.CounterVec
	SagaCompensations *prometheus.CounterVec
	Joins             *prometheus.CounterVec
	SideEffects       *prometheus.CounterVec
	RelayEvents       *prometheus.CounterVec
	RelayConnections  prometheus.Gauge
	RelayDropped      *prometheus.CounterVec
	RateLimitRejected prometheus.Counter
	HTTPRequests      *prometheus.HistogramVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "coderoom_sessions_created_total",
			Help: "Total number of sessions fully provisioned",
		}),

		// refreshed by the scheduler from the repository
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coderoom_sessions_active",
			Help: "Number of sessions in active status",
		}),

		SagaFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coderoom_saga_failures_total",
			Help: "Provisioning saga failures by failed step",
		}, []string{"step"}),

		SagaCompensations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coderoom_saga_compensations_total",
			Help: "Compensating actions by step and outcome",
		}, []string{"step", "outcome"}),

		Joins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coderoom_joins_total",
			Help: "Join attempts by outcome",
		}, []string{"outcome"}),

		SideEffects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coderoom_side_effects_total",
			Help: "Best-effort external steps by step and outcome",
		}, []string{"step", "outcome"}),

		RelayEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coderoom_relay_events_total",
			Help: "Relay events by type and direction",
		}, []string{"type", "direction"}), // direction: "inbound" or "outbound"

		RelayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coderoom_relay_connections_active",
			Help: "Number of open relay connections",
		}),

		RelayDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coderoom_relay_dropped_total",
			Help: "Relay events dropped by reason",
		}, []string{"reason"}),

		RateLimitRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "coderoom_ratelimit_rejected_total",
			Help: "REST requests rejected by the per-user rate limiter",
		}),

		HTTPRequests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coderoom_http_request_duration_seconds",
			Help:    "REST request latency by route",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"route", "status"}),
	}
}

func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

func (m *Metrics) RecordSagaFailure(step string) {
	if m == nil {
		return
	}
	m.SagaFailures.WithLabelValues(step).Inc()
}

func (m *Metrics) RecordCompensation(step, outcome string) {
	if m == nil {
		return
	}
	m.SagaCompensations.WithLabelValues(step, outcome).Inc()
}

func (m *Metrics) RecordJoin(outcome string) {
	if m == nil {
		return
	}
	m.Joins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordSideEffect(step, outcome string) {
	if m == nil {
		return
	}
	m.SideEffects.WithLabelValues(step, outcome).Inc()
}

func (m *Metrics) RecordRelayEvent(eventType, direction string) {
	if m == nil {
		return
	}
	m.RelayEvents.WithLabelValues(eventType, direction).Inc()
}

func (m *Metrics) RecordRelayConnect() {
	if m == nil {
		return
	}
	m.RelayConnections.Inc()
}

func (m *Metrics) RecordRelayDisconnect() {
	if m == nil {
		return
	}
	m.RelayConnections.Dec()
}

func (m *Metrics) RecordRelayDrop(reason string) {
	if m == nil {
		return
	}
	m.RelayDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitRejected.Inc()
}

func (m *Metrics) ObserveRequest(route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, status).Observe(seconds)
}
