package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hiveroute"

// Metrics contains the routing metrics recorded by the event bus, the filter
// registries and the RPC layer. A nil *Metrics is valid and records nothing.
type Metrics struct {
	EventsPublished     *prometheus.CounterVec
	Deliveries          *prometheus.CounterVec
	DeliveryFailures    *prometheus.CounterVec
	RequestsHandled     *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	PendingCalls        prometheus.Gauge
	UnknownCorrelations prometheus.Counter
	SyncMessages        *prometheus.CounterVec

	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the routing metrics without registering them
func NewMetrics() *Metrics {
	return &Metrics{
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "events_published_total",
			Help:      "Events published to the bus by event type",
		}, []string{"type"}),

		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "deliveries_total",
			Help:      "Responses handed to the dispatcher by routing path (subscription, filter)",
		}, []string{"path"}),

		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "delivery_failures_total",
			Help:      "Responses the dispatcher failed to send by routing path",
		}, []string{"path"}),

		RequestsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Requests dispatched by action and outcome",
		}, []string{"action", "outcome"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Handler execution time by action",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),

		PendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "pending_calls",
			Help:      "Calls waiting for a terminal response",
		}),

		UnknownCorrelations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "unknown_correlations_total",
			Help:      "Responses dropped because no call was pending for their correlation id",
		}),

		SyncMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "sync_messages_total",
			Help:      "Filter registry sync messages by outcome (sent, send_failed, applied, skipped, rejected)",
		}, []string{"outcome"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),

		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "circuit_breaker",
			Help:      "NATS circuit breaker status (0=closed, 1=open)",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.EventsPublished,
		m.Deliveries,
		m.DeliveryFailures,
		m.RequestsHandled,
		m.RequestDuration,
		m.PendingCalls,
		m.UnknownCorrelations,
		m.SyncMessages,
		m.NATSConnected,
		m.NATSReconnects,
		m.NATSCircuitBreaker,
	}
}

// RecordEventPublished counts an event entering the bus
func (m *Metrics) RecordEventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordDelivery counts one send attempt on a routing path
func (m *Metrics) RecordDelivery(path string, err error) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(path).Inc()
	if err != nil {
		m.DeliveryFailures.WithLabelValues(path).Inc()
	}
}

// RecordRequest records a dispatched request
func (m *Metrics) RecordRequest(action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsHandled.WithLabelValues(action, outcome).Inc()
	m.RequestDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// SetPendingCalls updates the pending call gauge
func (m *Metrics) SetPendingCalls(n int) {
	if m == nil {
		return
	}
	m.PendingCalls.Set(float64(n))
}

// RecordUnknownCorrelation counts a dropped response
func (m *Metrics) RecordUnknownCorrelation() {
	if m == nil {
		return
	}
	m.UnknownCorrelations.Inc()
}

// RecordSync counts a sync message outcome
func (m *Metrics) RecordSync(outcome string) {
	if m == nil {
		return
	}
	m.SyncMessages.WithLabelValues(outcome).Inc()
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (m *Metrics) RecordCircuitBreakerState(open bool) {
	if m == nil {
		return
	}
	value := 0.0
	if open {
		value = 1.0
	}
	m.NATSCircuitBreaker.Set(value)
}
