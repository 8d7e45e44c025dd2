package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/hiveroute/metric"
)

type ringMetrics struct {
	published     prometheus.Counter
	taken         prometheus.Counter
	producerWaits prometheus.Counter
	size          prometheus.Gauge
	utilization   prometheus.Gauge
}

func newRingMetrics(registry *metric.MetricsRegistry, prefix string) (*ringMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	m := &ringMetrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hiveroute",
			Subsystem:   "ring",
			Name:        "published_total",
			ConstLabels: labels,
			Help:        "Items accepted by the ring buffer",
		}),
		taken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hiveroute",
			Subsystem:   "ring",
			Name:        "taken_total",
			ConstLabels: labels,
			Help:        "Items handed to consumers",
		}),
		producerWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hiveroute",
			Subsystem:   "ring",
			Name:        "producer_waits_total",
			ConstLabels: labels,
			Help:        "Times a producer found the ring full and had to wait",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hiveroute",
			Subsystem:   "ring",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Items currently buffered",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hiveroute",
			Subsystem:   "ring",
			Name:        "utilization",
			ConstLabels: labels,
			Help:        "Ring fill ratio (0.0 to 1.0)",
		}),
	}

	if err := registry.RegisterCounter(prefix, "ring_published", m.published); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "ring_taken", m.taken); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "ring_producer_waits", m.producerWaits); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "ring_size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "ring_utilization", m.utilization); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ringMetrics) recordPublish(size, capacity int) {
	if m == nil {
		return
	}
	m.published.Inc()
	m.updateSize(size, capacity)
}

func (m *ringMetrics) recordTake(size, capacity int) {
	if m == nil {
		return
	}
	m.taken.Inc()
	m.updateSize(size, capacity)
}

func (m *ringMetrics) recordProducerWait() {
	if m == nil {
		return
	}
	m.producerWaits.Inc()
}

func (m *ringMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
