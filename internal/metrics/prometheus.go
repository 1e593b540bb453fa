package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector backed by Prometheus.
type PrometheusCollector struct {
	operations      *prometheus.CounterVec
	operationTime   *prometheus.HistogramVec
	viewers         prometheus.Gauge
	viewersDropped  prometheus.Counter
	eventsPublished *prometheus.CounterVec
	relayErrors     *prometheus.CounterVec
}

var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheus creates the collector and registers it with reg
// (prometheus.DefaultRegisterer when nil). namespace defaults to "modtrack".
func NewPrometheus(reg prometheus.Registerer, namespace string) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "modtrack"
	}

	p := &PrometheusCollector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Engine operations by operation and result (ok, error, or rejection reason).",
		}, []string{"op", "result"}),
		operationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_seconds",
			Help:      "Latency of engine operations including the store commit.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}, []string{"op"}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "viewers",
			Help:      "Currently connected viewers.",
		}),
		viewersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "viewers_dropped_total",
			Help:      "Viewers disconnected because their event buffer overflowed.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "events_total",
			Help:      "Events published by name.",
		}, []string{"event"}),
		relayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "errors_total",
			Help:      "NATS relay failures by stage.",
		}, []string{"stage"}),
	}

	for _, c := range []prometheus.Collector{
		p.operations, p.operationTime, p.viewers, p.viewersDropped, p.eventsPublished, p.relayErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *PrometheusCollector) ObserveOperation(op, result string, d time.Duration) {
	p.operations.WithLabelValues(op, result).Inc()
	p.operationTime.WithLabelValues(op).Observe(d.Seconds())
}

func (p *PrometheusCollector) ViewerConnected()    { p.viewers.Inc() }
func (p *PrometheusCollector) ViewerDisconnected() { p.viewers.Dec() }
func (p *PrometheusCollector) ViewerDropped()      { p.viewersDropped.Inc() }

func (p *PrometheusCollector) EventPublished(name string) {
	p.eventsPublished.WithLabelValues(name).Inc()
}

func (p *PrometheusCollector) RelayError(stage string) {
	p.relayErrors.WithLabelValues(stage).Inc()
}
