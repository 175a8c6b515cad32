package history

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the engine's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	mutations       *prometheus.CounterVec
	anomalies       *prometheus.CounterVec
	resubscribes    *prometheus.CounterVec
	commandFailures *prometheus.CounterVec
	staleDeliveries prometheus.Counter
	deepFetchers    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scoping",
			Subsystem: "history",
			Name:      "mutations_applied_total",
			Help:      "Mutations applied to the history store, by kind.",
		}, []string{"kind"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scoping",
			Subsystem: "history",
			Name:      "anomalies_total",
			Help:      "Mutations dropped at the store boundary, by reason.",
		}, []string{"reason"}),
		resubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scoping",
			Subsystem: "history",
			Name:      "resubscribes_total",
			Help:      "Subscriptions re-established after a transient error, by source.",
		}, []string{"source"}),
		commandFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scoping",
			Subsystem: "history",
			Name:      "command_failures_total",
			Help:      "Failed command effects, by command.",
		}, []string{"command"}),
		staleDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scoping",
			Subsystem: "history",
			Name:      "stale_deliveries_total",
			Help:      "Events from a cancelled feed generation or a replaced fetcher.",
		}),
		deepFetchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scoping",
			Subsystem: "history",
			Name:      "deep_fetchers",
			Help:      "Open per-item session subscriptions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.mutations, m.anomalies, m.resubscribes, m.commandFailures, m.staleDeliveries, m.deepFetchers)
	}
	return m
}

func (m *Metrics) mutationApplied(kind MutationKind) {
	if m != nil {
		m.mutations.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) anomaly(reason string) {
	if m != nil {
		m.anomalies.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) resubscribed(source string) {
	if m != nil {
		m.resubscribes.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) commandFailed(command string) {
	if m != nil {
		m.commandFailures.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) staleDelivery() {
	if m != nil {
		m.staleDeliveries.Inc()
	}
}

func (m *Metrics) fetcherOpened() {
	if m != nil {
		m.deepFetchers.Inc()
	}
}

func (m *Metrics) fetcherClosed() {
	if m != nil {
		m.deepFetchers.Dec()
	}
}
