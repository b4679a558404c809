package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/engine"
)

// Metrics are the runtime's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	CommandsTotal   *prometheus.CounterVec
	PersistSeconds  *prometheus.HistogramVec
	ActiveEntities  *prometheus.GaugeVec
	ReplayedEvents  *prometheus.CounterVec
	SnapshotsTotal  *prometheus.CounterVec
	ActivationTotal *prometheus.CounterVec
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics builds and registers the runtime collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fulfillment_commands_total", Help: "Commands handled by outcome."},
			[]string{"kind", "outcome"},
		),
		PersistSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fulfillment_persist_duration_seconds",
				Help:    "Journal append latency including retries.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"kind"},
		),
		ActiveEntities: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "fulfillment_active_entities", Help: "Live aggregate actors."},
			[]string{"kind"},
		),
		ReplayedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fulfillment_replayed_events_total", Help: "Events folded during recovery."},
			[]string{"kind"},
		),
		SnapshotsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fulfillment_snapshots_total", Help: "Snapshots saved."},
			[]string{"kind"},
		),
		ActivationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fulfillment_activations_total", Help: "Aggregate actors spawned."},
			[]string{"kind"},
		),
	}
	reg.MustRegister(m.CommandsTotal, m.PersistSeconds, m.ActiveEntities, m.ReplayedEvents, m.SnapshotsTotal, m.ActivationTotal)
	return m
}

func (m *Metrics) PersistDuration(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.PersistSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) SnapshotSaved(kind string) {
	if m == nil {
		return
	}
	m.SnapshotsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) command(kind, outcome string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) replayed(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReplayedEvents.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) entityActivated(kind string) {
	if m == nil {
		return
	}
	m.ActivationTotal.WithLabelValues(kind).Inc()
	m.ActiveEntities.WithLabelValues(kind).Inc()
}

func (m *Metrics) entityStopped(kind string) {
	if m == nil {
		return
	}
	m.ActiveEntities.WithLabelValues(kind).Dec()
}
