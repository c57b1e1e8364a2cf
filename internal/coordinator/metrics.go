package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the arbiter's prometheus collectors. They are registered on
// the registerer given to NewMetrics, never on the global one.
type Metrics struct {
	SatellitesAlive *prometheus.GaugeVec
	Transitions     *prometheus.CounterVec
	Pings           *prometheus.CounterVec
	Pushes          *prometheus.CounterVec
	Mismatches      *prometheus.CounterVec
	Parts           *prometheus.GaugeVec
	Reloads         *prometheus.CounterVec
	ReloadErrors    prometheus.Gauge
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SatellitesAlive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vigil",
			Name:      "satellites_alive",
			Help:      "Number of alive satellites by kind.",
		}, []string{"kind"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "satellite_transitions_total",
			Help:      "Alive/dead transitions of satellites.",
		}, []string{"kind", "state"}),
		Pings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "pings_total",
			Help:      "Liveness pings by outcome.",
		}, []string{"outcome"}),
		Pushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "pushes_total",
			Help:      "Configuration pushes by satellite kind and outcome.",
		}, []string{"kind", "outcome"}),
		Mismatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "managed_mismatches_total",
			Help:      "Reconciliation mismatches between a satellite and the registry.",
		}, []string{"kind"}),
		Parts: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vigil",
			Name:      "parts",
			Help:      "Configuration parts by dispatch state.",
		}, []string{"state"}),
		Reloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "reloads_total",
			Help:      "Configuration reloads by result.",
		}, []string{"result"}),
		ReloadErrors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "vigil",
			Name:      "reload_errors",
			Help:      "Configuration errors found by the last reload.",
		}),
	}
}

func (m *Metrics) observeParts(t *PartTable) {
	counts := map[PartState]int{PartUnassigned: 0, PartPendingPush: 0, PartAssigned: 0}
	for _, s := range t.Statuses() {
		counts[s.State]++
	}
	for state, n := range counts {
		m.Parts.WithLabelValues(state.String()).Set(float64(n))
	}
}

func (m *Metrics) observeLinks(links []LinkState) {
	counts := make(map[string]int)
	for _, l := range links {
		if _, ok := counts[string(l.Kind)]; !ok {
			counts[string(l.Kind)] = 0
		}
		if l.Alive {
			counts[string(l.Kind)]++
		}
	}
	for kind, n := range counts {
		m.SatellitesAlive.WithLabelValues(kind).Set(float64(n))
	}
}
