package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cryo-specimen-server/internal/domain"
)

// Import outcomes reported on cryo_imports_total
const (
	OutcomeSuccess = "success"
)

// Metrics holds the prometheus collectors of the specimen core. A nil *Metrics
// records nothing.
type Metrics struct {
	imports        *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	importDuration prometheus.Histogram
	treeFetches    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryo_imports_total",
			Help: "Import and move attempts by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryo_transitions_total",
			Help: "Successful sample status transitions by target status.",
		}, []string{"to"}),
		importDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cryo_import_duration_seconds",
			Help:    "Latency of the import check-then-write unit.",
			Buckets: prometheus.DefBuckets,
		}),
		treeFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryo_location_fetches_total",
			Help: "Location tree fetches against the store by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.imports, m.transitions, m.importDuration, m.treeFetches)
	}
	return m
}

// ObserveImport records the outcome of an import attempt
func (m *Metrics) ObserveImport(err error, started time.Time) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = domain.ErrorCode(err)
	}
	m.imports.WithLabelValues(outcome).Inc()
	m.importDuration.Observe(time.Since(started).Seconds())
}

// ObserveTransition counts a successful status change
func (m *Metrics) ObserveTransition(to domain.SampleStatus) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(to)).Inc()
}

// ObserveFetch counts a location store round trip
func (m *Metrics) ObserveFetch(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.treeFetches.WithLabelValues(result).Inc()
}
