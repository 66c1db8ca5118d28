package migration

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts what captures and reconciles did. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Captures      prometheus.Counter
	Captured      prometheus.Counter
	Skipped       prometheus.Counter
	Values        prometheus.Counter
	ValueFailures prometheus.Counter

	Reconciles prometheus.Counter
	Entities   *prometheus.CounterVec
	AlignSteps prometheus.Histogram
}

// NewMetrics builds the collectors and registers them on reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Captures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "handover",
			Subsystem: "capture",
			Name:      "total",
			Help:      "Snapshots taken from shutting down sessions",
		}),
		Captured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "handover",
			Subsystem: "capture",
			Name:      "entities_total",
			Help:      "Entities recorded into snapshots",
		}),
		Skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "handover",
			Subsystem: "capture",
			Name:      "skipped_entities_total",
			Help:      "Entities left out by the include predicate or an unresolved prefab",
		}),
		Values: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "handover",
			Subsystem: "capture",
			Name:      "values_total",
			Help:      "Keyed values evaluated into snapshots",
		}),
		ValueFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "handover",
			Subsystem: "capture",
			Name:      "value_failures_total",
			Help:      "Value producers that failed or panicked and were omitted",
		}),
		Reconciles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "handover",
			Subsystem: "reconcile",
			Name:      "total",
			Help:      "Snapshots reconciled into successor sessions",
		}),
		Entities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "handover",
			Subsystem: "reconcile",
			Name:      "entities_total",
			Help:      "Entities handled by reconcile, by outcome",
		}, []string{"outcome"}),
		AlignSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "handover",
			Subsystem: "reconcile",
			Name:      "align_steps",
			Help:      "Simulation steps taken to align the successor clock",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 64, 256, 1024},
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Captures, m.Captured, m.Skipped, m.Values, m.ValueFailures,
			m.Reconciles, m.Entities, m.AlignSteps,
		)
	}
	return m
}

func (m *Metrics) observeCapture(rep CaptureReport) {
	if m == nil {
		return
	}
	m.Captures.Inc()
	m.Captured.Add(float64(rep.Entities))
	m.Skipped.Add(float64(rep.Skipped))
	m.Values.Add(float64(rep.Values))
	m.ValueFailures.Add(float64(rep.FailedValues))
}

func (m *Metrics) observeReconcile(rep ReconcileReport) {
	if m == nil {
		return
	}
	m.Reconciles.Inc()
	m.Entities.WithLabelValues("resumed").Add(float64(rep.Resumed))
	m.Entities.WithLabelValues("respawned").Add(float64(rep.Respawned))
	m.Entities.WithLabelValues("dropped").Add(float64(rep.Dropped))
	m.AlignSteps.Observe(float64(rep.AlignSteps))
}
