// Package metrics exports fabric activity as Prometheus metrics.
package metrics

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/danielpatrickdp/gravity-controller/internal/fabric"
	"github.com/danielpatrickdp/gravity-controller/internal/gravity"
)

const (
	namespace = "gravity"
	subsystem = "fabric"
)

// #region recorder
// Recorder implements fabric.Observer. All metrics are labelled by variable.
type Recorder struct {
	Corrections *prometheus.CounterVec
	Clipped     *prometheus.CounterVec
	Suppressed  *prometheus.CounterVec
	Rejected    *prometheus.CounterVec
	Trips       *prometheus.CounterVec
	Resets      *prometheus.CounterVec

	// BreakerTripped is 1 while a variable's breaker is open.
	BreakerTripped *prometheus.GaugeVec

	// Magnitude is the distribution of |correction| actually applied.
	Magnitude *prometheus.HistogramVec
}

var _ fabric.Observer = (*Recorder)(nil)

// NewRecorder registers the fabric metrics with reg. Use a fresh
// prometheus.NewRegistry() per fabric to avoid duplicate registration.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	counter := func(name, help string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, []string{"variable"})
	}
	return &Recorder{
		Corrections: counter("corrections_total", "Corrections computed by variable"),
		Clipped:     counter("corrections_clipped_total", "Corrections clamped to the maximum magnitude"),
		Suppressed:  counter("corrections_suppressed_total", "Corrections forced to zero by an open breaker"),
		Rejected:    counter("updates_rejected_total", "Learning updates rejected for non-finite input"),
		Trips:       counter("breaker_trips_total", "Breaker trips by variable"),
		Resets:      counter("breaker_resets_total", "Breaker resets by variable"),
		BreakerTripped: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "breaker_tripped",
			Help:      "1 while the variable's breaker is tripped",
		}, []string{"variable"}),
		Magnitude: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "correction_magnitude",
			Help:      "Absolute value of applied corrections",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"variable"}),
	}
}

// ObserveRecord updates counters from one trace record.
func (r *Recorder) ObserveRecord(rec fabric.CorrectionRecord) {
	switch rec.Kind {
	case fabric.RecordCorrection:
		r.Corrections.WithLabelValues(rec.Variable).Inc()
		if rec.Clipped {
			r.Clipped.WithLabelValues(rec.Variable).Inc()
		}
		if rec.Suppressed {
			r.Suppressed.WithLabelValues(rec.Variable).Inc()
			return
		}
		r.Magnitude.WithLabelValues(rec.Variable).Observe(math.Abs(rec.Correction))
	case fabric.RecordRejected:
		r.Rejected.WithLabelValues(rec.Variable).Inc()
	case fabric.RecordTrip:
		r.Trips.WithLabelValues(rec.Variable).Inc()
	case fabric.RecordReset:
		r.Resets.WithLabelValues(rec.Variable).Inc()
	}
}

// ObserveStatus sets the breaker gauge.
func (r *Recorder) ObserveStatus(variable string, st gravity.BreakerStatus) {
	v := 0.0
	if st.State == gravity.BreakerTripped {
		v = 1
	}
	r.BreakerTripped.WithLabelValues(variable).Set(v)
}

// #endregion recorder
