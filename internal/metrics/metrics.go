// Package metrics exports synchronizer activity to Prometheus.
//
// A Metrics value is both an engine.Observer and a config.StatusSink, so it
// hangs off a synchronizer the same way the trace recorder does.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/fidsync/internal/engine"
	"github.com/roach88/fidsync/internal/fiducial"
)

// Metrics holds the collectors of one registry.
//
// Thread-safety: safe for concurrent use.
type Metrics struct {
	gatherer prometheus.Gatherer

	locked      *prometheus.GaugeVec
	statusCell  *prometheus.GaugeVec
	sessions    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	offset      *prometheus.HistogramVec
}

// New registers the fidsync collectors with reg. A nil reg uses a fresh
// private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,

		// locked is 1 while the device is Verifying or Locked
		locked: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fidsync_locked",
			Help: "Lock status per device (1 = in sync)",
		}, []string{"device"}),

		// statusCell mirrors the named status cells
		statusCell: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fidsync_status_cell",
			Help: "Last value published to each status cell",
		}, []string{"cell"}),

		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fidsync_sessions_total",
			Help: "Synchronizer sessions started per device",
		}, []string{"device"}),

		// transitions counts state changes by target phase and reason
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fidsync_transitions_total",
			Help: "State transitions by device, target phase and reason",
		}, []string{"device", "to", "reason"}),

		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fidsync_deliveries_total",
			Help: "Datums delivered with a fiducial, per device",
		}, []string{"device"}),

		// offset tracks how far each delivered fiducial sits from the
		// delayed fiducial
		offset: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fidsync_delivery_offset_fiducials",
			Help:    "Diff(fiducial, delayed fiducial) of each delivery",
			Buckets: []float64{-6, -4, -3, -2, -1, 0, 1, 2, 3, 4, 6},
		}, []string{"device"}),
	}
}

// SessionStarted implements engine.Observer.
func (m *Metrics) SessionStarted(s engine.Session) {
	m.sessions.WithLabelValues(s.Device).Inc()
	m.locked.WithLabelValues(s.Device).Set(0)
}

// Transition implements engine.Observer.
func (m *Metrics) Transition(t engine.Transition) {
	reason := string(t.Reason)
	if reason == "" {
		reason = "none"
	}
	m.transitions.WithLabelValues(t.Device, t.To.Phase.String(), reason).Inc()
	m.locked.WithLabelValues(t.Device).Set(boolGauge(t.To.InSync()))
}

// Delivered implements engine.Observer.
func (m *Metrics) Delivered(d engine.Delivery) {
	m.deliveries.WithLabelValues(d.Device).Inc()
	m.offset.WithLabelValues(d.Device).Observe(float64(fiducial.Diff(d.Fiducial, d.Delayed)))
}

// PublishLock implements config.StatusSink.
func (m *Metrics) PublishLock(cell string, locked bool) {
	m.statusCell.WithLabelValues(cell).Set(boolGauge(locked))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
