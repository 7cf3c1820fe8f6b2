// Package observability holds the Prometheus instruments and the ops HTTP
// surface (/healthz, /readyz, /metrics).
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Outcomes          *prometheus.CounterVec
	StageErrors       *prometheus.CounterVec
	StageLatency      *prometheus.HistogramVec
	InFlightPipelines prometheus.Gauge
	SegmentsSent      prometheus.Counter
	DatastoreUp       prometheus.Gauge
	DroppedMessages   prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics registers every instrument on a fresh registry, together with
// the Go runtime and process collectors.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := NewMetricsWith(reg, namespace)
	m.registry = reg
	return m
}

// NewMetricsWith registers the instruments on reg.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_outcomes_total",
			Help:      "Handled messages by pipeline result.",
		}, []string{"result"}),
		StageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_errors_total",
			Help:      "Pipeline failures by stage and error category.",
		}, []string{"stage", "category"}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		InFlightPipelines: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_in_flight",
			Help:      "Pipelines currently running.",
		}),
		SegmentsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivered_segments_total",
			Help:      "Reply segments sent to the chat platform.",
		}),
		DatastoreUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "datastore_up",
			Help:      "1 when the last datastore probe succeeded.",
		}),
		DroppedMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_dropped_total",
			Help:      "Inbound messages dropped before a pipeline could start.",
		}),
	}
}

// Gatherer returns the registry backing m, or the default gatherer when m
// was built on an external registerer.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m.registry != nil {
		return m.registry
	}
	return prometheus.DefaultGatherer
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) StageError(stage, category string) {
	m.StageErrors.WithLabelValues(stage, category).Inc()
}

func (m *Metrics) Outcome(result string) {
	m.Outcomes.WithLabelValues(result).Inc()
}

func (m *Metrics) InFlight(delta float64) {
	m.InFlightPipelines.Add(delta)
}

func (m *Metrics) SegmentsDelivered(n int) {
	if n > 0 {
		m.SegmentsSent.Add(float64(n))
	}
}

// SetDatastoreUp records the result of a datastore probe.
func (m *Metrics) SetDatastoreUp(up bool) {
	if up {
		m.DatastoreUp.Set(1)
		return
	}
	m.DatastoreUp.Set(0)
}
