// Package metrics exposes Prometheus metrics for the frame loop and the dispatcher.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "intrusion"

// Metrics owns a private registry so tests and multiple instances do not collide.
type Metrics struct {
	registry *prometheus.Registry

	Frames         prometheus.Counter
	ReadErrors     prometheus.Counter
	InferenceTime  prometheus.Histogram
	PeopleInRegion prometheus.Gauge
	AlertBursts    prometheus.Counter
	StatePublishes prometheus.Counter
	CountPublishes prometheus.Counter
	jobsSubmitted  *prometheus.CounterVec
	jobsDropped    *prometheus.CounterVec
	jobsFailed     *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
}

// New registers all metrics. connected may be nil when telemetry is disabled.
func New(connected func() bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_total",
			Help: "Frames evaluated by the frame loop.",
		}),
		ReadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frame_read_errors_total",
			Help: "Frame reads that failed and were retried.",
		}),
		InferenceTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "inference_seconds",
			Help:    "Time spent in person detection per frame.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		PeopleInRegion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "people_in_region",
			Help: "People whose centroid is inside the region on the last frame.",
		}),
		AlertBursts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "alert_bursts_total",
			Help: "Alert bursts triggered.",
		}),
		StatePublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "state_changes_total",
			Help: "Alarm state changes emitted.",
		}),
		CountPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "count_publishes_total",
			Help: "Occupancy counts emitted.",
		}),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "submitted_total",
			Help: "Jobs accepted by the dispatcher.",
		}, []string{"kind"}),
		jobsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "dropped_total",
			Help: "Jobs dropped because the queue was full or closed.",
		}, []string{"kind"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "failed_total",
			Help: "Jobs that returned an error.",
		}, []string{"kind"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "job_seconds",
			Help:    "Duration of successful jobs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.Frames, m.ReadErrors, m.InferenceTime, m.PeopleInRegion,
		m.AlertBursts, m.StatePublishes, m.CountPublishes,
		m.jobsSubmitted, m.jobsDropped, m.jobsFailed, m.jobDuration,
	)

	if connected != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace, Name: "telemetry_connected",
				Help: "1 when the broker connection is up.",
			},
			func() float64 {
				if connected() {
					return 1
				}
				return 0
			},
		))
	}

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WatchQueue registers a gauge reporting the number of jobs waiting in the
// dispatcher queue.
func (m *Metrics) WatchQueue(pending func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace, Name: "dispatch_queue_depth",
			Help: "Jobs waiting for a dispatcher worker.",
		},
		func() float64 { return float64(pending()) },
	))
}

// Submitted implements dispatch.Observer.
func (m *Metrics) Submitted(kind string) { m.jobsSubmitted.WithLabelValues(kind).Inc() }

// Dropped implements dispatch.Observer.
func (m *Metrics) Dropped(kind string) { m.jobsDropped.WithLabelValues(kind).Inc() }

// Failed implements dispatch.Observer.
func (m *Metrics) Failed(kind string) { m.jobsFailed.WithLabelValues(kind).Inc() }

// Completed implements dispatch.Observer.
func (m *Metrics) Completed(kind string, took time.Duration) {
	m.jobDuration.WithLabelValues(kind).Observe(took.Seconds())
}
