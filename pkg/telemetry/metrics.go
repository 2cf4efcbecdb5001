package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for convergence cycles.
// All Record methods are safe to call on a nil or disabled instance.
type Metrics struct {
	config MetricsConfig

	cyclesTotal   *prometheus.CounterVec
	cycleDuration prometheus.Histogram

	jobResults  *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec

	fetchErrors *prometheus.CounterVec

	jobsLoaded  prometheus.Gauge
	lastSuccess prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Total number of convergence cycles by outcome",
			},
			[]string{"outcome"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of convergence cycles in seconds",
				Buckets:   buckets,
			},
		),
		jobResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_results_total",
				Help:      "Total number of job results by component and status",
			},
			[]string{"component", "status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of job executions in seconds",
				Buckets:   buckets,
			},
			[]string{"component"},
		),
		fetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_errors_total",
				Help:      "Total number of errors while loading jobs by kind",
			},
			[]string{"kind"},
		),
		jobsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_loaded",
				Help:      "Number of jobs loaded in the most recent cycle",
			},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last cycle that finished without errors",
			},
		),
	}

	registry.MustRegister(
		m.cyclesTotal,
		m.cycleDuration,
		m.jobResults,
		m.jobDuration,
		m.fetchErrors,
		m.jobsLoaded,
		m.lastSuccess,
	)

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordCycle records a finished cycle. Outcome is "ok" or "failed".
func (m *Metrics) RecordCycle(outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.cyclesTotal.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(duration.Seconds())
}

// RecordJob records the outcome of one job.
func (m *Metrics) RecordJob(component, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.jobResults.WithLabelValues(component, status).Inc()
	m.jobDuration.WithLabelValues(component).Observe(duration.Seconds())
}

// RecordFetchError records a cycle-level error by kind.
func (m *Metrics) RecordFetchError(kind string) {
	if !m.enabled() {
		return
	}
	m.fetchErrors.WithLabelValues(kind).Inc()
}

// SetJobsLoaded sets the number of jobs resolved in the current cycle.
func (m *Metrics) SetJobsLoaded(count int) {
	if !m.enabled() {
		return
	}
	m.jobsLoaded.Set(float64(count))
}

// SetLastSuccess records the completion time of a successful cycle.
func (m *Metrics) SetLastSuccess(t time.Time) {
	if !m.enabled() {
		return
	}
	m.lastSuccess.Set(float64(t.Unix()))
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
