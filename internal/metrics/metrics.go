package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	transitions    *prometheus.CounterVec
	scopeFiles     *prometheus.CounterVec
	validationRuns *prometheus.CounterVec
	workerDuration prometheus.Histogram
	inflight       prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scopeline_task_transitions_total",
				Help: "Task status transitions appended to the manifest",
			},
			[]string{"status"},
		),
		scopeFiles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scopeline_scope_files_total",
				Help: "Changed paths by scope enforcement outcome",
			},
			[]string{"action"},
		),
		validationRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scopeline_validation_runs_total",
				Help: "Validation gate runs by verdict",
			},
			[]string{"result"},
		),
		workerDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scopeline_worker_duration_seconds",
				Help:    "Wall-clock duration of worker processes",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2h
			},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "scopeline_tasks_inflight",
				Help: "Tasks currently dispatched, enforcing or validating",
			},
		),
	}
	m.Registry.MustRegister(m.transitions, m.scopeFiles, m.validationRuns, m.workerDuration, m.inflight)
	return m
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ScopeFiles(kept, reverted, deferred int) {
	if m == nil {
		return
	}
	m.scopeFiles.WithLabelValues("kept").Add(float64(kept))
	m.scopeFiles.WithLabelValues("reverted").Add(float64(reverted))
	m.scopeFiles.WithLabelValues("deferred").Add(float64(deferred))
}

func (m *Metrics) Validation(passed bool) {
	if m == nil {
		return
	}
	result := "fail"
	if passed {
		result = "pass"
	}
	m.validationRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) WorkerDone(d time.Duration) {
	if m == nil {
		return
	}
	m.workerDuration.Observe(d.Seconds())
}

func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.inflight.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
