// Package metrics exposes the core's in-process Prometheus registry: HTTP
// request metrics for the control plane, and queue/GC/subprocess metrics
// for the worker. Shipping these to an external sink is out of scope;
// this package only renders the local registry for scraping.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the core registers.
type Metrics struct {
	// HTTP metrics (control plane).
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Queue metrics (worker claim loop).
	ClaimsTotal       *prometheus.CounterVec
	ClaimLatency      *prometheus.HistogramVec
	QueueDepth        *prometheus.GaugeVec
	LeaseExpiresTotal *prometheus.CounterVec

	// GC metrics (worker).
	GCEnvironmentsReclaimedTotal *prometheus.CounterVec
	GCRunArtifactsReclaimedTotal *prometheus.CounterVec

	// Subprocess metrics (worker).
	SubprocessExitsTotal    *prometheus.CounterVec
	SubprocessDuration      *prometheus.HistogramVec
	EnvironmentBuildsTotal  *prometheus.CounterVec
}

// New creates a Metrics instance registered against the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer,
// which may be nil to skip registration (used by tests).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ade_http_requests_total",
				Help: "Total number of HTTP requests handled by the control plane.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ade_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		ClaimsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ade_worker_claims_total",
				Help: "Total number of queue rows claimed by this worker.",
			},
			[]string{"scope", "result"},
		),
		ClaimLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ade_worker_claim_latency_seconds",
				Help:    "Time from a row's available_at to the moment it was claimed.",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"scope"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ade_worker_queue_depth",
				Help: "Observed count of queued rows at the last poll.",
			},
			[]string{"scope"},
		),
		LeaseExpiresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ade_worker_lease_expired_total",
				Help: "Total number of rows requeued after their lease expired.",
			},
			[]string{"scope"},
		),
		GCEnvironmentsReclaimedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ade_gc_environments_reclaimed_total",
				Help: "Total number of idle environment rows and venv directories reclaimed.",
			},
			[]string{"result"},
		),
		GCRunArtifactsReclaimedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ade_gc_run_artifacts_reclaimed_total",
				Help: "Total number of aged-out run artifact directories reclaimed.",
			},
			[]string{"result"},
		),
		SubprocessExitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ade_subprocess_exits_total",
				Help: "Total subprocess terminations by scope and exit code.",
			},
			[]string{"scope", "exit_code"},
		),
		SubprocessDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ade_subprocess_duration_seconds",
				Help:    "Subprocess wall-clock duration in seconds.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"scope"},
		),
		EnvironmentBuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ade_environment_builds_total",
				Help: "Total environment build attempts by outcome.",
			},
			[]string{"outcome"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
			m.ClaimsTotal,
			m.ClaimLatency,
			m.QueueDepth,
			m.LeaseExpiresTotal,
			m.GCEnvironmentsReclaimedTotal,
			m.GCRunArtifactsReclaimedTotal,
			m.SubprocessExitsTotal,
			m.SubprocessDuration,
			m.EnvironmentBuildsTotal,
		)
	}
	return m
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordClaim records a claim attempt's outcome ("claimed" or "empty").
func (m *Metrics) RecordClaim(scope, result string) {
	m.ClaimsTotal.WithLabelValues(scope, result).Inc()
}

// ObserveClaimLatency records the age of a row at the moment it was
// claimed (time since it became available).
func (m *Metrics) ObserveClaimLatency(scope string, age time.Duration) {
	m.ClaimLatency.WithLabelValues(scope).Observe(age.Seconds())
}

// SetQueueDepth records the most recently observed queue depth for scope.
func (m *Metrics) SetQueueDepth(scope string, depth int) {
	m.QueueDepth.WithLabelValues(scope).Set(float64(depth))
}

// RecordLeaseExpired records one row requeued after its lease expired.
func (m *Metrics) RecordLeaseExpired(scope string, count int) {
	if count <= 0 {
		return
	}
	m.LeaseExpiresTotal.WithLabelValues(scope).Add(float64(count))
}

// RecordGC records one GC sweep's outcome counts.
func (m *Metrics) RecordGC(counter *prometheus.CounterVec, deleted, skipped, failed int) {
	counter.WithLabelValues("deleted").Add(float64(deleted))
	counter.WithLabelValues("skipped").Add(float64(skipped))
	counter.WithLabelValues("failed").Add(float64(failed))
}

// RecordSubprocessExit records one subprocess termination.
func (m *Metrics) RecordSubprocessExit(scope string, exitCode int, duration time.Duration) {
	m.SubprocessExitsTotal.WithLabelValues(scope, exitCodeLabel(exitCode)).Inc()
	m.SubprocessDuration.WithLabelValues(scope).Observe(duration.Seconds())
}

// RecordEnvironmentBuild records one environment build attempt's outcome.
func (m *Metrics) RecordEnvironmentBuild(outcome string) {
	m.EnvironmentBuildsTotal.WithLabelValues(outcome).Inc()
}

func exitCodeLabel(code int) string {
	switch {
	case code == 0:
		return "0"
	case code == 124:
		return "124"
	default:
		return "nonzero"
	}
}
