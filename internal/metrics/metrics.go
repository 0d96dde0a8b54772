// Package metrics provides the Prometheus observability sink of the resource
// buffer service.
//
// Metrics implements engine.Observer, service.HandoutObserver and the job
// observers. A disabled instance accepts every call and records nothing.
//
// Import Path: rbs.io/buffer/internal/metrics
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rbs.io/buffer/internal/domain"
	"rbs.io/buffer/internal/engine"
)

// Config controls metric registration.
type Config struct {
	Enabled   bool
	Namespace string
}

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Pool metrics
	resources   *prometheus.GaugeVec
	poolTarget  *prometheus.GaugeVec
	readyRatio  *prometheus.GaugeVec
	poolActive  *prometheus.GaugeVec
	pendingWork *prometheus.GaugeVec

	// Handout metrics
	handouts *prometheus.CounterVec

	// Flight metrics
	steps            *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	flightsFinished  *prometheus.CounterVec
	flightsRecovered *prometheus.CounterVec

	// Job metrics
	flightsSubmitted *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
	cleanupPublished *prometheus.CounterVec
}

// New creates a Metrics instance. A disabled config returns a no-op instance.
func New(cfg Config) *Metrics {
	if !cfg.Enabled {
		return &Metrics{}
	}
	ns := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		resources: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "pool_resources",
				Help:      "Resources per pool by lifecycle state",
			},
			[]string{"pool_id", "state"},
		),
		poolTarget: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "pool_target_size",
				Help:      "Configured target size per pool",
			},
			[]string{"pool_id"},
		),
		readyRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "pool_ready_ratio",
				Help:      "READY resources divided by target size",
			},
			[]string{"pool_id"},
		),
		poolActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "pool_active",
				Help:      "1 if the pool is ACTIVE, 0 if DEACTIVATED",
			},
			[]string{"pool_id"},
		),
		pendingWork: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "pool_pending_flights",
				Help:      "Running flights not yet reflected in resource states",
			},
			[]string{"pool_id", "flight_type"},
		),

		handouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "handout_requests_total",
				Help:      "Handout requests by pool and outcome",
			},
			[]string{"pool_id", "outcome"},
		),

		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "flight_steps_total",
				Help:      "Step invocations by flight type, step, direction and outcome",
			},
			[]string{"flight_type", "step", "direction", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "flight_step_duration_seconds",
				Help:      "Duration of one step invocation",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"flight_type", "step", "direction"},
		),
		flightsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "flights_finished_total",
				Help:      "Flights reaching a terminal status",
			},
			[]string{"flight_type", "status"},
		),
		flightsRecovered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "flights_recovered_total",
				Help:      "Flights resumed by crash recovery",
			},
			[]string{"flight_type"},
		),

		flightsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "reconciler_flights_submitted_total",
				Help:      "Flights submitted by the pool reconciler",
			},
			[]string{"pool_id", "flight_type"},
		),
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "scheduled_job_runs_total",
				Help:      "Scheduled job passes by job and result",
			},
			[]string{"job", "result"},
		),
		cleanupPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "cleanup_requests_total",
				Help:      "Cleanup requests published to the cleanup channel",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.resources,
		m.poolTarget,
		m.readyRatio,
		m.poolActive,
		m.pendingWork,
		m.handouts,
		m.steps,
		m.stepDuration,
		m.flightsFinished,
		m.flightsRecovered,
		m.flightsSubmitted,
		m.jobRuns,
		m.cleanupPublished,
	)
	return m
}

// Enabled reports whether collectors are registered.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// Pool Metrics

// RecordPoolSnapshot publishes the resource-state counts and ready ratio of
// one pool.
func (m *Metrics) RecordPoolSnapshot(s domain.PoolAndResourceStates) {
	if m.resources == nil {
		return
	}
	id := s.Pool.ID
	for _, state := range domain.AllResourceStates {
		m.resources.WithLabelValues(id, string(state)).Set(float64(s.Count(state)))
	}
	m.poolTarget.WithLabelValues(id).Set(float64(s.Pool.Size))
	m.readyRatio.WithLabelValues(id).Set(s.ReadyRatio())
	active := 0.0
	if s.Pool.Active() {
		active = 1
	}
	m.poolActive.WithLabelValues(id).Set(active)
	m.pendingWork.WithLabelValues(id, domain.FlightTypeCreateResource).Set(float64(s.PendingCreates))
	m.pendingWork.WithLabelValues(id, domain.FlightTypeDeleteResource).Set(float64(s.PendingDeletes))
}

// Handout Metrics

// HandoutRequested counts one handout call.
func (m *Metrics) HandoutRequested(poolID, outcome string) {
	if m.handouts == nil {
		return
	}
	m.handouts.WithLabelValues(poolID, outcome).Inc()
}

// Flight Metrics

// StepFinished records one step invocation.
func (m *Metrics) StepFinished(flightType, step string, direction domain.FlightDirection, outcome engine.Outcome, elapsed time.Duration) {
	if m.steps == nil {
		return
	}
	m.steps.WithLabelValues(flightType, step, string(direction), outcome.String()).Inc()
	m.stepDuration.WithLabelValues(flightType, step, string(direction)).Observe(elapsed.Seconds())
}

// FlightFinished counts a flight reaching a terminal status.
func (m *Metrics) FlightFinished(flightType string, status domain.FlightStatus) {
	if m.flightsFinished == nil {
		return
	}
	m.flightsFinished.WithLabelValues(flightType, string(status)).Inc()
}

// FlightRecovered counts a flight resumed by recovery.
func (m *Metrics) FlightRecovered(flightType string) {
	if m.flightsRecovered == nil {
		return
	}
	m.flightsRecovered.WithLabelValues(flightType).Inc()
}

// Job Metrics

// FlightsSubmitted counts flights the reconciler submitted for a pool.
func (m *Metrics) FlightsSubmitted(poolID, flightType string, n int) {
	if m.flightsSubmitted == nil || n <= 0 {
		return
	}
	m.flightsSubmitted.WithLabelValues(poolID, flightType).Add(float64(n))
}

// JobRun counts one scheduled job pass. result is ran, skipped or failed.
func (m *Metrics) JobRun(job, result string) {
	if m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
}

// CleanupPublished counts published cleanup requests and failed publishes.
func (m *Metrics) CleanupPublished(published int, failed bool) {
	if m.cleanupPublished == nil {
		return
	}
	if published > 0 {
		m.cleanupPublished.WithLabelValues("published").Add(float64(published))
	}
	if failed {
		m.cleanupPublished.WithLabelValues("failed").Inc()
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
