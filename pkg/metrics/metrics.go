// Package metrics exposes engine and catalog metrics through Prometheus.
// The Metrics type implements chain.Observer so the engine stays free of any
// direct Prometheus dependency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deptrail/deptrail/pkg/chain"
)

// Config configures the metrics collector.
type Config struct {
	// Namespace prefixes all metric names. Default: "deptrail"
	Namespace string

	// Registry is the Prometheus registry to use (nil = new registry with the
	// standard Go and process collectors).
	Registry *prometheus.Registry
}

// Metrics holds the Prometheus instruments for the orchestration engine.
type Metrics struct {
	registry *prometheus.Registry

	chainsSubmitted prometheus.Counter
	chainsCompleted prometheus.Counter
	chainsFailed    *prometheus.CounterVec

	unitsDispatched *prometheus.CounterVec
	unitsFinished   *prometheus.CounterVec
	unitsSkipped    *prometheus.CounterVec
	unitsParked     *prometheus.CounterVec
	unitDuration    *prometheus.HistogramVec

	watchdogExpired *prometheus.CounterVec
}

// New creates and registers the metric set.
func New(cfg *Config) *Metrics {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "deptrail"
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	m := &Metrics{
		registry: registry,
		chainsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "chains_submitted_total",
			Help:      "Chains accepted for processing.",
		}),
		chainsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "chains_completed_total",
			Help:      "Chains that reached COMPLETED.",
		}),
		chainsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "chains_failed_total",
			Help:      "Chains that reached FAILED, by failing stage.",
		}, []string{"stage"}),
		unitsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "units_dispatched_total",
			Help:      "Units handed to a worker, by kind.",
		}, []string{"kind"}),
		unitsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "units_finished_total",
			Help:      "Units that reported an outcome, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		unitsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "units_skipped_total",
			Help:      "Units skipped because a predecessor made them unsatisfiable.",
		}, []string{"kind"}),
		unitsParked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "units_parked_total",
			Help:      "Units queued behind an in-flight unit of the same kind and target.",
		}, []string{"kind"}),
		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "unit_duration_seconds",
			Help:      "Unit execution time, by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		watchdogExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "watchdog_expired_total",
			Help:      "Units failed by the watchdog, by kind.",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.chainsSubmitted, m.chainsCompleted, m.chainsFailed,
		m.unitsDispatched, m.unitsFinished, m.unitsSkipped, m.unitsParked,
		m.unitDuration, m.watchdogExpired,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// =============================================================================
// chain.Observer
// =============================================================================

var _ chain.Observer = (*Metrics)(nil)

func (m *Metrics) ChainSubmitted() {
	m.chainsSubmitted.Inc()
}

func (m *Metrics) ChainCompleted() {
	m.chainsCompleted.Inc()
}

func (m *Metrics) ChainFailed(stage chain.Kind) {
	m.chainsFailed.WithLabelValues(string(stage)).Inc()
}

func (m *Metrics) UnitDispatched(kind chain.Kind) {
	m.unitsDispatched.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) UnitFinished(kind chain.Kind, outcome chain.Outcome, d time.Duration) {
	m.unitsFinished.WithLabelValues(string(kind), outcome.String()).Inc()
	m.unitDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) UnitSkipped(kind chain.Kind) {
	m.unitsSkipped.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) UnitParked(kind chain.Kind) {
	m.unitsParked.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) WatchdogExpired(kind chain.Kind) {
	m.watchdogExpired.WithLabelValues(string(kind)).Inc()
}
