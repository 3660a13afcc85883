package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the crafting engine.
//
// A nil *Metrics and a Metrics built with collection disabled are both valid
// no-op recorders.
type Metrics struct {
	config MetricsConfig

	// Catalog metrics
	catalogRebuilds   *prometheus.CounterVec
	rebuildDuration   prometheus.Histogram
	rebuildsDeferred  prometheus.Counter
	excludedProviders prometheus.Counter
	craftableOutputs  prometheus.Gauge

	// Admission metrics
	admissionDecisions *prometheus.CounterVec

	// Planner metrics
	planComputations *prometheus.CounterVec
	planDuration     *prometheus.HistogramVec
	plansInFlight    prometheus.Gauge

	// Link metrics
	linksSwept   prometheus.Counter
	nexusEntries prometheus.Gauge

	// Interest metrics
	notifications prometheus.Counter

	// Ledger metrics
	ledgerAlterations *prometheus.CounterVec

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

		catalogRebuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "catalog",
				Name:      "rebuilds_total",
				Help:      "Total number of catalog rebuilds",
			},
			[]string{"trigger"},
		),
		rebuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "catalog",
				Name:      "rebuild_duration_seconds",
				Help:      "Duration of catalog rebuilds in seconds",
				Buckets:   buckets,
			},
		),
		rebuildsDeferred: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "catalog",
				Name:      "rebuilds_deferred_total",
				Help:      "Rebuild requests deferred while rebuilds were paused",
			},
		),
		excludedProviders: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "catalog",
				Name:      "excluded_providers_total",
				Help:      "Providers excluded from a rebuild because of malformed patterns",
			},
		),
		craftableOutputs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "catalog",
				Name:      "craftable_outputs",
				Help:      "Number of fingerprints with at least one pattern",
			},
		),

		admissionDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "decisions_total",
				Help:      "Cluster admission decisions by outcome",
			},
			[]string{"outcome"},
		),

		planComputations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "planner",
				Name:      "computations_total",
				Help:      "Plan computations by algorithm and status",
			},
			[]string{"algorithm", "status"},
		),
		planDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "planner",
				Name:      "computation_duration_seconds",
				Help:      "Duration of plan computations in seconds",
				Buckets:   buckets,
			},
			[]string{"algorithm"},
		),
		plansInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "planner",
				Name:      "in_flight",
				Help:      "Plan computations queued or running",
			},
		),

		linksSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nexus",
				Name:      "swept_total",
				Help:      "Dead link nexus entries removed",
			},
		),
		nexusEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nexus",
				Name:      "entries",
				Help:      "Tracked link nexus entries",
			},
		),

		notifications: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "interest",
				Name:      "notifications_total",
				Help:      "Stock change notifications delivered to watchers",
			},
		),

		ledgerAlterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "alterations_total",
				Help:      "Stored item alterations recorded by the ledger",
			},
			[]string{"channel"},
		),
	}

	collectors := []prometheus.Collector{
		m.catalogRebuilds,
		m.rebuildDuration,
		m.rebuildsDeferred,
		m.excludedProviders,
		m.craftableOutputs,
		m.admissionDecisions,
		m.planComputations,
		m.planDuration,
		m.plansInFlight,
		m.linksSwept,
		m.nexusEntries,
		m.notifications,
		m.ledgerAlterations,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

// Catalog Metrics

// RecordRebuild records a completed catalog rebuild.
func (m *Metrics) RecordRebuild(trigger string, duration time.Duration, outputs int) {
	if m == nil || m.catalogRebuilds == nil {
		return
	}
	m.catalogRebuilds.WithLabelValues(trigger).Inc()
	m.rebuildDuration.Observe(duration.Seconds())
	m.craftableOutputs.Set(float64(outputs))
}

// RecordRebuildDeferred records a rebuild request absorbed by a pause window.
func (m *Metrics) RecordRebuildDeferred() {
	if m == nil || m.rebuildsDeferred == nil {
		return
	}
	m.rebuildsDeferred.Inc()
}

// RecordProviderExcluded records a provider dropped from a rebuild.
func (m *Metrics) RecordProviderExcluded() {
	if m == nil || m.excludedProviders == nil {
		return
	}
	m.excludedProviders.Inc()
}

// Admission Metrics

// RecordAdmission records the outcome of a job submission.
func (m *Metrics) RecordAdmission(outcome string) {
	if m == nil || m.admissionDecisions == nil {
		return
	}
	m.admissionDecisions.WithLabelValues(outcome).Inc()
}

// Planner Metrics

// RecordPlanQueued records a plan computation entering the pool.
func (m *Metrics) RecordPlanQueued() {
	if m == nil || m.plansInFlight == nil {
		return
	}
	m.plansInFlight.Inc()
}

// RecordPlanComputed records a finished plan computation.
func (m *Metrics) RecordPlanComputed(algorithm, status string, duration time.Duration) {
	if m == nil || m.planComputations == nil {
		return
	}
	m.planComputations.WithLabelValues(algorithm, status).Inc()
	m.planDuration.WithLabelValues(algorithm).Observe(duration.Seconds())
	m.plansInFlight.Dec()
}

// Link Metrics

// RecordSweep records a dead-link sweep.
func (m *Metrics) RecordSweep(removed, remaining int) {
	if m == nil || m.linksSwept == nil {
		return
	}
	m.linksSwept.Add(float64(removed))
	m.nexusEntries.Set(float64(remaining))
}

// Interest Metrics

// RecordNotifications records delivered stock notifications.
func (m *Metrics) RecordNotifications(count int) {
	if m == nil || m.notifications == nil {
		return
	}
	m.notifications.Add(float64(count))
}

// Ledger Metrics

// RecordAlterations records fingerprints reported as altered on channel.
func (m *Metrics) RecordAlterations(channel string, count int) {
	if m == nil || m.ledgerAlterations == nil {
		return
	}
	m.ledgerAlterations.WithLabelValues(channel).Add(float64(count))
}

// Registry returns the private registry, nil when collection is disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
