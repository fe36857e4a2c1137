// Package telemetry exposes Prometheus metrics for the scoring service.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on a private registry. A nil *Metrics is
// valid and records nothing.
//
// Metrics:
//   - perdiem_estimates_total: estimates by regime and path
//   - perdiem_estimate_duration_seconds: engine time per estimate
//   - perdiem_model_failures_total: dropped model votes by model
//   - perdiem_models_loaded: model artifacts in the active registry
//   - perdiem_cache_lookups_total: estimate cache lookups by result
//   - perdiem_policy_reloads_total: policy activations by outcome
//   - perdiem_estimates_purged_total: estimates removed by retention
type Metrics struct {
	registry *prometheus.Registry

	estimates      *prometheus.CounterVec
	duration       prometheus.Histogram
	modelFailures  *prometheus.CounterVec
	modelsLoaded   prometheus.Gauge
	cacheLookups   *prometheus.CounterVec
	policyReloads  *prometheus.CounterVec
	estimatesPurge prometheus.Counter
}

// New creates and registers the collectors under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "perdiem"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		estimates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "estimates_total",
				Help:      "Total number of estimates by regime and scoring path",
			},
			[]string{"regime", "path"},
		),

		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "estimate_duration_seconds",
				Help:      "Engine time spent producing one estimate",
				// Scoring is in-process arithmetic plus tree walks.
				Buckets: prometheus.ExponentialBuckets(0.000001, 2, 16), // 1µs to 32ms
			},
		),

		modelFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_failures_total",
				Help:      "Model votes dropped because the model failed",
			},
			[]string{"model"},
		),

		modelsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "models_loaded",
				Help:      "Number of model artifacts in the active registry",
			},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Estimate cache lookups by result",
			},
			[]string{"result"},
		),

		policyReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_reloads_total",
				Help:      "Policy table activations by outcome",
			},
			[]string{"outcome"},
		),

		estimatesPurge: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "estimates_purged_total",
				Help:      "Estimates removed by the retention job",
			},
		),
	}

	m.registry.MustRegister(
		m.estimates,
		m.duration,
		m.modelFailures,
		m.modelsLoaded,
		m.cacheLookups,
		m.policyReloads,
		m.estimatesPurge,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveEstimate records one scored trip.
func (m *Metrics) ObserveEstimate(regime, path string, d time.Duration) {
	if m == nil {
		return
	}
	m.estimates.WithLabelValues(regime, path).Inc()
	m.duration.Observe(d.Seconds())
}

// ModelFailure records a dropped vote. Its signature matches
// ensemble.FailureFunc.
func (m *Metrics) ModelFailure(model string, _ error) {
	if m == nil {
		return
	}
	m.modelFailures.WithLabelValues(model).Inc()
}

// SetModelsLoaded records the size of the active registry.
func (m *Metrics) SetModelsLoaded(n int) {
	if m == nil {
		return
	}
	m.modelsLoaded.Set(float64(n))
}

// CacheLookup records an estimate cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// PolicyReload records a policy activation attempt.
func (m *Metrics) PolicyReload(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.policyReloads.WithLabelValues(outcome).Inc()
}

// EstimatesPurged records a retention run.
func (m *Metrics) EstimatesPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.estimatesPurge.Add(float64(n))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
