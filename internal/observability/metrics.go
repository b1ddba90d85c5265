// Package observability exposes Prometheus metrics for the scoring control
// plane: inference volume and latency per tier, fallback activations, and
// drift recomputation outcomes.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the control plane's Prometheus metrics. A nil *Metrics is
// safe to call, so components can run unmetered in tests.
type Metrics struct {
	registry *prometheus.Registry

	inferencesTotal     *prometheus.CounterVec
	inferenceDuration   *prometheus.HistogramVec
	fallbacksTotal      prometheus.Counter
	scoreDistribution   prometheus.Histogram
	deploymentEvents    *prometheus.CounterVec
	driftRecomputations *prometheus.CounterVec
	feedbackTotal       *prometheus.CounterVec
}

// NewMetrics creates and registers the control plane metrics.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "condserve"
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{registry: registry}

	m.inferencesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inferences_total",
		Help:      "Total inference calls by serving tier and model version",
	}, []string{"tier", "version"})

	m.inferenceDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "inference_duration_seconds",
		Help:      "Inference wall-clock duration by serving tier",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tier"})

	m.fallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fallbacks_total",
		Help:      "Inference calls served by a non-primary tier",
	})

	m.scoreDistribution = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "score",
		Help:      "Distribution of served condition scores",
		Buckets:   []float64{1, 1.5, 2, 2.5, 3, 3.5, 4, 4.5, 5},
	})

	m.deploymentEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deployment_events_total",
		Help:      "Deployment lifecycle events by type",
	}, []string{"event_type"})

	m.driftRecomputations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "drift_recomputations_total",
		Help:      "Drift aggregate recomputations by outcome",
	}, []string{"outcome"})

	m.feedbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feedback_total",
		Help:      "User feedback records by agreement",
	}, []string{"agreement"})

	registry.MustRegister(
		m.inferencesTotal,
		m.inferenceDuration,
		m.fallbacksTotal,
		m.scoreDistribution,
		m.deploymentEvents,
		m.driftRecomputations,
		m.feedbackTotal,
	)

	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveInference records one completed inference call.
func (m *Metrics) ObserveInference(tier, version string, seconds, score float64, fallback bool) {
	if m == nil {
		return
	}
	m.inferencesTotal.WithLabelValues(tier, version).Inc()
	m.inferenceDuration.WithLabelValues(tier).Observe(seconds)
	m.scoreDistribution.Observe(score)
	if fallback {
		m.fallbacksTotal.Inc()
	}
}

// ObserveDeploymentEvent records one lifecycle event.
func (m *Metrics) ObserveDeploymentEvent(eventType string) {
	if m == nil {
		return
	}
	m.deploymentEvents.WithLabelValues(eventType).Inc()
}

// ObserveDriftRecompute records one recomputation outcome.
func (m *Metrics) ObserveDriftRecompute(outcome string) {
	if m == nil {
		return
	}
	m.driftRecomputations.WithLabelValues(outcome).Inc()
}

// ObserveFeedback records one feedback submission.
func (m *Metrics) ObserveFeedback(agreement bool) {
	if m == nil {
		return
	}
	label := "disagree"
	if agreement {
		label = "agree"
	}
	m.feedbackTotal.WithLabelValues(label).Inc()
}
