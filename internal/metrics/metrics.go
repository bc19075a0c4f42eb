// Package metrics exposes Prometheus metrics for scoring runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/chainguard/internal/domain"
)

// Collector records scoring activity. It satisfies batch.Observer.
type Collector struct {
	registry *prometheus.Registry

	assessments   *prometheus.CounterVec
	ruleTriggers  *prometheus.CounterVec
	ruleWarnings  *prometheus.CounterVec
	skippedRows   prometheus.Counter
	scores        prometheus.Histogram
	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	cacheLookups  *prometheus.CounterVec
	busPublishErr prometheus.Counter
}

// New creates a collector on a private registry. An empty namespace
// defaults to "chainguard".
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = "chainguard"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(registry)

	return &Collector{
		registry: registry,
		assessments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_total",
			Help:      "Transactions scored, by band.",
		}, []string{"band"}),
		ruleTriggers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_triggers_total",
			Help:      "Rules that fired, by rule id.",
		}, []string{"rule"}),
		ruleWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_not_applicable_total",
			Help:      "Rules that could not be evaluated, by rule id.",
		}, []string{"rule"}),
		skippedRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_rows_total",
			Help:      "Rows excluded for data errors.",
		}),
		scores: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Distribution of final risk scores.",
			Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Scoring runs, by outcome.",
		}, []string{"status"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of scoring runs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_cache_lookups_total",
			Help:      "Result cache lookups, by result.",
		}, []string{"result"}),
		busPublishErr: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_publish_errors_total",
			Help:      "Events that could not be published.",
		}),
	}
}

// ObserveAssessment records one scored transaction.
func (c *Collector) ObserveAssessment(a *domain.RiskAssessment) {
	c.assessments.WithLabelValues(string(a.Band)).Inc()
	c.scores.Observe(float64(a.Score))
	for _, e := range a.Trace {
		if e.Triggered {
			c.ruleTriggers.WithLabelValues(e.RuleID).Inc()
		}
	}
	for _, w := range a.Warnings {
		c.ruleWarnings.WithLabelValues(w.RuleID).Inc()
	}
}

// ObserveSkipped records one skipped row.
func (c *Collector) ObserveSkipped(domain.SkippedRow) {
	c.skippedRows.Inc()
}

// ObserveRun records a finished run.
func (c *Collector) ObserveRun(report *domain.BatchReport, elapsed time.Duration) {
	status := string(domain.RunCompleted)
	if report.Cancelled {
		status = string(domain.RunCancelled)
	}
	c.runs.WithLabelValues(status).Inc()
	c.runDuration.Observe(elapsed.Seconds())
}

// ObserveCacheLookup records a result cache hit or miss.
func (c *Collector) ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// ObservePublishError records a failed event publish.
func (c *Collector) ObservePublishError() {
	c.busPublishErr.Inc()
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
