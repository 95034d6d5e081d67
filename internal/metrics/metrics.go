// Package metrics provides Prometheus instrumentation for Merlin.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "merlin"

// Recorder holds every Merlin collector. A nil *Recorder is valid and
// records nothing, so components can be built without metrics in tests.
type Recorder struct {
	registry prometheus.Gatherer

	predictions        *prometheus.CounterVec
	predictionDuration prometheus.Histogram
	stageDuration      *prometheus.HistogramVec
	failures           *prometheus.CounterVec
	riskScore          prometheus.Histogram
	storeUnavailable   *prometheus.CounterVec
	degradedSequences  prometheus.Counter
	ruleHits           *prometheus.CounterVec
	sideEffectFailures *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	dbOpen    prometheus.Gauge
	dbInUse   prometheus.Gauge
	dbIdle    prometheus.Gauge
	goroutine prometheus.Gauge
}

// New registers Merlin's collectors on reg. Pass prometheus.NewRegistry()
// in tests to keep them isolated from the default registry.
func New(reg *prometheus.Registry) *Recorder {
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,

		predictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Completed predictions by verdict.",
		}, []string{"verdict"}),

		predictionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_duration_seconds",
			Help:      "End-to-end prediction latency.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_stage_duration_seconds",
			Help:      "Latency of each prediction stage.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
		}, []string{"stage"}),

		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_failures_total",
			Help:      "Predictions that ended in FAILED, by stage.",
		}, []string{"stage"}),

		riskScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Distribution of final risk scores.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),

		storeUnavailable: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_unavailable_total",
			Help:      "History store calls that degraded, by operation.",
		}, []string{"op"}),

		degradedSequences: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_sequences_total",
			Help:      "Predictions scored with a synthesized sequence.",
		}),

		ruleHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_hits_total",
			Help:      "Override rules that fired, by rule.",
		}, []string{"rule"}),

		sideEffectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_effect_failures_total",
			Help:      "Post-decision writes that failed (history, audit, publish).",
		}, []string{"target"}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),

		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		dbOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "db_open_connections",
			Help: "Open audit database connections.",
		}),
		dbInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "db_in_use_connections",
			Help: "Audit database connections in use.",
		}),
		dbIdle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "db_idle_connections",
			Help: "Idle audit database connections.",
		}),
		goroutine: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "goroutines",
			Help: "Current number of goroutines.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObservePrediction records one completed prediction.
func (r *Recorder) ObservePrediction(verdict string, score float64, d time.Duration) {
	if r == nil {
		return
	}
	r.predictions.WithLabelValues(verdict).Inc()
	r.riskScore.Observe(score)
	r.predictionDuration.Observe(d.Seconds())
}

// ObserveStage records the latency of one prediction stage.
func (r *Recorder) ObserveStage(stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveFailure records a prediction that failed in stage.
func (r *Recorder) ObserveFailure(stage string) {
	if r == nil {
		return
	}
	r.failures.WithLabelValues(stage).Inc()
}

// ObserveStoreUnavailable implements history.Observer.
func (r *Recorder) ObserveStoreUnavailable(op string) {
	if r == nil {
		return
	}
	r.storeUnavailable.WithLabelValues(op).Inc()
}

// ObserveDegradedSequence records a synthesized sequence.
func (r *Recorder) ObserveDegradedSequence() {
	if r == nil {
		return
	}
	r.degradedSequences.Inc()
}

// ObserveRuleHits records the rules that fired for one prediction.
func (r *Recorder) ObserveRuleHits(ruleIDs []string) {
	if r == nil {
		return
	}
	for _, id := range ruleIDs {
		r.ruleHits.WithLabelValues(id).Inc()
	}
}

// ObserveSideEffectFailure records a failed post-decision write.
func (r *Recorder) ObserveSideEffectFailure(target string) {
	if r == nil {
		return
	}
	r.sideEffectFailures.WithLabelValues(target).Inc()
}

// ObserveHTTP records one served request.
func (r *Recorder) ObserveHTTP(method, route string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// StartDBStatsCollector periodically samples sql.DBStats and the goroutine
// count into gauges. Call in a goroutine; exits when ctx is done.
func (r *Recorder) StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	if r == nil || db == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			r.dbOpen.Set(float64(stats.OpenConnections))
			r.dbInUse.Set(float64(stats.InUse))
			r.dbIdle.Set(float64(stats.Idle))
			r.goroutine.Set(float64(runtime.NumGoroutine()))
		}
	}
}
