package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Prediction metrics
	PredictionPollsTotal    prometheus.Counter
	PredictionOutcomesTotal *prometheus.CounterVec
	PredictionDuration      prometheus.Histogram
	UpstreamRetriesTotal    *prometheus.CounterVec

	// Analysis metrics
	AnalysisTotal    *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram

	// Usage metrics
	QuotaDecisionsTotal *prometheus.CounterVec
	StoreErrorsTotal    *prometheus.CounterVec
}

// New creates a Metrics instance registered on reg.
// A nil reg registers on the default Prometheus registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "checkmate"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 180},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		PredictionPollsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "prediction",
				Name:      "polls_total",
				Help:      "Total number of prediction status reads",
			},
		),
		PredictionOutcomesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "prediction",
				Name:      "outcomes_total",
				Help:      "Prediction jobs by final outcome",
			},
			[]string{"outcome"}, // succeeded, failed, empty_output, timeout, unrecognized, error
		),
		PredictionDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "prediction",
				Name:      "duration_seconds",
				Help:      "Time from submission to terminal state",
				Buckets:   []float64{1, 3, 6, 10, 20, 30, 60, 90, 120, 180},
			},
		),
		UpstreamRetriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "retries_total",
				Help:      "Retries of transient upstream failures",
			},
			[]string{"operation"}, // submit, poll, generate
		),

		AnalysisTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "analysis",
				Name:      "requests_total",
				Help:      "Policy analyses by result",
			},
			[]string{"result"}, // ok, invalid_response, error
		),
		AnalysisDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "analysis",
				Name:      "duration_seconds",
				Help:      "Policy analysis latency in seconds",
				Buckets:   []float64{.5, 1, 2.5, 5, 10, 20, 30, 60},
			},
		),

		QuotaDecisionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "usage",
				Name:      "quota_decisions_total",
				Help:      "Quota checks by action and decision",
			},
			[]string{"action", "decision"}, // allowed, denied, bypassed
		),
		StoreErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "usage",
				Name:      "store_errors_total",
				Help:      "Key-value store failures absorbed by the limiter",
			},
			[]string{"op"}, // get, set
		),
	}
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordPoll counts one prediction status read.
func (m *Metrics) RecordPoll() {
	if m == nil {
		return
	}
	m.PredictionPollsTotal.Inc()
}

// RecordPrediction records the outcome of one awaited prediction.
func (m *Metrics) RecordPrediction(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PredictionOutcomesTotal.WithLabelValues(outcome).Inc()
	m.PredictionDuration.Observe(duration.Seconds())
}

// RecordRetry counts one retry of a transient upstream failure.
func (m *Metrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.UpstreamRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordAnalysis records one policy analysis.
func (m *Metrics) RecordAnalysis(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.AnalysisTotal.WithLabelValues(result).Inc()
	m.AnalysisDuration.Observe(duration.Seconds())
}

// RecordQuotaDecision records a quota check result for an action.
func (m *Metrics) RecordQuotaDecision(action, decision string) {
	if m == nil {
		return
	}
	m.QuotaDecisionsTotal.WithLabelValues(action, decision).Inc()
}

// RecordStoreError counts a store failure absorbed by the limiter.
func (m *Metrics) RecordStoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrorsTotal.WithLabelValues(op).Inc()
}
