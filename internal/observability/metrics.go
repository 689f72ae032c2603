// Package observability exposes Prometheus metrics for the runtime: call
// outcomes, approval decisions and model token spend.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type runtimeMetrics struct {
	callTotal    *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	callDepth    prometheus.Histogram

	approvalTotal *prometheus.CounterVec

	modelTokens *prometheus.CounterVec
	modelCalls  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *runtimeMetrics
)

func getMetrics() *runtimeMetrics {
	metricsOnce.Do(func() {
		m := &runtimeMetrics{
			callTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dispatch_calls_total",
					Help: "Total dispatched calls by entry and final state.",
				},
				[]string{"entry", "state"},
			),
			callDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "dispatch_call_duration_seconds",
					Help:    "Call duration in seconds by entry.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"entry"},
			),
			callDepth: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "dispatch_call_depth",
					Help:    "Frame depth at which calls are issued.",
					Buckets: []float64{0, 1, 2, 3, 4, 5, 8},
				},
			),
			approvalTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "approval_decisions_total",
					Help: "Policy decisions by outcome.",
				},
				[]string{"decision"},
			),
			modelTokens: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_tokens_total",
					Help: "Model token consumption by model and direction.",
				},
				[]string{"model", "direction"},
			),
			modelCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_calls_total",
					Help: "Model API calls by model.",
				},
				[]string{"model"},
			),
		}

		prometheus.MustRegister(
			m.callTotal,
			m.callDuration,
			m.callDepth,
			m.approvalTotal,
			m.modelTokens,
			m.modelCalls,
		)

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is
// called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler returns the scrape endpoint handler.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// RecordCall records one finished call attempt.
func RecordCall(entry, state string, depth int, duration time.Duration) {
	m := getMetrics()
	m.callTotal.WithLabelValues(entry, state).Inc()
	m.callDuration.WithLabelValues(entry).Observe(duration.Seconds())
	m.callDepth.Observe(float64(depth))
}

// RecordApproval records one policy decision.
func RecordApproval(decision string) {
	getMetrics().approvalTotal.WithLabelValues(decision).Inc()
}

// RecordModelUsage records one model call's token counts.
func RecordModelUsage(model string, inputTokens, outputTokens int) {
	m := getMetrics()
	m.modelTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	m.modelTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	m.modelCalls.WithLabelValues(model).Inc()
}
