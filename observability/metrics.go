package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	throttle *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	flowdMetricsOnce sync.Once
	flowdRegistry    *FlowdMetrics
)

// HTTP returns the lazily-initialised registry used to record transport activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rootbot",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total transport requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rootbot",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total transport errors segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "rootbot",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for transport handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttle: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rootbot",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of inbound events rejected by the per-user rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttle,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a transport request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route.
func (m *httpMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.throttle.WithLabelValues(route).Inc()
}

// FlowdMetrics wraps collectors tracking transaction session health.
type FlowdMetrics struct {
	events         *prometheus.CounterVec
	activeSessions prometheus.Gauge
	expired        prometheus.Counter
	submissions    *prometheus.CounterVec
	submitLatency  *prometheus.HistogramVec
	finality       *prometheus.CounterVec
	gatewayErrors  *prometheus.CounterVec
}

// Flowd exposes the metrics registry for the flow daemon.
func Flowd() *FlowdMetrics {
	flowdMetricsOnce.Do(func() {
		flowdRegistry = &FlowdMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rootbot",
				Subsystem: "flow",
				Name:      "events_total",
				Help:      "Inbound flow events segmented by flow, step, and outcome.",
			}, []string{"flow", "step", "outcome"}),
			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "rootbot",
				Subsystem: "session",
				Name:      "active",
				Help:      "Number of live transaction sessions.",
			}),
			expired: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "rootbot",
				Subsystem: "session",
				Name:      "expired_total",
				Help:      "Sessions abandoned after the idle timeout.",
			}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rootbot",
				Subsystem: "settlement",
				Name:      "submissions_total",
				Help:      "Submitted transactions segmented by flow and inclusion status.",
			}, []string{"flow", "status"}),
			submitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "rootbot",
				Subsystem: "settlement",
				Name:      "inclusion_latency_seconds",
				Help:      "Time from confirmation to inclusion acknowledgement.",
				Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32, 64, 128},
			}, []string{"flow"}),
			finality: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rootbot",
				Subsystem: "settlement",
				Name:      "finality_total",
				Help:      "Finality tracking outcomes, including silent timeouts.",
			}, []string{"status"}),
			gatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rootbot",
				Subsystem: "ledger",
				Name:      "errors_total",
				Help:      "Ledger gateway failures after retries, segmented by operation.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			flowdRegistry.events,
			flowdRegistry.activeSessions,
			flowdRegistry.expired,
			flowdRegistry.submissions,
			flowdRegistry.submitLatency,
			flowdRegistry.finality,
			flowdRegistry.gatewayErrors,
		)
	})
	return flowdRegistry
}

// RecordEvent counts one routed event.
func (m *FlowdMetrics) RecordEvent(flow, step, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(label(flow), label(step), label(outcome)).Inc()
}

// SetActiveSessions publishes the number of live sessions.
func (m *FlowdMetrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// RecordExpired counts sessions removed by idle expiry.
func (m *FlowdMetrics) RecordExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

// RecordSubmission counts a submission and its inclusion latency.
func (m *FlowdMetrics) RecordSubmission(flow, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(label(flow), label(status)).Inc()
	if d > 0 {
		m.submitLatency.WithLabelValues(label(flow)).Observe(d.Seconds())
	}
}

// RecordFinality counts a finality tracking outcome.
func (m *FlowdMetrics) RecordFinality(status string) {
	if m == nil {
		return
	}
	m.finality.WithLabelValues(label(status)).Inc()
}

// RecordGatewayError counts a ledger gateway failure.
func (m *FlowdMetrics) RecordGatewayError(operation string) {
	if m == nil {
		return
	}
	m.gatewayErrors.WithLabelValues(label(operation)).Inc()
}

func label(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
