// Package metrics provides the Prometheus surface for the orchestrator:
// request counters, lane and provider latency histograms, and circuit
// and lane state gauges, exposed through the pull /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relago"

// LatencyBucketsMS defines histogram buckets for latency metrics in
// milliseconds, spanning sub-lane latencies up to the SSE cap.
var LatencyBucketsMS = []float64{
	5, 10, 25, 50, 100, 250, 500, 750,
	1000, 1500, 2000, 3000, 5000, 10000,
	15000, 30000, 60000,
}

var (
	// HTTPRequestsTotal counts inbound HTTP requests.
	HTTPRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	})

	// HTTPErrorsTotal counts HTTP responses with status >= 400.
	HTTPErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_errors_total",
		Help:      "Total number of HTTP error responses",
	})

	// SSEConnectionsTotal counts opened SSE sessions.
	SSEConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sse_connections_total",
		Help:      "Total number of SSE sessions opened",
	})

	// SSEHeartbeatsTotal counts heartbeat events emitted.
	SSEHeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sse_heartbeats_total",
		Help:      "Total number of SSE heartbeat events emitted",
	})

	// ProviderRequestsTotal counts LLM provider calls.
	ProviderRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_requests_total",
		Help:      "Total number of LLM provider requests",
	}, []string{"provider"})

	// ProviderErrorsTotal counts failed LLM provider calls.
	ProviderErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_errors_total",
		Help:      "Total number of failed LLM provider requests",
	}, []string{"provider"})

	// CacheHitsTotal counts embedding cache hits.
	CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Total number of cache hits",
	})

	// CacheMissesTotal counts embedding cache misses.
	CacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Total number of cache misses",
	})

	// RateLimitBlocksTotal counts requests rejected by the limiter.
	RateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_blocks_total",
		Help:      "Total number of rate-limited requests",
	})

	// InjectionAttemptsTotal counts queries matching injection patterns.
	InjectionAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "injection_attempts_total",
		Help:      "Total number of detected injection attempts",
	})

	// HTTPRequestDurationMS tracks end-to-end request latency.
	HTTPRequestDurationMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request duration in milliseconds",
		Buckets:   LatencyBucketsMS,
	})

	// SSEDurationMS tracks SSE session duration.
	SSEDurationMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sse_duration_ms",
		Help:      "SSE session duration in milliseconds",
		Buckets:   LatencyBucketsMS,
	})

	// LaneLatencyMS tracks per-lane retrieval latency.
	LaneLatencyMS = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lane_latency_ms",
		Help:      "Retrieval lane latency in milliseconds",
		Buckets:   LatencyBucketsMS,
	}, []string{"lane"})

	// ProviderLatencyMS tracks LLM provider call latency.
	ProviderLatencyMS = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_latency_ms",
		Help:      "LLM provider latency in milliseconds",
		Buckets:   LatencyBucketsMS,
	}, []string{"provider"})

	// LaneStatus reports lane health: 0=down, 1=degraded, 2=up.
	LaneStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "lane_status",
		Help:      "Lane status (0=down, 1=degraded, 2=up)",
	}, []string{"lane"})

	// ProviderCircuitState reports breaker state:
	// 0=closed, 1=half_open, 2=open.
	ProviderCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "provider_circuit_state",
		Help:      "Provider circuit state (0=closed, 1=half_open, 2=open)",
	}, []string{"provider"})

	// SystemUptimeSeconds reports process uptime.
	SystemUptimeSeconds = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "system_uptime_seconds",
		Help:      "Process uptime in seconds",
	}, func() float64 {
		return time.Since(startTime).Seconds()
	})
)

var startTime = time.Now()

// Uptime returns the process uptime.
func Uptime() time.Duration {
	return time.Since(startTime)
}
