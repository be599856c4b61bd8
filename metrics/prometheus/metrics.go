// Package prometheus provides Prometheus metrics for the visionchat client
// runtime: frame throughput, connection resilience, request latency, and
// credential activity.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "visionchat"

var (
	// framesTotal counts frames by outcome.
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total number of captured frames by outcome",
		},
		[]string{"status"}, // status: emitted, dropped
	)

	// frameBytes is a histogram of emitted frame payload sizes.
	frameBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_bytes",
			Help:      "Size of emitted frame payloads in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 2, 12), // 1KiB .. 2MiB
		},
	)

	// connectionOpensTotal counts successful websocket opens, including
	// reconnects.
	connectionOpensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_opens_total",
			Help:      "Total number of successful connection opens",
		},
	)

	// reconnectAttemptsTotal counts scheduled reconnect attempts.
	reconnectAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of scheduled reconnect attempts",
		},
	)

	// reconnectExhaustedTotal counts reconnection giving up.
	reconnectExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_exhausted_total",
			Help:      "Total number of exhausted reconnection sequences",
		},
	)

	// requestDuration is a histogram of analysis request round-trip time.
	requestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Round-trip duration of analysis requests in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// requestsTotal counts analysis requests by outcome.
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of analysis requests by outcome",
		},
		[]string{"status"}, // status: completed, failed
	)

	// authEventsTotal counts credential lifecycle events.
	authEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_events_total",
			Help:      "Total number of credential lifecycle events",
		},
		[]string{"event"}, // event: login, logout, refresh, expired
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		framesTotal,
		frameBytes,
		connectionOpensTotal,
		reconnectAttemptsTotal,
		reconnectExhaustedTotal,
		requestDuration,
		requestsTotal,
		authEventsTotal,
	}
)

// RecordFrameEmitted records an emitted frame and its payload size.
func RecordFrameEmitted(bytes int) {
	framesTotal.WithLabelValues("emitted").Inc()
	frameBytes.Observe(float64(bytes))
}

// RecordFrameDropped records a frame discarded before emission.
func RecordFrameDropped() {
	framesTotal.WithLabelValues("dropped").Inc()
}

// RecordConnectionOpen records a successful connection open.
func RecordConnectionOpen() {
	connectionOpensTotal.Inc()
}

// RecordReconnectAttempt records a scheduled reconnect attempt.
func RecordReconnectAttempt() {
	reconnectAttemptsTotal.Inc()
}

// RecordReconnectExhausted records reconnection giving up.
func RecordReconnectExhausted() {
	reconnectExhaustedTotal.Inc()
}

// RecordRequest records a completed or failed analysis request.
func RecordRequest(status string, durationSeconds float64) {
	requestsTotal.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		requestDuration.Observe(durationSeconds)
	}
}

// RecordAuthEvent records a credential lifecycle event.
func RecordAuthEvent(event string) {
	authEventsTotal.WithLabelValues(event).Inc()
}
