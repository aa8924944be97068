// Package observability holds the prometheus metrics and gin middleware
// shared by the client and the server.
package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keeper",
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Operation attempts made by the retry executor, by outcome.",
		},
		[]string{"outcome"},
	)
	retryExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keeper",
			Subsystem: "retry",
			Name:      "exhausted_total",
			Help:      "Operations that ran out of retry budget.",
		},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keeper",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state machine transitions.",
		},
		[]string{"from", "to"},
	)
	sessionDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keeper",
			Subsystem: "session",
			Name:      "dropped_notifications_total",
			Help:      "Transitions not delivered to a subscriber with a full buffer.",
		},
	)
	watchActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "keeper",
			Subsystem: "watch",
			Name:      "active_handlers",
			Help:      "Watch handlers currently executing.",
		},
	)
	watchFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keeper",
			Subsystem: "watch",
			Name:      "fired_total",
			Help:      "Watch handlers invoked, by event type.",
		},
		[]string{"type"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keeper",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "keeper",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	liveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "keeper",
			Subsystem: "server",
			Name:      "live_sessions",
			Help:      "Sessions currently held by the server.",
		},
	)
	expiredSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keeper",
			Subsystem: "server",
			Name:      "expired_sessions_total",
			Help:      "Sessions expired by the server.",
		},
	)
)

// RegisterMetrics registers every collector with the default registry,
// once per process. The Record helpers call it themselves.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			retryAttempts, retryExhausted,
			sessionTransitions, sessionDropped,
			watchActive, watchFired,
			httpRequests, httpDuration,
			liveSessions, expiredSessions,
		)
	})
}

// RecordRetryAttempt counts one attempt by outcome: success, retryable or
// fatal.
func RecordRetryAttempt(outcome string) {
	RegisterMetrics()
	retryAttempts.WithLabelValues(outcome).Inc()
}

// RecordRetryExhausted counts an operation that ran out of budget.
func RecordRetryExhausted() {
	RegisterMetrics()
	retryExhausted.Inc()
}

// RecordSessionTransition counts one applied state change.
func RecordSessionTransition(from, to string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(from, to).Inc()
}

// RecordDroppedNotification counts a transition lost to a full
// subscriber buffer.
func RecordDroppedNotification() {
	RegisterMetrics()
	sessionDropped.Inc()
}

// WatchHandlerStarted and WatchHandlerDone bracket one handler invocation.
func WatchHandlerStarted(eventType string) {
	RegisterMetrics()
	watchActive.Inc()
	watchFired.WithLabelValues(eventType).Inc()
}

func WatchHandlerDone() {
	RegisterMetrics()
	watchActive.Dec()
}

// RecordHTTPRequest observes one served request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// SetLiveSessions reports the number of sessions the server holds.
func SetLiveSessions(n int) {
	RegisterMetrics()
	liveSessions.Set(float64(n))
}

// RecordSessionExpired counts a lease that ran out.
func RecordSessionExpired() {
	RegisterMetrics()
	expiredSessions.Inc()
}
