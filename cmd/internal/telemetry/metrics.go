// Package telemetry owns the Prometheus collectors exported on /metrics.
//
// All methods are safe on a nil *Metrics so packages can record
// unconditionally.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trustcore"

// Metrics groups the service collectors behind a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inflight        prometheus.Gauge
	draining        prometheus.Gauge
	drainRejected   prometheus.Counter
	verifyFailures  *prometheus.CounterVec
	sessionEvents   *prometheus.CounterVec
	lockAttempts    *prometheus.CounterVec
	lockDuration    *prometheus.HistogramVec
}

// New registers the service collectors, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_inflight_requests",
			Help:      "Requests admitted and not yet finished.",
		}),
		draining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "draining",
			Help:      "1 while the service is draining, 0 otherwise.",
		}),
		drainRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_rejected_total",
			Help:      "Requests refused with 503 because the service was draining.",
		}),
		verifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_failures_total",
			Help:      "Rejected credentials by verifier and failure kind.",
		}, []string{"verifier", "kind"}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events.",
		}, []string{"event"}),
		lockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_attempts_total",
			Help:      "Row lock attempts by operation and outcome.",
		}, []string{"op", "outcome"}),
		lockDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_duration_seconds",
			Help:      "Time spent in lock-holding transactions by operation.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"op"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.requestDuration,
		m.inflight,
		m.draining,
		m.drainRejected,
		m.verifyFailures,
		m.sessionEvents,
		m.lockAttempts,
		m.lockDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) RequestFinished() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

func (m *Metrics) SetDraining(on bool) {
	if m == nil {
		return
	}
	if on {
		m.draining.Set(1)
		return
	}
	m.draining.Set(0)
}

func (m *Metrics) DrainRejected() {
	if m == nil {
		return
	}
	m.drainRejected.Inc()
}

func (m *Metrics) VerificationFailed(verifier, kind string) {
	if m == nil {
		return
	}
	m.verifyFailures.WithLabelValues(verifier, kind).Inc()
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.sessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveLock(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.lockAttempts.WithLabelValues(op, outcome).Inc()
	m.lockDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}
