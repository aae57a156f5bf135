package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values for gateway decisions.
const (
	OutcomeForwarded      = "forwarded"
	OutcomePreflight      = "preflight"
	OutcomeBadRequest     = "bad_request"
	OutcomeRateLimited    = "rate_limited"
	OutcomeUpstreamFailed = "upstream_unreachable"
	OutcomeInternalError  = "internal_error"
	OutcomeMethodRejected = "method_not_allowed"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	upstreamDuration *prometheus.HistogramVec
	upstreamStatus   *prometheus.CounterVec
	rateLimitHits    *prometheus.CounterVec
	activeRequests   prometheus.Gauge
	circuitBreaker   prometheus.Gauge
	startTime        prometheus.Gauge
	registry         *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "keygate"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of gateway requests by outcome",
		},
		[]string{"outcome", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Gateway request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"outcome"},
	)

	m.upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Upstream call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"family"},
	)

	m.upstreamStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_responses_total",
			Help:      "Upstream responses by status class",
		},
		[]string{"class"},
	)

	m.rateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rejected requests by limiter",
		},
		[]string{"limiter"},
	)

	m.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of in-flight gateway requests",
		},
	)

	m.circuitBreaker = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_circuit_breaker_state",
			Help:      "Upstream circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the gateway in unix seconds",
		},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.upstreamDuration,
		m.upstreamStatus,
		m.rateLimitHits,
		m.activeRequests,
		m.circuitBreaker,
		m.startTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.startTime.SetToCurrentTime()

	return m
}

// RecordRequest records a completed gateway request.
func (m *Metrics) RecordRequest(outcome string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(outcome, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordUpstream records a completed upstream call. family must come from
// a bounded set such as validator.Request.Family. status is zero when the
// upstream could not be reached.
func (m *Metrics) RecordUpstream(family string, status int, duration time.Duration) {
	m.upstreamDuration.WithLabelValues(family).Observe(duration.Seconds())
	m.upstreamStatus.WithLabelValues(statusClass(status)).Inc()
}

// RecordRateLimitHit records a rejection by the named limiter.
// Client keys are deliberately not a label; they belong in logs.
func (m *Metrics) RecordRateLimitHit(limiter string) {
	m.rateLimitHits.WithLabelValues(limiter).Inc()
}

// IncrementActiveRequests increments the in-flight gauge.
func (m *Metrics) IncrementActiveRequests() {
	m.activeRequests.Inc()
}

// DecrementActiveRequests decrements the in-flight gauge.
func (m *Metrics) DecrementActiveRequests() {
	m.activeRequests.Dec()
}

// SetCircuitBreakerState sets the upstream circuit breaker state.
func (m *Metrics) SetCircuitBreakerState(state int) {
	m.circuitBreaker.Set(float64(state))
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterCollector registers an additional collector with the registry
// that backs the metrics endpoint.
func (m *Metrics) RegisterCollector(c prometheus.Collector) error {
	return m.registry.Register(c)
}

func statusClass(status int) string {
	switch {
	case status <= 0:
		return "unreachable"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
