package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	admissionsTotal      *prometheus.CounterVec
	quotaRejectionsTotal *prometheus.CounterVec
	captchaResultsTotal  *prometheus.CounterVec
	prechecksTotal       *prometheus.CounterVec
	sessionsIssuedTotal  prometheus.Counter

	downstreamRequestsTotal *prometheus.CounterVec
	downstreamDurationMs    *prometheus.HistogramVec

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDurationMs *prometheus.HistogramVec

	burstRejectionsTotal prometheus.Counter
	quotaPrunedTotal     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.admissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_decisions_total",
		Help: "Admission pipeline outcomes by action; outcome is admitted or a rejection code.",
	}, []string{"action", "outcome"})
	m.quotaRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_rejections_total",
		Help: "Requests rejected by the daily limiter, by action and tier.",
	}, []string{"action", "tier"})
	m.captchaResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "captcha_verifications_total",
		Help: "Captcha gate results.",
	}, []string{"result"})
	m.prechecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_precheck_total",
		Help: "Payload duration precheck results.",
	}, []string{"result"})
	m.sessionsIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_issued_total",
		Help: "Total number of session tokens minted.",
	})

	m.downstreamRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "downstream_requests_total",
		Help: "Forwarded requests by action and downstream status; unavailable when no answer arrived.",
	}, []string{"action", "status"})
	m.downstreamDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "downstream_request_duration_ms",
		Help:    "Downstream request duration in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(25, 2, 14),
	}, []string{"action"})

	m.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "route", "status"})
	m.httpRequestDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_ms",
		Help:    "HTTP request duration in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 12),
	}, []string{"method", "route"})

	m.burstRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "burst_rejections_total",
		Help: "Requests dropped by the per-address burst guard.",
	})
	m.quotaPrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quota_buckets_pruned_total",
		Help: "Quota buckets deleted by retention.",
	})

	reg.MustRegister(
		m.admissionsTotal,
		m.quotaRejectionsTotal,
		m.captchaResultsTotal,
		m.prechecksTotal,
		m.sessionsIssuedTotal,
		m.downstreamRequestsTotal,
		m.downstreamDurationMs,
		m.httpRequestsTotal,
		m.httpRequestDurationMs,
		m.burstRejectionsTotal,
		m.quotaPrunedTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncAdmission(action, outcome string) {
	if m == nil {
		return
	}
	m.admissionsTotal.WithLabelValues(label(action), label(outcome)).Inc()
}

func (m *Metrics) IncQuotaRejection(action, tier string) {
	if m == nil {
		return
	}
	m.quotaRejectionsTotal.WithLabelValues(label(action), label(tier)).Inc()
}

func (m *Metrics) IncCaptchaResult(result string) {
	if m == nil {
		return
	}
	m.captchaResultsTotal.WithLabelValues(label(result)).Inc()
}

func (m *Metrics) IncPrecheck(result string) {
	if m == nil {
		return
	}
	m.prechecksTotal.WithLabelValues(label(result)).Inc()
}

func (m *Metrics) IncSessionsIssued() {
	if m == nil {
		return
	}
	m.sessionsIssuedTotal.Inc()
}

// ObserveDownstream records one forward. status 0 means no answer arrived.
func (m *Metrics) ObserveDownstream(action string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	statusLabel := "unavailable"
	if status > 0 {
		statusLabel = strconv.Itoa(status)
	}
	m.downstreamRequestsTotal.WithLabelValues(label(action), statusLabel).Inc()
	m.downstreamDurationMs.WithLabelValues(label(action)).Observe(durationMs(duration))
}

func (m *Metrics) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = strings.TrimSpace(route)
	if route == "" {
		route = "unknown"
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, route, statusLabel).Inc()
	m.httpRequestDurationMs.WithLabelValues(method, route).Observe(durationMs(duration))
}

func (m *Metrics) IncBurstRejections() {
	if m == nil {
		return
	}
	m.burstRejectionsTotal.Inc()
}

func (m *Metrics) AddQuotaPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.quotaPrunedTotal.Add(float64(n))
}

func durationMs(d time.Duration) float64 {
	ms := float64(d.Milliseconds())
	if ms < 0 {
		ms = 0
	}
	return ms
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
