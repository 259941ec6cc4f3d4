// Package metrics exposes operational counters for the validation protocol.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector manages metric registration and exposure
type Collector struct {
	registry *prometheus.Registry

	checks        *prometheus.CounterVec
	registrations *prometheus.CounterVec
	rateLimited   prometheus.Counter
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{registry: reg}

	c.checks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lms_validation_checks_total",
		Help: "License check-ins by verdict (valid, inactive, expired, blacklisted, not_found)",
	}, []string{"verdict"})
	reg.MustRegister(c.checks)

	c.registrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lms_device_registrations_total",
		Help: "Device registration attempts by result (created, deduplicated, rejected, limit_exceeded)",
	}, []string{"result"})
	reg.MustRegister(c.registrations)

	c.rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lms_rate_limited_requests_total",
		Help: "Requests rejected by the rate limiter",
	})
	reg.MustRegister(c.rateLimited)

	c.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lms_http_requests_total",
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})
	reg.MustRegister(c.httpRequests)

	c.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lms_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	reg.MustRegister(c.httpDuration)

	return c
}

func (c *Collector) RecordCheck(verdict string) {
	c.checks.WithLabelValues(verdict).Inc()
}

func (c *Collector) RecordRegistration(result string) {
	c.registrations.WithLabelValues(result).Inc()
}

func (c *Collector) RecordRateLimited() {
	c.rateLimited.Inc()
}

func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// Handler returns the /metrics endpoint handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
