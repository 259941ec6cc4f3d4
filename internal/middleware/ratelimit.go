package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-lms/internal/metrics"
	"github.com/technosupport/ts-lms/internal/ratelimit"
)

type RateLimitConfig struct {
	Enabled   bool                             `yaml:"enabled"`
	GlobalIP  ratelimit.LimitConfig            `yaml:"global_ip"`
	Endpoints map[string]ratelimit.LimitConfig `yaml:"endpoints"`
}

type RateLimitMiddleware struct {
	limiter   *ratelimit.Limiter
	collector *metrics.Collector
	config    atomic.Pointer[RateLimitConfig]
}

func NewRateLimitMiddleware(l *ratelimit.Limiter, c *metrics.Collector, cfg RateLimitConfig) *RateLimitMiddleware {
	m := &RateLimitMiddleware{limiter: l, collector: c}
	m.config.Store(&cfg)
	return m
}

// UpdateConfig swaps the active limits; the config watcher calls this on
// file change.
func (m *RateLimitMiddleware) UpdateConfig(cfg RateLimitConfig) {
	m.config.Store(&cfg)
}

// Limit throttles by client IP. Per-route overrides are keyed by the chi
// route pattern in the endpoints map.
func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := m.config.Load()
		if !cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		limit := cfg.GlobalIP
		route := chi.RouteContext(r.Context()).RoutePattern()
		if override, ok := cfg.Endpoints[route]; ok {
			limit = override
		}
		if limit.Rate <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r)
		decision := m.limiter.Allow(r.Context(), route+":"+m.limiter.HashIP(ip), limit)
		if !decision.Allowed {
			if m.collector != nil {
				m.collector.RecordRateLimited()
			}
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP strips the port from RemoteAddr. The registration protocol keys
// on this origin, so no proxy header is trusted here.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
