package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ninakahr/greenlight/internal/observability"
	"github.com/ninakahr/greenlight/internal/overload"
)

// RecoveryMiddleware converts handler panics into 500 responses so one
// bad request cannot take down the listener.
func RecoveryMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panic",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()))
					writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func CorrelationIDMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			corrID := r.Header.Get("X-Correlation-ID")
			if corrID == "" {
				corrID = uuid.New().String()
			}

			ctx := context.WithValue(r.Context(), "correlation_id", corrID)
			r = r.WithContext(ctx)

			w.Header().Set("X-Correlation-ID", corrID)

			logger := logger.With(zap.String("correlation_id", corrID))
			ctx = context.WithValue(ctx, "logger", logger)
			r = r.WithContext(ctx)

			next.ServeHTTP(w, r)
		})
	}
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		observability.HTTPRequestsInFlight.Inc()
		defer observability.HTTPRequestsInFlight.Dec()

		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		duration := time.Since(start).Seconds()
		route := getRoute(r)
		method := r.Method
		statusCode := statusCodeString(recorder.statusCode)

		observability.HTTPRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
		observability.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration)
	})
}

// getRoute maps a request path to its route template, keeping metric
// label cardinality bounded.
func getRoute(r *http.Request) string {
	path := r.URL.Path
	switch {
	case path == "/healthz":
		return "/healthz"
	case path == "/metrics":
		return "/metrics"
	case path == "/hooks/push":
		return "/hooks/push"
	case path == "/api/runs":
		return "/api/runs"
	case strings.HasPrefix(path, "/api/runs/"):
		return "/api/runs/{id}"
	case path == "/api/schedules":
		return "/api/schedules"
	case strings.HasPrefix(path, "/api/schedules/"):
		return "/api/schedules/{id}"
	case path == "/api/workflows":
		return "/api/workflows"
	default:
		return path
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func statusCodeString(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

// TimeoutMiddleware sets a deadline on the request context. When exceeded, downstream handlers
// receive context.DeadlineExceeded. Apply only to routes that need it (e.g. /api, /hooks).
func TimeoutMiddleware(timeout time.Duration) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InFlightMiddleware counts requests in the drain tracker so shutdown
// can wait for them after the listener stops accepting.
func InFlightMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		globalInFlightTracker.Increment()
		defer globalInFlightTracker.Decrement()
		next.ServeHTTP(w, r)
	})
}

// ipLimiterSweepSize is the client-map size above which stale entries
// are swept inline on the next Allow.
const ipLimiterSweepSize = 1024

// ipLimiterTTL is how long an idle client keeps its bucket.
const ipLimiterTTL = 10 * time.Minute

// IPLimiter hands out one token bucket per client address, so a single
// noisy forge proxy or curl loop cannot starve everyone else.
type IPLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	ttl     time.Duration
	clients map[string]*ipClient
}

type ipClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPLimiter returns a per-address limiter allowing rps requests per
// second with the given burst.
func NewIPLimiter(rps float64, burst int) *IPLimiter {
	return &IPLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		ttl:     ipLimiterTTL,
		clients: make(map[string]*ipClient),
	}
}

// Allow reports whether the client may proceed, creating its bucket on
// first sight.
func (l *IPLimiter) Allow(addr string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[addr]
	if !ok {
		c = &ipClient{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[addr] = c
	}
	c.lastSeen = now
	if len(l.clients) > ipLimiterSweepSize {
		l.sweepLocked(now)
	}
	return c.limiter.Allow()
}

func (l *IPLimiter) sweepLocked(now time.Time) {
	for addr, c := range l.clients {
		if now.Sub(c.lastSeen) > l.ttl {
			delete(l.clients, addr)
		}
	}
}

// clientIP extracts the caller address, preferring the first
// X-Forwarded-For hop when a proxy fronts the service.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware returns 429 when the caller's token bucket is
// exhausted. Disabled when limiter is nil.
func RateLimitMiddleware(limiter *IPLimiter) mux.MiddlewareFunc {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := clientIP(r)
			if !limiter.Allow(addr) {
				if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
					logger.Debug("rate limit denied", zap.String("client", addr))
				}
				overload.RecordDenial()
				observability.RateLimitDeniedTotal.Inc()
				writeRateLimitError(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitError(w http.ResponseWriter, r *http.Request) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":      "RATE_LIMITED",
			"message":   "Too many requests",
			"requestId": corrID,
		},
	})
}
