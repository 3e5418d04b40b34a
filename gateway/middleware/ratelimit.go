package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit configures a per-client budget for one route group.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// RateLimiter throttles callers by API key when present, falling back to the
// client IP. Limits are keyed by route group so admin and settlement routes
// can carry different budgets.
type RateLimiter struct {
	logger *slog.Logger
	limits map[string]RateLimit

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
	nowFn    func() time.Time
}

// NewRateLimiter builds a limiter from the configured budgets.
func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[string]*rate.Limiter),
		nowFn:    time.Now,
	}
}

// Middleware enforces the budget registered under key; unknown keys pass
// through untouched.
func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[key]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			id := clientID(req)
			if !r.obtainLimiter(key+"|"+id, limit).Allow() {
				r.logger.Warn("rate limit exceeded", "route", key, "client", id)
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) obtainLimiter(id string, cfg RateLimit) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	limiter, ok := r.visitors[id]
	if ok {
		return limiter
	}
	perSecond := cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[id] = limiter
	return limiter
}

func clientID(req *http.Request) string {
	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
