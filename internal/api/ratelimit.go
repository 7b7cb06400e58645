package api

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
)

// RateLimitConfig defines a token bucket per client.
type RateLimitConfig struct {
	RequestsPerWindow int
	Window            time.Duration
	Burst             int
}

// clientLimiters keeps one limiter per client IP.
type clientLimiters struct {
	limiters    sync.Map // map[string]*rate.Limiter
	rate        rate.Limit
	burst       int
	mu          sync.Mutex
	lastCleanup time.Time
}

func (cl *clientLimiters) get(key string) *rate.Limiter {
	if l, ok := cl.limiters.Load(key); ok {
		return l.(*rate.Limiter)
	}
	actual, _ := cl.limiters.LoadOrStore(key, rate.NewLimiter(cl.rate, cl.burst))
	cl.maybeCleanup()
	return actual.(*rate.Limiter)
}

// maybeCleanup drops idle limiters at most every five minutes. A limiter
// with a full bucket has not been used recently.
func (cl *clientLimiters) maybeCleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if time.Since(cl.lastCleanup) < 5*time.Minute {
		return
	}
	cl.lastCleanup = time.Now()
	cl.limiters.Range(func(key, value any) bool {
		if value.(*rate.Limiter).Tokens() >= float64(cl.burst) {
			cl.limiters.Delete(key)
		}
		return true
	})
}

// clientIP reads RemoteAddr, which middleware.RealIP has already rewritten
// from X-Forwarded-For or X-Real-IP.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// rateLimit rejects clients that exceed cfg with 429 and a Retry-After header.
func rateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	cl := &clientLimiters{
		rate:        rate.Limit(float64(cfg.RequestsPerWindow) / cfg.Window.Seconds()),
		burst:       cfg.Burst,
		lastCleanup: time.Now(),
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			limiter := cl.get(key)
			if !limiter.Allow() {
				res := limiter.Reserve()
				delay := res.Delay()
				res.Cancel()

				retryAfter := max(int(delay.Seconds()), 1)
				slog.Warn("rateLimit: webhook request throttled", "client", key, "path", r.URL.Path, "retryAfter", retryAfter)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSONResponse(w, http.StatusTooManyRequests, models.Error("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
