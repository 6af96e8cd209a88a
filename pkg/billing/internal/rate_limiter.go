package internal

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window, per-client-IP limiter for webhook endpoints.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*window
	limit   int
	period  time.Duration
	now     func() time.Time

	// TrustForwarded makes the limiter key on X-Forwarded-For / X-Real-IP.
	// Only enable behind a proxy that overwrites these headers.
	TrustForwarded bool

	seen         int
	sweepEvery   int
	sweepAtCount int
}

type window struct {
	hits    int
	resetAt time.Time
}

// NewRateLimiter allows limit requests per client in each period.
func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		clients:      make(map[string]*window),
		limit:        limit,
		period:       period,
		now:          time.Now,
		sweepEvery:   100,
		sweepAtCount: 200,
	}
}

// Allow records a hit for key and reports whether it is within the limit. When the
// limit is exceeded it also returns how long until the window resets.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.seen++
	if rl.seen >= rl.sweepEvery || len(rl.clients) > rl.sweepAtCount {
		rl.sweep(now)
		rl.seen = 0
	}

	w, ok := rl.clients[key]
	if !ok || !now.Before(w.resetAt) {
		rl.clients[key] = &window{hits: 1, resetAt: now.Add(rl.period)}
		return true, 0
	}
	if w.hits >= rl.limit {
		return false, w.resetAt.Sub(now)
	}
	w.hits++
	return true, 0
}

func (rl *RateLimiter) sweep(now time.Time) {
	for key, w := range rl.clients {
		if !now.Before(w.resetAt) {
			delete(rl.clients, key)
		}
	}
}

// Cleanup drops every expired window.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweep(rl.now())
}

// Middleware rejects over-limit clients with 429 and a Retry-After header.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retryIn := rl.Allow(rl.clientKey(r))
		if !ok {
			secs := int(retryIn.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) clientKey(r *http.Request) string {
	if rl.TrustForwarded {
		return GetClientIP(r)
	}
	return remoteHost(r.RemoteAddr)
}

// GetClientIP extracts the client IP address from the request.
// Checks X-Forwarded-For (first hop) and X-Real-IP, then falls back to RemoteAddr
// without its port.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return remoteHost(r.RemoteAddr)
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
