package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter(limit int, period time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limit, period)
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiter_AllowWithinWindow(t *testing.T) {
	rl, clock := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if ok, _ := rl.Allow("1.2.3.4"); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	ok, retry := rl.Allow("1.2.3.4")
	if ok {
		t.Fatal("4th request should be rejected")
	}
	if retry != time.Minute {
		t.Errorf("retry = %v, want 1m", retry)
	}

	// Other clients are independent
	if ok, _ := rl.Allow("5.6.7.8"); !ok {
		t.Error("different client should be allowed")
	}

	clock.t = clock.t.Add(time.Minute)
	if ok, _ := rl.Allow("1.2.3.4"); !ok {
		t.Error("request after window reset should be allowed")
	}
}

func TestRateLimiter_SweepRemovesExpired(t *testing.T) {
	rl, clock := newTestLimiter(10, time.Second)

	for i := 0; i < 50; i++ {
		rl.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	if len(rl.clients) != 50 {
		t.Fatalf("expected 50 windows, got %d", len(rl.clients))
	}

	clock.t = clock.t.Add(2 * time.Second)
	rl.Cleanup()
	if len(rl.clients) != 0 {
		t.Errorf("expected all windows swept, got %d", len(rl.clients))
	}
}

func TestRateLimiter_SweepOnRequestCount(t *testing.T) {
	rl, clock := newTestLimiter(1000, time.Second)

	rl.Allow("stale")
	clock.t = clock.t.Add(2 * time.Second)
	for i := 0; i < rl.sweepEvery; i++ {
		rl.Allow("active")
	}
	if _, ok := rl.clients["stale"]; ok {
		t.Error("stale window should be swept after sweepEvery requests")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newTestLimiter(1, time.Minute)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
		req.RemoteAddr = "192.168.1.10:5555"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	if w := send(); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	w := send()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
}

func TestRateLimiter_IgnoresForwardedUnlessTrusted(t *testing.T) {
	rl, _ := newTestLimiter(1, time.Minute)

	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.RemoteAddr = "10.1.1.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")

	if key := rl.clientKey(req); key != "10.1.1.1" {
		t.Errorf("untrusted key = %q", key)
	}
	rl.TrustForwarded = true
	if key := rl.clientKey(req); key != "203.0.113.9" {
		t.Errorf("trusted key = %q", key)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{name: "xff first hop", header: map[string]string{"X-Forwarded-For": "1.1.1.1, 2.2.2.2"}, remote: "3.3.3.3:1", want: "1.1.1.1"},
		{name: "real ip", header: map[string]string{"X-Real-IP": "4.4.4.4"}, remote: "3.3.3.3:1", want: "4.4.4.4"},
		{name: "remote addr", remote: "3.3.3.3:1", want: "3.3.3.3"},
		{name: "remote without port", remote: "3.3.3.3", want: "3.3.3.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := GetClientIP(req); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
