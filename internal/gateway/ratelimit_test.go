package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestRateLimiterAllow(t *testing.T) {
	cfg := RateLimiterConfig{
		Rate:            rate.Limit(10),
		Burst:           2,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	}
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	if !rl.Allow("alice") {
		t.Error("first request should pass")
	}
	if !rl.Allow("alice") {
		t.Error("second request should pass (burst)")
	}
	if rl.Allow("alice") {
		t.Error("third immediate request should be rejected")
	}
}

func TestRateLimiterSeparateUsers(t *testing.T) {
	cfg := RateLimiterConfig{
		Rate:            rate.Limit(10),
		Burst:           1,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	}
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	if !rl.Allow("alice") {
		t.Error("alice's first request should pass")
	}
	if !rl.Allow("bob") {
		t.Error("bob's first request should pass")
	}
	if rl.Allow("alice") {
		t.Error("alice's second immediate request should be rejected")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	cfg := RateLimiterConfig{
		Rate:            rate.Limit(10),
		Burst:           1,
		CleanupInterval: time.Hour,
		MaxAge:          10 * time.Millisecond,
	}
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	rl.Allow("alice")
	time.Sleep(30 * time.Millisecond)
	rl.cleanup()

	rl.mu.Lock()
	remaining := len(rl.entries)
	rl.mu.Unlock()
	if remaining != 0 {
		t.Errorf("%d entries survived cleanup, want 0", remaining)
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	cfg := RateLimiterConfig{
		Rate:            rate.Limit(1),
		Burst:           1,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	}
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	authedReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/v1/events", nil)
		return req.WithContext(context.WithValue(req.Context(), authUserIDKey, "alice"))
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedReq())
	if w.Code != http.StatusOK {
		t.Errorf("first request: status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, authedReq())
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", w.Code)
	}
}
