// Package middleware provides HTTP middleware components for the webhook receiver.
package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestRateLimiter_GlobalLimitEnforced(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   10,
		GlobalBurst: 10,
		PerIPRPS:    50,
	})
	defer rl.Close()

	successCount := 0

	for i := 0; i < 11; i++ {
		if rl.Allow("203.0.113.1") {
			successCount++
		}
	}

	if successCount != 10 {
		t.Errorf("expected 10 successful requests, got %d", successCount)
	}
}

func TestRateLimiter_PerIPLimitEnforced(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:  100,
		PerIPRPS:   5,
		PerIPBurst: 5,
	})
	defer rl.Close()

	clientIP := "203.0.113.1"
	successCount := 0

	for i := 0; i < 6; i++ {
		if rl.Allow(clientIP) {
			successCount++
		}
	}

	if successCount != 5 {
		t.Errorf("expected 5 successful requests, got %d", successCount)
	}
}

func TestRateLimiter_PerIPIsolation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:  100,
		PerIPRPS:   5,
		PerIPBurst: 5,
	})
	defer rl.Close()

	ip1 := "203.0.113.1"
	ip2 := "203.0.113.2"

	for i := 0; i < 5; i++ {
		if !rl.Allow(ip1) {
			t.Errorf("ip1 request %d should succeed", i+1)
		}
	}

	if rl.Allow(ip1) {
		t.Error("ip1 should be rate limited")
	}

	for i := 0; i < 5; i++ {
		if !rl.Allow(ip2) {
			t.Errorf("ip2 request %d should succeed", i+1)
		}
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS: 100,
		PerIPRPS:  50,
	})
	defer rl.Close()

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func(clientIP string) {
			defer wg.Done()

			for j := 0; j < 10; j++ {
				_ = rl.Allow(clientIP)
			}
		}(fmt.Sprintf("203.0.113.%d", i))
	}

	wg.Wait()
}

func TestRateLimiter_MemoryCleanup(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		PerIPRPS:    50,
		IdleTimeout: 100 * time.Millisecond,
	})
	defer rl.Close()

	clientIP := "203.0.113.9"
	if !rl.Allow(clientIP) {
		t.Fatal("first request should succeed")
	}

	rl.mu.RLock()
	_, exists := rl.perIP[clientIP]
	rl.mu.RUnlock()

	if !exists {
		t.Fatal("per-IP limiter should exist after first request")
	}

	time.Sleep(150 * time.Millisecond)
	rl.cleanup()

	rl.mu.RLock()
	_, exists = rl.perIP[clientIP]
	rl.mu.RUnlock()

	if exists {
		t.Error("stale per-IP limiter should have been removed after cleanup")
	}
}

func TestRateLimiter_CleanupPreservesActiveClients(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		PerIPRPS:    50,
		IdleTimeout: 100 * time.Millisecond,
	})
	defer rl.Close()

	staleIP := "203.0.113.10"
	activeIP := "203.0.113.11"

	if !rl.Allow(staleIP) {
		t.Fatal("stale client first request should succeed")
	}

	if !rl.Allow(activeIP) {
		t.Fatal("active client first request should succeed")
	}

	time.Sleep(150 * time.Millisecond)

	if !rl.Allow(activeIP) {
		t.Fatal("active client should still be allowed")
	}

	rl.cleanup()

	rl.mu.RLock()
	_, staleExists := rl.perIP[staleIP]
	_, activeExists := rl.perIP[activeIP]
	rl.mu.RUnlock()

	if staleExists {
		t.Error("stale client should have been removed")
	}

	if !activeExists {
		t.Error("active client should have been preserved")
	}
}

func TestRateLimitMiddleware_RequestAllowed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 100, PerIPRPS: 50})
	defer rl.Close()

	logger := slog.New(slog.DiscardHandler)

	nextCalled := false
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		nextCalled = true

		w.WriteHeader(http.StatusOK)
	})

	handler := RateLimit(rl, logger)(nextHandler)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "203.0.113.20:54321"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !nextCalled {
		t.Error("expected next handler to be called when rate limit not exceeded")
	}

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_RequestBlocked(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   1,
		GlobalBurst: 1,
		PerIPRPS:    1,
	})
	defer rl.Close()

	logger := slog.New(slog.DiscardHandler)

	nextCalled := false
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		nextCalled = true

		w.WriteHeader(http.StatusOK)
	})

	handler := RateLimit(rl, logger)(nextHandler)

	req1 := httptest.NewRequest(http.MethodGet, "/test", nil)
	req1.RemoteAddr = "203.0.113.21:54321"
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)

	if rec1.Code != http.StatusOK {
		t.Errorf("first request should succeed, got status %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/test", nil)
	req2.RemoteAddr = "203.0.113.21:54321"
	rec2 := httptest.NewRecorder()
	nextCalled = false

	handler.ServeHTTP(rec2, req2)

	if nextCalled {
		t.Error("expected next handler NOT to be called when rate limit exceeded")
	}

	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", rec2.Code)
	}
}

func TestRateLimitMiddleware_RFC7807ErrorFormat(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   1,
		GlobalBurst: 1,
		PerIPRPS:    1,
	})
	defer rl.Close()

	logger := slog.New(slog.DiscardHandler)

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := RateLimit(rl, logger)(nextHandler)

	req1 := httptest.NewRequest(http.MethodGet, "/test", nil)
	req1.RemoteAddr = "203.0.113.22:54321"
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)

	req2 := httptest.NewRequest(http.MethodGet, "/webhooks", nil)
	req2.RemoteAddr = "203.0.113.22:54321"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	contentType := rec2.Header().Get("Content-Type")
	if contentType != "application/problem+json" {
		t.Errorf("expected Content-Type application/problem+json, got %s", contentType)
	}

	var problem map[string]interface{}
	if err := json.Unmarshal(rec2.Body.Bytes(), &problem); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}

	if problem["type"] != "https://webhookd.example.com/problems/429" {
		t.Errorf("expected type https://webhookd.example.com/problems/429, got %v", problem["type"])
	}

	if problem["title"] != "Too Many Requests" {
		t.Errorf("expected title 'Too Many Requests', got %v", problem["title"])
	}

	if problem["status"] != float64(429) {
		t.Errorf("expected status 429, got %v", problem["status"])
	}

	if problem["instance"] != "/webhooks" {
		t.Errorf("expected instance /webhooks, got %v", problem["instance"])
	}
}

func TestRateLimitMiddleware_DistinctIPsTrackedSeparately(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:  100,
		PerIPRPS:   2,
		PerIPBurst: 2,
	})
	defer rl.Close()

	logger := slog.New(slog.DiscardHandler)

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := RateLimit(rl, logger)(nextHandler)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.RemoteAddr = "203.0.113.30:11111"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("client A request %d should succeed, got status %d", i+1, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "203.0.113.30:11111"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("client A's 3rd request should be rate limited, got status %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "203.0.113.31:22222"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("client B should not be affected by client A's limit, got status %d", rec.Code)
	}
}
