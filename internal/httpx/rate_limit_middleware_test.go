package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMemoryRateLimiterWindow(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	window := 50 * time.Millisecond
	for i := 1; i <= 3; i++ {
		decision := rl.Allow("operator:jess", 3, window)
		if !decision.allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if decision.count != i {
			t.Fatalf("expected count %d, got %d", i, decision.count)
		}
	}
	if decision := rl.Allow("operator:jess", 3, window); decision.allowed {
		t.Fatalf("fourth request should be limited")
	}

	// Another key is counted independently.
	if decision := rl.Allow("operator:amani", 3, window); !decision.allowed {
		t.Fatalf("independent key should be allowed")
	}

	// The counter resets once the window passes.
	time.Sleep(window + 10*time.Millisecond)
	if decision := rl.Allow("operator:jess", 3, window); !decision.allowed || decision.count != 1 {
		t.Fatalf("expected fresh window, got allowed=%v count=%d", decision.allowed, decision.count)
	}
}

func TestMemoryRateLimiterZeroLimitDisables(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()
	for i := 0; i < 10; i++ {
		if decision := rl.Allow("ip:10.0.0.1", 0, time.Minute); !decision.allowed {
			t.Fatalf("zero limit must not throttle")
		}
	}
}

func TestRateLimitKeyPrefersOperator(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/deployments", nil)
	req.RemoteAddr = "10.1.2.3:51000"
	if key := rateLimitKey(req); key != "ip:10.1.2.3" {
		t.Fatalf("expected IP key, got %q", key)
	}

	ctx := context.WithValue(req.Context(), contextKeyAuth, authInfo{Operator: "jess"})
	if key := rateLimitKey(req.WithContext(ctx)); key != "operator:jess" {
		t.Fatalf("expected operator key, got %q", key)
	}
}

func TestWithRateLimitRejectsAndSetsHeaders(t *testing.T) {
	router := setupRouter(t, &deployStub{}, &storeStub{})

	calls := 0
	handler := router.withRateLimit("probe_route", 2, time.Minute, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	})

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/deployments", nil)
		req.RemoteAddr = "10.9.9.9:40000"
		last = httptest.NewRecorder()
		handler(last, req)
	}
	if calls != 2 {
		t.Fatalf("expected 2 handled requests, got %d", calls)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", last.Code)
	}
	if got := last.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Fatalf("unexpected limit header %q", got)
	}
	if got := last.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("unexpected remaining header %q", got)
	}
}
