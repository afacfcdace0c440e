package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// limited wraps an OK handler in RateLimit for the life of the test.
func limited(t *testing.T, rps float64) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return RateLimit(ctx, rps)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestRateLimit_Disabled(t *testing.T) {
	t.Parallel()
	handler := limited(t, 0)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	t.Parallel()
	handler := limited(t, 10)
	// First request should always be allowed (burst=rps=10).
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil)
	req.RemoteAddr = "1.2.3.4:5678"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestRateLimit_BlocksOverLimit(t *testing.T) {
	t.Parallel()
	// rps=1, burst=1: second request from same IP should be blocked.
	handler := limited(t, 1)

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil)
		req.RemoteAddr = "5.6.7.8:1234"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	// First request: allowed (consumes the burst token).
	if code := send(); code != http.StatusOK {
		t.Errorf("first request: status = %d, want 200", code)
	}
	// Second request immediately after: blocked.
	if code := send(); code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", code)
	}
	// Another client keeps its own bucket.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil)
	req.RemoteAddr = "5.6.7.9:1234"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("other client: status = %d, want 200", rr.Code)
	}
}

func TestRateLimit_OnlyAppliesTo_PostJobs(t *testing.T) {
	t.Parallel()
	// rps=1, but GET requests should never be rate limited.
	handler := limited(t, 1)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
		req.RemoteAddr = "9.9.9.9:9999"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("GET request %d: status = %d, want 200", i+1, rr.Code)
		}
	}
}

func TestRateLimit_AppliesToUploads(t *testing.T) {
	t.Parallel()
	handler := limited(t, 0.5)

	codes := make([]int, 2)
	for i := range codes {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", nil)
		req.Header.Set("X-Forwarded-For", "10.0.0.1, 172.16.0.1")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		codes[i] = rr.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 429]", codes)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		fwd    string
		remote string
		want   string
	}{
		{"forwarded chain", "1.1.1.1, 2.2.2.2", "9.9.9.9:1", "1.1.1.1"},
		{"single forwarded", " 3.3.3.3 ", "9.9.9.9:1", "3.3.3.3"},
		{"remote addr", "", "4.4.4.4:5555", "4.4.4.4"},
		{"ipv6 remote addr", "", "[2001:db8::1]:443", "2001:db8::1"},
		{"no port", "", "pipe", "pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.fwd != "" {
				req.Header.Set("X-Forwarded-For", tt.fwd)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSubmitLimiter_EvictIdle(t *testing.T) {
	t.Parallel()
	l := newSubmitLimiter(1)
	now := time.Now()
	l.now = func() time.Time { return now.Add(-time.Hour) }
	l.allow("stale")
	l.now = func() time.Time { return now }
	l.allow("fresh")

	l.evictIdle(now.Add(-clientIdleAfter))

	if _, ok := l.clients["stale"]; ok {
		t.Error("idle client kept")
	}
	if _, ok := l.clients["fresh"]; !ok {
		t.Error("active client evicted")
	}
	// A forgotten client starts with a full bucket again.
	if !l.allow("stale") {
		t.Error("evicted client throttled on return")
	}
}
