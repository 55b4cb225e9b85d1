package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Enabled {
		t.Error("Expected per-IP rate limiting to be enabled by default")
	}
	if cfg.Limit != 120 {
		t.Errorf("Expected per-IP limit 120, got %d", cfg.Limit)
	}
}

func TestIPLimiter_Disabled(t *testing.T) {
	limiter := IPLimiter(Config{Enabled: false})

	handler := limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Should allow unlimited requests when disabled
	for i := 0; i < 100; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i, w.Code)
		}
	}
}

func TestIPLimiter_EnforcesLimit(t *testing.T) {
	limiter := IPLimiter(Config{
		Enabled: true,
		Limit:   5,
		Window:  1 * time.Minute,
	})

	handler := limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// First 5 requests should succeed
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i, w.Code)
		}
	}

	// 6th request should be rate limited with the standard envelope
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 after limit exceeded, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header on 429 response")
	}

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode 429 body: %v", err)
	}
	if body.Error.Code != "RATE_LIMITED" {
		t.Errorf("Expected error code RATE_LIMITED, got %q", body.Error.Code)
	}
}

func TestIPLimiter_SeparateIPs(t *testing.T) {
	limiter := IPLimiter(Config{
		Enabled: true,
		Limit:   1,
		Window:  1 * time.Minute,
	})

	handler := limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Exhaust the budget for one address
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("CF-Connecting-IP", "198.51.100.1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("First request: expected 200, got %d", w.Code)
	}

	// A different client address still gets through
	req2 := httptest.NewRequest("GET", "/test", nil)
	req2.Header.Set("CF-Connecting-IP", "198.51.100.2")
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Errorf("Different IP: expected 200, got %d", w2.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		cfIP       string
		forwarded  string
		remoteAddr string
		want       string
	}{
		{"cloudflare header wins", "198.51.100.7", "10.0.0.1, 10.0.0.2", "127.0.0.1:9999", "198.51.100.7"},
		{"first forwarded hop", "", "203.0.113.4, 10.0.0.2", "127.0.0.1:9999", "203.0.113.4"},
		{"single forwarded hop", "", "203.0.113.4", "127.0.0.1:9999", "203.0.113.4"},
		{"socket fallback", "", "", "192.0.2.10:51234", "192.0.2.10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.cfIP != "" {
				req.Header.Set("CF-Connecting-IP", tt.cfIP)
			}
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
