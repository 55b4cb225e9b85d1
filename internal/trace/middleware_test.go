package trace

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/KikuAI/gateway/internal/logger"
)

func TestMiddlewareGeneratesRequestID(t *testing.T) {
	var seen string
	handler := Middleware(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if seen == "" {
		t.Fatal("request id missing from context")
	}
	if got := w.Header().Get(HeaderRequestID); got != seen {
		t.Errorf("response header %s = %q, want %q", HeaderRequestID, got, seen)
	}
}

func TestMiddlewareHonorsInboundRequestID(t *testing.T) {
	handler := Middleware(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := logger.GetRequestID(r.Context()); got != "req-abc-123" {
			t.Errorf("context request id = %q, want req-abc-123", got)
		}
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderRequestID, "req-abc-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get(HeaderRequestID); got != "req-abc-123" {
		t.Errorf("response header = %q, want echoed id", got)
	}
}

func TestStatusRecorderCapturesStatus(t *testing.T) {
	handler := Middleware(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))

	req := httptest.NewRequest("POST", "/api/v1/chart2csv/extract", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", w.Code)
	}
}
