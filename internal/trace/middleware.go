// Package trace owns request identity: every request gets a stable id that
// flows through logs, error envelopes, upstream calls, and debug captures.
package trace

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/KikuAI/gateway/internal/logger"
	"github.com/KikuAI/gateway/internal/ratelimit"
)

// HeaderRequestID is the inbound/outbound correlation header.
const HeaderRequestID = "X-Request-ID"

// Middleware assigns a request id (honoring a caller-supplied one), binds a
// request-scoped logger into the context, and logs completion with timing.
func Middleware(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(HeaderRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}

			reqLogger := base.With().
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Logger()

			ctx := logger.WithRequestID(r.Context(), requestID)
			ctx = logger.WithContext(ctx, reqLogger)

			w.Header().Set(HeaderRequestID, requestID)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(ctx))

			reqLogger.Info().
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Str("client_ip", ratelimit.ClientIP(r)).
				Msg("http.request")
		})
	}
}

// statusRecorder captures the response status for the completion log.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.written {
		r.status = status
		r.written = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.written = true
	return r.ResponseWriter.Write(b)
}
