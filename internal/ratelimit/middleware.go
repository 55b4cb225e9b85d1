package ratelimit

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"github.com/KikuAI/gateway/internal/apierror"
	"github.com/KikuAI/gateway/internal/metrics"
)

// Config holds ambient per-IP rate limiting configuration. Free-tier quota
// is a separate concern with its own accounting; this limiter only stops
// obvious spam against unauthenticated surfaces.
type Config struct {
	Enabled bool
	Limit   int           // requests per window
	Window  time.Duration // time window

	// Metrics collector (optional)
	Metrics *metrics.Metrics
}

// DefaultConfig returns generous limits designed to stop abuse without
// restricting legitimate use.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Limit:   120,
		Window:  1 * time.Minute,
	}
}

// IPLimiter creates a per-IP rate limiter middleware keyed on the real
// client address behind the CDN.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	windowSeconds := int(cfg.Window.Seconds())

	return httprate.Limit(
		cfg.Limit,
		cfg.Window,
		httprate.WithKeyFuncs(clientIPKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Metrics != nil {
				cfg.Metrics.RateLimitHitsTotal.WithLabelValues("per_ip").Inc()
			}
			resp := apierror.Response{
				Error: apierror.Detail{
					Code:    apierror.CodeRateLimited,
					Message: "Rate limit exceeded. Please try again later.",
				},
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(resp)
		}),
	)
}

// clientIPKey is a httprate.KeyFunc using the CDN-aware client address.
func clientIPKey(r *http.Request) (string, error) {
	return ClientIP(r), nil
}

// ClientIP resolves the real client address. The gateway sits behind
// Cloudflare, so CF-Connecting-IP is authoritative when present; otherwise
// the first hop of X-Forwarded-For is used, then the socket address.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, found := strings.Cut(xff, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
