// Package httpserver wires the public HTTP surface: auth and account routes
// under /api/v1, metered product routes, stable webhook paths, and the
// operational endpoints.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/KikuAI/gateway/internal/auth"
	"github.com/KikuAI/gateway/internal/config"
	"github.com/KikuAI/gateway/internal/gateway"
	"github.com/KikuAI/gateway/internal/ledger"
	"github.com/KikuAI/gateway/internal/metrics"
	"github.com/KikuAI/gateway/internal/payments"
	"github.com/KikuAI/gateway/internal/quota"
	"github.com/KikuAI/gateway/internal/ratelimit"
	"github.com/KikuAI/gateway/internal/trace"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg      *config.Config
	auth     *auth.Service
	ledger   *ledger.Service
	quota    *quota.Engine
	payments *payments.Engine
	pipeline *gateway.Pipeline
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
}

// New builds the HTTP server with the configured router.
func New(cfg *config.Config, authSvc *auth.Service, ledgerSvc *ledger.Service, quotaEngine *quota.Engine, paymentsEngine *payments.Engine, pipeline *gateway.Pipeline, metricsCollector *metrics.Metrics, gatherer prometheus.Gatherer, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:      cfg,
			auth:     authSvc,
			ledger:   ledgerSvc,
			quota:    quotaEngine,
			payments: paymentsEngine,
			pipeline: pipeline,
			metrics:  metricsCollector,
			gatherer: gatherer,
			logger:   appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, s.handlers)

	return s
}

// ConfigureRouter attaches all gateway routes to an existing router.
func ConfigureRouter(router chi.Router, handler handlers) {
	if router == nil {
		return
	}

	if len(handler.cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   handler.cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"X-Request-ID", "X-Credits-Used", "X-Credits-Balance"},
			AllowCredentials: true,
			MaxAge:           300,
		}).Handler)
	}

	// Request-id and context logger first so everything downstream logs
	// with correlation.
	router.Use(trace.Middleware(handler.logger))
	router.Use(middleware.Recoverer)

	rateLimitCfg := ratelimit.DefaultConfig()
	if handler.cfg.RateLimit.PerIPLimit > 0 {
		rateLimitCfg.Enabled = handler.cfg.RateLimit.Enabled
		rateLimitCfg.Limit = handler.cfg.RateLimit.PerIPLimit
		rateLimitCfg.Window = handler.cfg.RateLimit.Window.Duration
	}
	rateLimitCfg.Metrics = handler.metrics
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	// Lightweight endpoints with a short timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", handler.health)
		r.Handle("/metrics", handler.metricsHandler())
	})

	// Webhooks stay at stable unversioned paths; providers are configured
	// with these URLs and never renegotiate them.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/webhooks/{provider}", handler.paymentWebhook)
	})

	router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(15 * time.Second))

			r.Post("/auth/magic-link", handler.requestMagicLink)
			r.Post("/auth/verify", handler.verifyMagicLink)
			r.Post("/auth/telegram", handler.telegramLogin)
			r.Post("/auth/google", handler.googleLogin)
			r.Get("/auth/google/init", handler.googleInit)
			r.Get("/auth/google/callback", handler.googleCallback)
			r.Post("/auth/refresh", handler.refreshSession)
			r.Post("/auth/logout", handler.logout)

			r.Get("/pricing", handler.pricing)
			r.Post("/pricing/estimate", handler.pricingEstimate)

			// /auth/me reports session identity, so only the access token
			// unlocks it; product API keys work for the account routes below.
			r.With(handler.tokenAuth).Get("/auth/me", handler.me)

			r.Group(func(r chi.Router) {
				r.Use(handler.sessionAuth)
				r.Get("/balance", handler.balance)
				r.Get("/usage", handler.usage)
				r.Get("/history", handler.history)
				r.Post("/keys", handler.createKey)
				r.Get("/keys", handler.listKeys)
				r.Delete("/keys/{id}", handler.revokeKey)
				r.Post("/payments", handler.createPayment)
			})
		})

		// Metered product routes. Generous timeout: the budget covers the
		// upstream call plus detached metering.
		if handler.pipeline != nil {
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(120 * time.Second))
				mountProducts(r, handler.pipeline, handler.cfg.Upstreams)
			})
		}
	})
}

// mountProducts binds each catalogue product to its upstream under a
// wildcard so sub-paths forward verbatim.
func mountProducts(r chi.Router, pipeline *gateway.Pipeline, upstreams config.UpstreamsConfig) {
	for _, route := range productRoutes(upstreams) {
		r.Handle("/"+route.Product.ID+"/*", pipeline.Handler(route))
	}
}

func (h *handlers) metricsHandler() http.Handler {
	if h.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
