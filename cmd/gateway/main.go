// Command gateway runs the metered API gateway: the public HTTP surface,
// the prepaid ledger, free-tier quota enforcement, and payment settlement.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/KikuAI/gateway/internal/auth"
	"github.com/KikuAI/gateway/internal/circuitbreaker"
	"github.com/KikuAI/gateway/internal/config"
	"github.com/KikuAI/gateway/internal/dbpool"
	"github.com/KikuAI/gateway/internal/email"
	"github.com/KikuAI/gateway/internal/gateway"
	"github.com/KikuAI/gateway/internal/httpserver"
	"github.com/KikuAI/gateway/internal/kv"
	"github.com/KikuAI/gateway/internal/ledger"
	"github.com/KikuAI/gateway/internal/lifecycle"
	"github.com/KikuAI/gateway/internal/logger"
	"github.com/KikuAI/gateway/internal/metrics"
	"github.com/KikuAI/gateway/internal/notify"
	"github.com/KikuAI/gateway/internal/payments"
	"github.com/KikuAI/gateway/internal/quota"
)

const version = "1.0.0"

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("KIKU_CONFIG"), "path to config YAML")
	flag.Parse()

	// Local development convenience; absent .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("config load failed")
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "kiku-gateway",
		Version:     version,
		Environment: cfg.Logging.Environment,
	})

	resources := lifecycle.NewManager()
	defer func() {
		if err := resources.Close(); err != nil {
			appLogger.Error().Err(err).Msg("resource cleanup failed")
		}
	}()

	ctx := context.Background()

	pool, err := dbpool.NewSharedPool(cfg.Database)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("postgres connection failed")
	}
	resources.Register("postgres", pool)

	kvClient, err := kv.New(ctx, cfg.Redis.URL)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("redis connection failed")
	}
	resources.Register("redis", kvClient)
	rdb := kvClient.Redis()

	breaker := circuitbreaker.NewManagerFromConfig(cfg.Breaker)
	registry := prometheus.NewRegistry()
	metricsCollector := metrics.New(registry)

	store, err := ledger.NewPostgresStore(pool.DB())
	if err != nil {
		appLogger.Fatal().Err(err).Msg("ledger store init failed")
	}
	balanceCache := ledger.NewBalanceCache(rdb, breaker)
	ledgerSvc := ledger.NewService(store, balanceCache, metricsCollector)

	quotaEngine := quota.New(quota.NewRedisCounterStore(rdb))

	sender := email.NewSender(cfg.Email, appLogger)
	authSvc := auth.NewService(store, auth.NewRedisKV(rdb), cfg.Auth, cfg.Server.FrontendURL, sender, metricsCollector)

	notifier := notify.New(cfg.Notify, breaker)
	paymentsEngine := payments.NewEngine(ledgerSvc, notifier, metricsCollector, cfg.Payments)
	registerProviders(paymentsEngine, cfg, rdb, breaker, metricsCollector, appLogger)

	topupURL := strings.TrimSuffix(cfg.Server.FrontendURL, "/") + "/topup"
	pipeline := gateway.New(ledgerSvc, quotaEngine, authSvc, metricsCollector, topupURL)

	server := httpserver.New(cfg, authSvc, ledgerSvc, quotaEngine, paymentsEngine, pipeline, metricsCollector, registry, appLogger)

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info().Str("address", cfg.Server.Address).Msg("gateway listening")
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		appLogger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		appLogger.Error().Err(err).Msg("server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// registerProviders wires every enabled payment provider. A provider left
// disabled simply never appears in /payments or /webhooks routing.
func registerProviders(engine *payments.Engine, cfg *config.Config, rdb *redis.Client, breaker *circuitbreaker.Manager, m *metrics.Metrics, appLogger zerolog.Logger) {
	if cfg.Payments.Paddle.Enabled {
		engine.Register(payments.NewPaddleProvider(cfg.Payments.Paddle, breaker, m))
	}
	if cfg.Payments.LemonSqueezy.Enabled {
		engine.Register(payments.NewLemonSqueezyProvider(cfg.Payments.LemonSqueezy, breaker, m))
	}
	if cfg.Payments.Creem.Enabled {
		engine.Register(payments.NewCreemProvider(cfg.Payments.Creem, breaker, m))
	}
	if cfg.Payments.Stripe.Enabled {
		engine.Register(payments.NewStripeProvider(cfg.Payments.Stripe))
	}
	if cfg.Payments.Stars.Enabled {
		engine.Register(payments.NewStarsProvider(cfg.Payments.Stars, payments.NewRedisInvoiceStore(rdb)))
	}
	appLogger.Info().Strs("providers", engine.ProviderTags()).Msg("payment providers registered")
}
