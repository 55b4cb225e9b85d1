package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use KIKU_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "KIKU_SERVER_ADDRESS")
	setIfEnv(&c.Server.FrontendURL, "KIKU_FRONTEND_URL")
	setDurationIfEnv(&c.Server.ReadTimeout, "KIKU_SERVER_READ_TIMEOUT")
	setDurationIfEnv(&c.Server.WriteTimeout, "KIKU_SERVER_WRITE_TIMEOUT")
	setDurationIfEnv(&c.Server.IdleTimeout, "KIKU_SERVER_IDLE_TIMEOUT")
	if v := os.Getenv("KIKU_CORS_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		if len(origins) > 0 {
			c.Server.CORSAllowedOrigins = origins
		}
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "KIKU_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "KIKU_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "KIKU_ENVIRONMENT")

	// Database config
	setIfEnv(&c.Database.PostgresURL, "KIKU_POSTGRES_URL")
	setIntIfEnv(&c.Database.MaxOpenConns, "KIKU_POSTGRES_MAX_OPEN_CONNS")
	setIntIfEnv(&c.Database.MaxIdleConns, "KIKU_POSTGRES_MAX_IDLE_CONNS")
	setDurationIfEnv(&c.Database.ConnMaxLifetime, "KIKU_POSTGRES_CONN_MAX_LIFETIME")

	// Redis config
	setIfEnv(&c.Redis.URL, "KIKU_REDIS_URL")

	// Auth config
	setIfEnv(&c.Auth.ServerSecret, "KIKU_SERVER_SECRET")
	setIfEnv(&c.Auth.APIKeyPrefix, "KIKU_API_KEY_PREFIX")
	setDurationIfEnv(&c.Auth.AccessTokenTTL, "KIKU_ACCESS_TOKEN_TTL")
	setDurationIfEnv(&c.Auth.RefreshTokenTTL, "KIKU_REFRESH_TOKEN_TTL")
	setDurationIfEnv(&c.Auth.MagicLinkTTL, "KIKU_MAGIC_LINK_TTL")
	setIfEnv(&c.Auth.TelegramBotToken, "KIKU_TELEGRAM_BOT_TOKEN")
	setIfEnv(&c.Auth.Google.ClientID, "KIKU_GOOGLE_CLIENT_ID")
	setIfEnv(&c.Auth.Google.ClientSecret, "KIKU_GOOGLE_CLIENT_SECRET")
	setIfEnv(&c.Auth.Google.RedirectURL, "KIKU_GOOGLE_REDIRECT_URL")

	// Payments config
	setIfEnv(&c.Payments.LowBalanceThreshold, "KIKU_LOW_BALANCE_THRESHOLD")
	setIfEnv(&c.Payments.SuccessURL, "KIKU_PAYMENT_SUCCESS_URL")
	setIfEnv(&c.Payments.CancelURL, "KIKU_PAYMENT_CANCEL_URL")

	setBoolIfEnv(&c.Payments.Paddle.Enabled, "KIKU_PADDLE_ENABLED")
	setIfEnv(&c.Payments.Paddle.APIKey, "KIKU_PADDLE_API_KEY")
	setIfEnv(&c.Payments.Paddle.WebhookSecret, "KIKU_PADDLE_WEBHOOK_SECRET")
	setIfEnv(&c.Payments.Paddle.Environment, "KIKU_PADDLE_ENVIRONMENT")

	setBoolIfEnv(&c.Payments.LemonSqueezy.Enabled, "KIKU_LEMONSQUEEZY_ENABLED")
	setIfEnv(&c.Payments.LemonSqueezy.APIKey, "KIKU_LEMONSQUEEZY_API_KEY")
	setIfEnv(&c.Payments.LemonSqueezy.WebhookSecret, "KIKU_LEMONSQUEEZY_WEBHOOK_SECRET")

	setBoolIfEnv(&c.Payments.Creem.Enabled, "KIKU_CREEM_ENABLED")
	setIfEnv(&c.Payments.Creem.APIKey, "KIKU_CREEM_API_KEY")
	setIfEnv(&c.Payments.Creem.ProductID, "KIKU_CREEM_PRODUCT_ID")
	setIfEnv(&c.Payments.Creem.WebhookSecret, "KIKU_CREEM_WEBHOOK_SECRET")

	setBoolIfEnv(&c.Payments.Stripe.Enabled, "KIKU_STRIPE_ENABLED")
	setIfEnv(&c.Payments.Stripe.SecretKey, "KIKU_STRIPE_SECRET_KEY")
	setIfEnv(&c.Payments.Stripe.WebhookSecret, "KIKU_STRIPE_WEBHOOK_SECRET")

	setBoolIfEnv(&c.Payments.Stars.Enabled, "KIKU_STARS_ENABLED")
	if v := os.Getenv("KIKU_STARS_RATE_PER_USD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Payments.Stars.RatePerUSD = n
		}
	}

	// Upstream services
	setIfEnv(&c.Upstreams.Chart2CSV.BaseURL, "KIKU_UPSTREAM_CHART2CSV_URL")
	setDurationIfEnv(&c.Upstreams.Chart2CSV.Timeout, "KIKU_UPSTREAM_CHART2CSV_TIMEOUT")
	setIfEnv(&c.Upstreams.Masker.BaseURL, "KIKU_UPSTREAM_MASKER_URL")
	setDurationIfEnv(&c.Upstreams.Masker.Timeout, "KIKU_UPSTREAM_MASKER_TIMEOUT")
	setIfEnv(&c.Upstreams.Patas.BaseURL, "KIKU_UPSTREAM_PATAS_URL")
	setDurationIfEnv(&c.Upstreams.Patas.Timeout, "KIKU_UPSTREAM_PATAS_TIMEOUT")
	setIfEnv(&c.Upstreams.ReliAPI.BaseURL, "KIKU_UPSTREAM_RELIAPI_URL")
	setDurationIfEnv(&c.Upstreams.ReliAPI.Timeout, "KIKU_UPSTREAM_RELIAPI_TIMEOUT")

	// Rate limiting
	setBoolIfEnv(&c.RateLimit.Enabled, "KIKU_RATE_LIMIT_ENABLED")
	setIntIfEnv(&c.RateLimit.PerIPLimit, "KIKU_RATE_LIMIT_PER_IP")
	setDurationIfEnv(&c.RateLimit.Window, "KIKU_RATE_LIMIT_WINDOW")

	// Circuit breaker
	setDurationIfEnv(&c.Breaker.OpenTimeout, "KIKU_BREAKER_OPEN_TIMEOUT")
	if v := os.Getenv("KIKU_BREAKER_CONSECUTIVE_FAILURES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.Breaker.ConsecutiveFailures = uint32(n)
		}
	}

	// Email delivery
	setBoolIfEnv(&c.Email.Enabled, "KIKU_EMAIL_ENABLED")
	setIfEnv(&c.Email.APIKey, "KIKU_EMAIL_API_KEY")
	setIfEnv(&c.Email.FromAddress, "KIKU_EMAIL_FROM_ADDRESS")
	setIfEnv(&c.Email.APIBaseURL, "KIKU_EMAIL_API_BASE_URL")

	// Payment notifications
	setIfEnv(&c.Notify.CallbackURL, "KIKU_NOTIFY_CALLBACK_URL")
	setDurationIfEnv(&c.Notify.Timeout, "KIKU_NOTIFY_TIMEOUT")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}
