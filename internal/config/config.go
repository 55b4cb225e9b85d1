package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from an optional YAML file, applies defaults, then
// lets environment variables override individual fields.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:            ":8080",
			ReadTimeout:        Duration{30 * time.Second},
			WriteTimeout:       Duration{120 * time.Second},
			IdleTimeout:        Duration{60 * time.Second},
			CORSAllowedOrigins: []string{"https://kikuai.dev", "https://www.kikuai.dev"},
			FrontendURL:        "https://kikuai.dev",
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration{30 * time.Minute},
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Auth: AuthConfig{
			APIKeyPrefix:    "kiku",
			AccessTokenTTL:  Duration{15 * time.Minute},
			RefreshTokenTTL: Duration{7 * 24 * time.Hour},
			MagicLinkTTL:    Duration{15 * time.Minute},
		},
		Payments: PaymentsConfig{
			LowBalanceThreshold: "5.00",
			Paddle:              PaddleConfig{Environment: "production"},
			Stars:               StarsConfig{RatePerUSD: 50},
		},
		Upstreams: UpstreamsConfig{
			Chart2CSV: Upstream{BaseURL: "http://chart2csv:8000", Timeout: Duration{120 * time.Second}},
			Masker:    Upstream{BaseURL: "http://masker:8000", Timeout: Duration{30 * time.Second}},
			Patas:     Upstream{BaseURL: "http://patas:8000", Timeout: Duration{30 * time.Second}},
			ReliAPI:   Upstream{BaseURL: "http://reliapi:8000", Timeout: Duration{30 * time.Second}},
		},
		RateLimit: RateLimitConfig{
			Enabled:    true,
			PerIPLimit: 120,
			Window:     Duration{time.Minute},
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         Duration{60 * time.Second},
			MaxHalfOpenRequests: 1,
		},
		Email: EmailConfig{
			FromAddress: "no-reply@kikuai.dev",
			APIBaseURL:  "https://api.brevo.com/v3",
		},
		Notify: NotifyConfig{
			Timeout: Duration{10 * time.Second},
		},
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Database.PostgresURL == "" {
		return fmt.Errorf("database.postgres_url is required")
	}
	if c.Auth.ServerSecret == "" {
		return fmt.Errorf("auth.server_secret is required")
	}
	if len(c.Auth.ServerSecret) < 32 {
		return fmt.Errorf("auth.server_secret must be at least 32 bytes")
	}
	// API keys are "<prefix><4 hex>_<secret>" on the wire and parse on the
	// first underscore, so the prefix itself must not contain one.
	if strings.Contains(c.Auth.APIKeyPrefix, "_") {
		return fmt.Errorf("auth.api_key_prefix must not contain underscores")
	}
	if c.Payments.Paddle.Enabled && c.Payments.Paddle.WebhookSecret == "" {
		return fmt.Errorf("payments.paddle.webhook_secret is required when paddle is enabled")
	}
	if c.Payments.LemonSqueezy.Enabled && c.Payments.LemonSqueezy.WebhookSecret == "" {
		return fmt.Errorf("payments.lemonsqueezy.webhook_secret is required when lemonsqueezy is enabled")
	}
	if c.Payments.Creem.Enabled && c.Payments.Creem.WebhookSecret == "" {
		return fmt.Errorf("payments.creem.webhook_secret is required when creem is enabled")
	}
	if c.Payments.Stripe.Enabled && c.Payments.Stripe.SecretKey == "" {
		return fmt.Errorf("payments.stripe.secret_key is required when stripe is enabled")
	}
	if c.Payments.Stars.Enabled && c.Auth.TelegramBotToken == "" {
		return fmt.Errorf("auth.telegram_bot_token is required when stars payments are enabled")
	}
	if c.Payments.Stars.RatePerUSD <= 0 {
		return fmt.Errorf("payments.stars.rate_per_usd must be positive")
	}
	return nil
}
