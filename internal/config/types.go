package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Payments  PaymentsConfig  `yaml:"payments"`
	Upstreams UpstreamsConfig `yaml:"upstreams"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
	Email     EmailConfig     `yaml:"email"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	FrontendURL        string   `yaml:"frontend_url"` // dashboard base, used for redirects and topup links
}

// LoggingConfig controls the zerolog output.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"` // json | console
	Environment string `yaml:"environment"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	PostgresURL     string   `yaml:"postgres_url"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds the key/value store connection.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig holds secrets and token lifetimes.
type AuthConfig struct {
	ServerSecret     string   `yaml:"server_secret"` // HMAC key for API keys and JWT signing
	APIKeyPrefix     string   `yaml:"api_key_prefix"`
	AccessTokenTTL   Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL  Duration `yaml:"refresh_token_ttl"`
	MagicLinkTTL     Duration `yaml:"magic_link_ttl"`
	TelegramBotToken string   `yaml:"telegram_bot_token"`
	Google           OAuthProviderConfig `yaml:"google"`
}

// OAuthProviderConfig describes one OAuth identity provider.
type OAuthProviderConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// Configured reports whether the provider has enough settings for the
// redirect flow.
func (o OAuthProviderConfig) Configured() bool {
	return o.ClientID != "" && o.ClientSecret != "" && o.RedirectURL != ""
}

// PaymentsConfig aggregates all provider credentials.
type PaymentsConfig struct {
	LowBalanceThreshold string `yaml:"low_balance_threshold"` // USD, default "5.00"
	SuccessURL          string `yaml:"success_url"`
	CancelURL           string `yaml:"cancel_url"`

	Paddle       PaddleConfig       `yaml:"paddle"`
	LemonSqueezy LemonSqueezyConfig `yaml:"lemonsqueezy"`
	Creem        CreemConfig        `yaml:"creem"`
	Stripe       StripeConfig       `yaml:"stripe"`
	Stars        StarsConfig        `yaml:"stars"`
}

// PaddleConfig holds Paddle Billing API credentials.
type PaddleConfig struct {
	Enabled       bool   `yaml:"enabled"`
	APIKey        string `yaml:"api_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	Environment   string `yaml:"environment"` // sandbox | production
}

// LemonSqueezyConfig holds Lemon Squeezy credentials.
type LemonSqueezyConfig struct {
	Enabled       bool   `yaml:"enabled"`
	APIKey        string `yaml:"api_key"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// CreemConfig holds Creem credentials.
type CreemConfig struct {
	Enabled       bool   `yaml:"enabled"`
	APIKey        string `yaml:"api_key"`
	ProductID     string `yaml:"product_id"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// StripeConfig holds Stripe credentials.
type StripeConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// StarsConfig holds the Telegram Stars invoice provider settings. Invoices
// themselves are created by the bot process; the gateway only computes
// amounts and records pending invoices.
type StarsConfig struct {
	Enabled    bool  `yaml:"enabled"`
	RatePerUSD int64 `yaml:"rate_per_usd"` // stars per $1, default 50
}

// UpstreamsConfig names the downstream product services.
type UpstreamsConfig struct {
	Chart2CSV Upstream `yaml:"chart2csv"`
	Masker    Upstream `yaml:"masker"`
	Patas     Upstream `yaml:"patas"`
	ReliAPI   Upstream `yaml:"reliapi"`
}

// Upstream is one downstream service endpoint.
type Upstream struct {
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
}

// RateLimitConfig configures the ambient per-IP limiter.
type RateLimitConfig struct {
	Enabled    bool     `yaml:"enabled"`
	PerIPLimit int      `yaml:"per_ip_limit"`
	Window     Duration `yaml:"window"`
}

// BreakerConfig configures the balance-cache and provider-API breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	OpenTimeout         Duration `yaml:"open_timeout"`
	MaxHalfOpenRequests uint32   `yaml:"max_half_open_requests"`
}

// EmailConfig holds the transactional email delivery settings. Delivery is an
// external collaborator; when disabled, magic links are logged instead.
type EmailConfig struct {
	Enabled     bool   `yaml:"enabled"`
	APIKey      string `yaml:"api_key"`
	FromAddress string `yaml:"from_address"`
	APIBaseURL  string `yaml:"api_base_url"`
}

// NotifyConfig holds the outbound payment notification callback.
type NotifyConfig struct {
	CallbackURL string   `yaml:"callback_url"`
	Timeout     Duration `yaml:"timeout"`
}
