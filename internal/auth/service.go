// Package auth owns caller identity: API keys, session token pairs, magic
// links, Telegram widget validation, and OAuth flows. All flows converge on
// idempotent account resolution in the ledger store.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/KikuAI/gateway/internal/config"
	"github.com/KikuAI/gateway/internal/email"
	"github.com/KikuAI/gateway/internal/ledger"
	"github.com/KikuAI/gateway/internal/metrics"
)

// Common auth errors. Handlers map these to 401 responses.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrNotConfigured      = errors.New("auth: provider not configured")
)

// kvStore is the slice of Redis the auth package needs: refresh tokens and
// OAuth CSRF states. Tests substitute an in-memory implementation.
type kvStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// GetDel atomically reads and removes a key; returns "" when missing.
	GetDel(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
}

// Service is the auth facade used by HTTP handlers and the gateway
// pipeline.
type Service struct {
	store   ledger.Store
	kv      kvStore
	secret  []byte
	cfg     config.AuthConfig
	email   email.Sender
	google  *GoogleVerifier
	metrics *metrics.Metrics

	frontendURL string

	nowFunc func() time.Time
}

// NewService wires the auth service. email and metrics may be nil-like
// no-ops; google is nil when OAuth is not configured.
func NewService(store ledger.Store, kv kvStore, cfg config.AuthConfig, frontendURL string, sender email.Sender, m *metrics.Metrics) *Service {
	s := &Service{
		store:       store,
		kv:          kv,
		secret:      []byte(cfg.ServerSecret),
		cfg:         cfg,
		email:       sender,
		metrics:     m,
		frontendURL: frontendURL,
		nowFunc:     func() time.Time { return time.Now().UTC() },
	}
	if cfg.Google.ClientID != "" {
		s.google = NewGoogleVerifier(cfg.Google)
	}
	return s
}

// Store exposes the underlying account store for handlers that need direct
// account lookups.
func (s *Service) Store() ledger.Store {
	return s.store
}

func (s *Service) observe(method, result string) {
	if s.metrics != nil {
		s.metrics.ObserveAuth(method, result)
	}
}
