package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/KikuAI/gateway/internal/config"
)

// ServiceType identifies different external services for circuit breaker isolation.
type ServiceType string

const (
	// ServiceBalanceCache guards the Redis balance mirror. The ledger stays
	// authoritative when this breaker is open.
	ServiceBalanceCache ServiceType = "balance_cache"
	// ServiceProviderAPI guards outbound calls to payment provider APIs.
	ServiceProviderAPI ServiceType = "provider_api"
	// ServiceNotify guards the outbound payment notification callback.
	ServiceNotify ServiceType = "notify"
)

// Manager manages circuit breakers for different external services.
// Each service has its own breaker so a flapping Redis cannot take payment
// provider calls down with it.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the circuit breaker is half-open.
	MaxRequests uint32

	// Timeout is the period of the open state after which the state becomes half-open.
	Timeout time.Duration

	// ConsecutiveFailures trips the breaker when reached in the closed state.
	ConsecutiveFailures uint32
}

// NewManagerFromConfig creates a circuit breaker manager from application config.
// All services share the same thresholds; they differ only by isolation.
func NewManagerFromConfig(cfg config.BreakerConfig) *Manager {
	bc := BreakerConfig{
		MaxRequests:         cfg.MaxHalfOpenRequests,
		Timeout:             cfg.OpenTimeout.Duration,
		ConsecutiveFailures: cfg.ConsecutiveFailures,
	}
	return NewManager(map[ServiceType]BreakerConfig{
		ServiceBalanceCache: bc,
		ServiceProviderAPI:  bc,
		ServiceNotify:       bc,
	})
}

// NewManager creates a circuit breaker manager with per-service configuration.
func NewManager(cfgs map[ServiceType]BreakerConfig) *Manager {
	m := &Manager{breakers: make(map[ServiceType]*gobreaker.CircuitBreaker)}
	for service, cfg := range cfgs {
		m.breakers[service] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(service), cfg))
	}
	return m
}

// Execute wraps a function call with circuit breaker protection.
// If no breaker is configured for the service, the call passes through.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	return breaker.Execute(fn)
}

// State returns the current state of a circuit breaker.
func (m *Manager) State(service ServiceType) string {
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

// toGobreakerSettings converts our config to gobreaker.Settings.
func toGobreakerSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	maxRequests := cfg.MaxRequests
	if maxRequests == 0 {
		maxRequests = 1
	}
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: maxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuitbreaker.state_change")
		},
	}
}
