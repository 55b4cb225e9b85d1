// Package payments integrates the external payment providers that fund
// accounts. Providers are pluggable behind a small capability set; the
// engine owns verification routing, event idempotency, and ledger credits.
package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/KikuAI/gateway/internal/ledger"
)

// Status is the provider-side payment lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRefunded   Status = "REFUNDED"
	StatusCancelled  Status = "CANCELLED"
)

// ErrInvalidSignature is returned by VerifyWebhook when the payload MAC does
// not match or its timestamp is outside the allowed skew.
var ErrInvalidSignature = errors.New("payments: invalid webhook signature")

// ProviderError wraps a failure from a provider API call.
type ProviderError struct {
	Provider string
	Code     string
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Code)
}

// CheckoutRequest describes a topup checkout to create.
type CheckoutRequest struct {
	AccountID      string
	AmountUSD      decimal.Decimal
	IdempotencyKey string
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
}

// CheckoutResult is returned by CreateCheckout. CheckoutURL is set for
// redirect providers; InvoicePayload for the stars provider, where the bot
// process creates the actual invoice.
type CheckoutResult struct {
	PaymentID      string     `json:"payment_id"`
	Status         Status     `json:"status"`
	CheckoutURL    string     `json:"checkout_url,omitempty"`
	InvoicePayload string     `json:"invoice_payload,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Settlement is the money movement a webhook event resolves to.
type Settlement struct {
	AccountID   string
	AmountUSD   decimal.Decimal // always positive; Type decides the sign
	Type        ledger.TxType   // TxTopup or TxRefund
	Description string
}

// WebhookEvent is a parsed provider webhook. Settlement is nil for event
// kinds the gateway acknowledges but does not act on.
type WebhookEvent struct {
	EventID    string
	Kind       string
	Settlement *Settlement
}

// Provider is the capability set every payment integration implements.
type Provider interface {
	// Name is the stable tag used in routes, config, and idempotency keys.
	Name() string

	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error)

	// VerifyWebhook authenticates a delivery. It must not mutate state.
	VerifyWebhook(header http.Header, body []byte) error

	// ParseWebhook extracts the event from an already-verified delivery.
	ParseWebhook(ctx context.Context, body []byte) (*WebhookEvent, error)

	GetPaymentStatus(ctx context.Context, paymentID string) (Status, error)

	// SuppressRetries reports that the provider retries rejected deliveries
	// forever, so invalid signatures must be answered 200 instead of 403.
	SuppressRetries() bool
}

// Refunder is implemented by providers that support API-initiated refunds.
// amount nil means a full refund.
type Refunder interface {
	Refund(ctx context.Context, paymentID string, amount *decimal.Decimal) error
}
