package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"
	"github.com/stripe/stripe-go/v72/refund"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/KikuAI/gateway/internal/config"
	"github.com/KikuAI/gateway/internal/ledger"
)

const stripeSignatureHeader = "Stripe-Signature"

// StripeProvider integrates Stripe Checkout via stripe-go. Signature
// verification and event decoding both go through the official webhook
// helper, which enforces the same 300s timestamp tolerance as the
// timestamped scheme.
type StripeProvider struct {
	cfg config.StripeConfig
}

// NewStripeProvider builds the adapter and installs the API key.
func NewStripeProvider(cfg config.StripeConfig) *StripeProvider {
	stripeapi.Key = cfg.SecretKey
	return &StripeProvider{cfg: cfg}
}

func (p *StripeProvider) Name() string          { return "stripe" }
func (p *StripeProvider) SuppressRetries() bool { return false }

// CreateCheckout builds a one-off payment Checkout Session.
func (p *StripeProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	cents := req.AmountUSD.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	params := &stripeapi.CheckoutSessionParams{
		Mode:               stripeapi.String(string(stripeapi.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripeapi.StringSlice([]string{"card"}),
		SuccessURL:         stripeapi.String(req.SuccessURL),
		CancelURL:          stripeapi.String(req.CancelURL),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{{
			Quantity: stripeapi.Int64(1),
			PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
				Currency: stripeapi.String("usd"),
				ProductData: &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripeapi.String("KikuAI credits"),
				},
				UnitAmount: stripeapi.Int64(cents),
			},
		}},
	}
	params.Context = ctx
	params.Metadata = map[string]string{
		"account_id":      req.AccountID,
		"idempotency_key": req.IdempotencyKey,
	}

	s, err := session.New(params)
	if err != nil {
		return nil, &ProviderError{Provider: "stripe", Code: "checkout_failed", Message: err.Error()}
	}
	return &CheckoutResult{
		PaymentID:   s.ID,
		Status:      StatusPending,
		CheckoutURL: s.URL,
	}, nil
}

// VerifyWebhook validates the Stripe-Signature header.
func (p *StripeProvider) VerifyWebhook(header http.Header, body []byte) error {
	_, err := webhook.ConstructEvent(body, header.Get(stripeSignatureHeader), p.cfg.WebhookSecret)
	if err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// ParseWebhook settles completed checkout sessions and charge refunds.
func (p *StripeProvider) ParseWebhook(ctx context.Context, body []byte) (*WebhookEvent, error) {
	var envelope stripeapi.Event
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("stripe: decode event: %w", err)
	}
	if envelope.ID == "" {
		return nil, fmt.Errorf("stripe: event missing id")
	}

	event := &WebhookEvent{EventID: envelope.ID, Kind: envelope.Type}

	switch envelope.Type {
	case "checkout.session.completed":
		var sess stripeapi.CheckoutSession
		if err := json.Unmarshal(envelope.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("stripe: decode session: %w", err)
		}
		accountID := sess.Metadata["account_id"]
		if accountID == "" {
			return nil, fmt.Errorf("stripe: session missing metadata.account_id")
		}
		event.Settlement = &Settlement{
			AccountID:   accountID,
			AmountUSD:   decimal.NewFromInt(sess.AmountTotal).Div(decimal.NewFromInt(100)),
			Type:        ledger.TxTopup,
			Description: "stripe checkout " + sess.ID,
		}
	case "charge.refunded":
		var charge stripeapi.Charge
		if err := json.Unmarshal(envelope.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("stripe: decode charge: %w", err)
		}
		accountID := charge.Metadata["account_id"]
		if accountID == "" {
			// Refunds issued from the dashboard on sessions without metadata
			// cannot be routed to an account.
			return event, nil
		}
		event.Settlement = &Settlement{
			AccountID:   accountID,
			AmountUSD:   decimal.NewFromInt(charge.AmountRefunded).Div(decimal.NewFromInt(100)),
			Type:        ledger.TxRefund,
			Description: "stripe refund " + charge.ID,
		}
	}
	return event, nil
}

// GetPaymentStatus maps the session payment status.
func (p *StripeProvider) GetPaymentStatus(ctx context.Context, paymentID string) (Status, error) {
	params := &stripeapi.CheckoutSessionParams{}
	params.Context = ctx
	s, err := session.Get(paymentID, params)
	if err != nil {
		return "", &ProviderError{Provider: "stripe", Code: "status_failed", Message: err.Error()}
	}
	switch s.PaymentStatus {
	case stripeapi.CheckoutSessionPaymentStatusPaid:
		return StatusCompleted, nil
	case stripeapi.CheckoutSessionPaymentStatusUnpaid:
		return StatusPending, nil
	default:
		return StatusProcessing, nil
	}
}

// Refund reverses a payment through the Refund API. amount nil refunds in
// full.
func (p *StripeProvider) Refund(ctx context.Context, paymentID string, amount *decimal.Decimal) error {
	params := &stripeapi.RefundParams{PaymentIntent: stripeapi.String(paymentID)}
	params.Context = ctx
	if amount != nil {
		params.Amount = stripeapi.Int64(amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart())
	}
	if _, err := refund.New(params); err != nil {
		return &ProviderError{Provider: "stripe", Code: "refund_failed", Message: err.Error()}
	}
	return nil
}
