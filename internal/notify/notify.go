// Package notify delivers account events to an operator-configured callback
// endpoint. Delivery is best-effort: a failed notification never affects the
// payment or debit that produced it.
package notify

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/KikuAI/gateway/internal/circuitbreaker"
	"github.com/KikuAI/gateway/internal/config"
	"github.com/KikuAI/gateway/internal/httputil"
)

// Notifier delivers account events to the configured callback.
type Notifier interface {
	PaymentReceived(ctx context.Context, event PaymentEvent)
	LowBalance(ctx context.Context, event LowBalanceEvent)
}

// PaymentEvent is emitted after a webhook settlement credits the ledger.
// EventID is the consumer-side idempotency key.
type PaymentEvent struct {
	EventID        string          `json:"eventId"`
	EventType      string          `json:"eventType"` // always "payment.received"
	EventTimestamp time.Time       `json:"eventTimestamp"`
	AccountID      string          `json:"accountId"`
	Provider       string          `json:"provider"`
	AmountUSD      decimal.Decimal `json:"amountUsd"`
	TransactionID  string          `json:"transactionId"`
}

// LowBalanceEvent is emitted when a settlement or debit leaves the balance
// under the configured threshold.
type LowBalanceEvent struct {
	EventID        string          `json:"eventId"`
	EventType      string          `json:"eventType"` // always "balance.low"
	EventTimestamp time.Time       `json:"eventTimestamp"`
	AccountID      string          `json:"accountId"`
	BalanceUSD     decimal.Decimal `json:"balanceUsd"`
	ThresholdUSD   decimal.Decimal `json:"thresholdUsd"`
}

// NoopNotifier ignores all events.
type NoopNotifier struct{}

func (NoopNotifier) PaymentReceived(context.Context, PaymentEvent) {}
func (NoopNotifier) LowBalance(context.Context, LowBalanceEvent)   {}

// httpNotifier posts events as JSON to the callback URL. Calls run through
// the shared notify circuit breaker so a dead endpoint cannot pile up
// goroutines blocked on timeouts.
type httpNotifier struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.Manager
}

// New returns an HTTP notifier, or a noop when no callback URL is set.
func New(cfg config.NotifyConfig, breaker *circuitbreaker.Manager) Notifier {
	if cfg.CallbackURL == "" {
		return NoopNotifier{}
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpNotifier{
		url:     cfg.CallbackURL,
		client:  httputil.NewClient(timeout),
		breaker: breaker,
	}
}

func (n *httpNotifier) PaymentReceived(ctx context.Context, event PaymentEvent) {
	event.EventID = eventID()
	event.EventType = "payment.received"
	event.EventTimestamp = time.Now().UTC()
	n.deliver(event.EventType, event)
}

func (n *httpNotifier) LowBalance(ctx context.Context, event LowBalanceEvent) {
	event.EventID = eventID()
	event.EventType = "balance.low"
	event.EventTimestamp = time.Now().UTC()
	n.deliver(event.EventType, event)
}

// deliver runs in the background so notification latency never lands on the
// request path. The event is fully built before the goroutine starts.
func (n *httpNotifier) deliver(eventType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("notify.marshal_failed")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var err error
		if n.breaker != nil {
			_, err = n.breaker.Execute(circuitbreaker.ServiceNotify, func() (interface{}, error) {
				return nil, n.post(ctx, body)
			})
		} else {
			err = n.post(ctx, body)
		}
		if err != nil {
			log.Warn().Err(err).Str("event_type", eventType).Msg("notify.delivery_failed")
		}
	}()
}

func (n *httpNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// eventID returns "evt_" plus 24 hex characters.
func eventID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("notify: crypto/rand unavailable: %v", err))
	}
	return "evt_" + hex.EncodeToString(buf)
}
