package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/KikuAI/gateway/internal/apierror"
	"github.com/KikuAI/gateway/internal/logger"
	"github.com/KikuAI/gateway/internal/payments"
	"github.com/KikuAI/gateway/pkg/responders"
)

// webhookMaxBody caps inbound webhook payloads. Provider events are small
// JSON documents.
const webhookMaxBody = 1 << 20

func (h *handlers) createPayment(w http.ResponseWriter, r *http.Request) {
	account := accountFromContext(r.Context())

	var req struct {
		Provider       string `json:"provider"`
		AmountUSD      string `json:"amount_usd"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.WriteSimple(w, r, apierror.CodeValidation, "invalid request body")
		return
	}

	amount, err := decimal.NewFromString(req.AmountUSD)
	if err != nil || !amount.IsPositive() {
		apierror.WriteSimple(w, r, apierror.CodeValidation, "amount_usd must be a positive decimal string")
		return
	}

	result, err := h.payments.CreatePayment(r.Context(), account.ID, req.Provider, amount, req.IdempotencyKey)
	if err != nil {
		h.writePaymentError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusCreated, result)
}

func (h *handlers) writePaymentError(w http.ResponseWriter, r *http.Request, err error) {
	var providerErr *payments.ProviderError
	switch {
	case errors.Is(err, payments.ErrUnknownProvider):
		apierror.Write(w, r, apierror.CodeValidation, "unknown payment provider",
			map[string]any{"available": h.payments.ProviderTags()})
	case errors.As(err, &providerErr):
		log := logger.FromContext(r.Context())
		log.Error().Err(err).
			Str("provider", providerErr.Provider).
			Msg("payments.checkout_failed")
		apierror.WriteSimple(w, r, apierror.CodeProviderError, "payment provider rejected the request")
	default:
		if strings.Contains(err.Error(), "must be positive") {
			apierror.WriteSimple(w, r, apierror.CodeValidation, "amount must be positive")
			return
		}
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("payments.checkout_failed")
		apierror.WriteSimple(w, r, apierror.CodeInternal, "could not create payment")
	}
}

// paymentWebhook feeds a provider delivery to the engine and relays its
// verdict verbatim. The engine decides signature handling, dedup, and the
// retry-suppression status codes per provider.
func (h *handlers) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, webhookMaxBody))
	if err != nil {
		apierror.WriteSimple(w, r, apierror.CodeValidation, "unreadable webhook body")
		return
	}

	outcome := h.payments.HandleWebhook(r.Context(), provider, r.Header, body)
	responders.JSON(w, outcome.Status, outcome.Body)
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"uptime":    time.Since(serverStartTime).String(),
		"timestamp": time.Now().UTC(),
	}
	if h.payments != nil {
		resp["providers"] = h.payments.ProviderTags()
	}
	responders.JSON(w, http.StatusOK, resp)
}
