package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/KikuAI/gateway/internal/apierror"
	"github.com/KikuAI/gateway/internal/credits"
	"github.com/KikuAI/gateway/internal/ledger"
	"github.com/KikuAI/gateway/internal/logger"
	"github.com/KikuAI/gateway/internal/ratelimit"
	"github.com/KikuAI/gateway/pkg/responders"
)

func (h *handlers) balance(w http.ResponseWriter, r *http.Request) {
	account := accountFromContext(r.Context())

	balance, err := h.ledger.Balance(r.Context(), account.ID)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("account_id", account.ID).
			Msg("account.balance_read_failed")
		apierror.WriteSimple(w, r, apierror.CodeInternal, "balance unavailable")
		return
	}

	resp := map[string]any{
		"balance_usd":     balance.String(),
		"balance_credits": balance.Mul(decimal.NewFromInt(credits.PerUSD)).IntPart(),
	}
	if h.quota != nil {
		freeTier := make(map[string]any, len(credits.Catalog))
		for _, p := range credits.Catalog {
			if limits, ok := h.quota.LimitsFor(p.ID, &account.CreatedAt); ok {
				freeTier[p.ID] = map[string]int64{"daily": limits.Daily, "monthly": limits.Monthly}
			}
		}
		resp["free_tier"] = freeTier
	}
	responders.JSON(w, http.StatusOK, resp)
}

func (h *handlers) usage(w http.ResponseWriter, r *http.Request) {
	account := accountFromContext(r.Context())

	month := r.URL.Query().Get("month")
	if month == "" {
		month = time.Now().UTC().Format("2006-01")
	}
	if _, err := time.Parse("2006-01", month); err != nil {
		apierror.WriteSimple(w, r, apierror.CodeValidation, "month must be formatted YYYY-MM")
		return
	}

	rows, err := h.auth.Store().UsageSummary(r.Context(), account.ID, month)
	if err != nil {
		apierror.WriteSimple(w, r, apierror.CodeInternal, "usage summary unavailable")
		return
	}

	perUSD := decimal.NewFromInt(credits.PerUSD)
	products := make([]map[string]any, 0, len(rows))
	totalUSD := decimal.Zero
	for _, row := range rows {
		totalUSD = totalUSD.Add(row.CostUSD)
		products = append(products, map[string]any{
			"product_id": row.ProductID,
			"units":      row.Units.String(),
			"cost_usd":   row.CostUSD.String(),
			"credits":    row.CostUSD.Mul(perUSD).InexactFloat64(),
			"calls":      row.Calls,
		})
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"month":     month,
		"products":  products,
		"total_usd": totalUSD.String(),
	})
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	account := accountFromContext(r.Context())

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			apierror.WriteSimple(w, r, apierror.CodeValidation, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	txs, err := h.auth.Store().ListTransactions(r.Context(), account.ID, limit)
	if err != nil {
		apierror.WriteSimple(w, r, apierror.CodeInternal, "transaction history unavailable")
		return
	}

	entries := make([]map[string]any, 0, len(txs))
	for _, tx := range txs {
		entry := map[string]any{
			"id":          tx.ID,
			"type":        tx.Type,
			"amount_usd":  tx.AmountUSD.String(),
			"description": tx.Description,
			"created_at":  tx.CreatedAt,
		}
		if tx.ProductID != "" {
			entry["product_id"] = tx.ProductID
		}
		entries = append(entries, entry)
	}
	responders.JSON(w, http.StatusOK, map[string]any{"transactions": entries})
}

// createKey mints an API key. The full secret appears in this response and
// nowhere else; only its hash is stored.
func (h *handlers) createKey(w http.ResponseWriter, r *http.Request) {
	account := accountFromContext(r.Context())

	var req struct {
		Label  string   `json:"label"`
		Scopes []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.WriteSimple(w, r, apierror.CodeValidation, "invalid request body")
		return
	}
	req.Label = strings.TrimSpace(req.Label)
	if req.Label == "" {
		req.Label = "default"
	}

	created, err := h.auth.CreateAPIKey(r.Context(), account.ID, req.Label, req.Scopes)
	if err != nil {
		apierror.WriteSimple(w, r, apierror.CodeInternal, "could not create api key")
		return
	}
	h.audit(r, "CREATE_KEY", account.ID, map[string]any{"key_id": created.Key.ID, "label": req.Label})

	responders.JSON(w, http.StatusCreated, map[string]any{
		"id":         created.Key.ID,
		"key":        created.Secret,
		"prefix":     created.Key.Prefix,
		"label":      created.Key.Label,
		"created_at": created.Key.CreatedAt,
	})
}

func (h *handlers) listKeys(w http.ResponseWriter, r *http.Request) {
	account := accountFromContext(r.Context())

	keys, err := h.auth.ListAPIKeys(r.Context(), account.ID)
	if err != nil {
		apierror.WriteSimple(w, r, apierror.CodeInternal, "could not list api keys")
		return
	}

	entries := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		entry := map[string]any{
			"id":         key.ID,
			"prefix":     key.Prefix,
			"label":      key.Label,
			"active":     key.Active,
			"created_at": key.CreatedAt,
		}
		if len(key.Scopes) > 0 {
			entry["scopes"] = key.Scopes
		}
		if key.LastUsedAt != nil {
			entry["last_used_at"] = *key.LastUsedAt
		}
		entries = append(entries, entry)
	}
	responders.JSON(w, http.StatusOK, map[string]any{"keys": entries})
}

func (h *handlers) revokeKey(w http.ResponseWriter, r *http.Request) {
	account := accountFromContext(r.Context())
	keyID := chi.URLParam(r, "id")

	if err := h.auth.RevokeAPIKey(r.Context(), account.ID, keyID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			apierror.WriteSimple(w, r, apierror.CodeNotFound, "api key not found")
			return
		}
		apierror.WriteSimple(w, r, apierror.CodeInternal, "could not revoke api key")
		return
	}
	h.audit(r, "REVOKE_KEY", account.ID, map[string]any{"key_id": keyID})

	responders.JSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// audit writes a security audit row. Best-effort: the action already
// happened, a failed audit write is logged and swallowed.
func (h *handlers) audit(r *http.Request, action, accountID string, metadata map[string]any) {
	entry := &ledger.AuditLog{
		Action:    action,
		AccountID: accountID,
		RequestID: logger.GetRequestID(r.Context()),
		IP:        ratelimit.ClientIP(r),
		UserAgent: r.UserAgent(),
		Metadata:  metadata,
	}
	if err := h.auth.Store().InsertAuditLog(r.Context(), entry); err != nil {
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).Str("action", action).
			Msg("account.audit_write_failed")
	}
}
