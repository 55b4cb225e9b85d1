package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/KikuAI/gateway/internal/apierror"
	"github.com/KikuAI/gateway/internal/credits"
	"github.com/KikuAI/gateway/internal/quota"
	"github.com/KikuAI/gateway/pkg/responders"
)

// pricing publishes the catalogue and the anonymous free-tier limits. Public
// endpoint: the dashboard renders its pricing page from this.
func (h *handlers) pricing(w http.ResponseWriter, r *http.Request) {
	products := make([]map[string]any, 0, len(credits.Catalog))
	for _, p := range credits.Catalog {
		if !p.Active {
			continue
		}
		products = append(products, map[string]any{
			"id":               p.ID,
			"name":             p.Name,
			"unit":             p.UnitName,
			"credits_per_unit": p.CreditsPerUnit.InexactFloat64(),
			"usd_per_unit":     p.USDPerUnit().String(),
		})
	}

	freeTier := make(map[string]any)
	for id, limits := range quota.BaselineLimits() {
		freeTier[id] = map[string]int64{"daily": limits.Daily, "monthly": limits.Monthly}
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"products":        products,
		"free_tier":       freeTier,
		"credits_per_usd": credits.PerUSD,
	})
}

// pricingEstimate prices a batch of planned calls. For PATAS the count is a
// message count and bills per started 100-message block.
func (h *handlers) pricingEstimate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []struct {
			Product string `json:"product"`
			Count   int64  `json:"count"`
		} `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Items) == 0 {
		apierror.WriteSimple(w, r, apierror.CodeValidation, "items is required")
		return
	}

	perUSD := decimal.NewFromInt(credits.PerUSD)
	items := make([]map[string]any, 0, len(req.Items))
	totalCredits := decimal.Zero
	for i, item := range req.Items {
		product, ok := credits.ProductByID(item.Product)
		if !ok {
			apierror.Write(w, r, apierror.CodeValidation,
				fmt.Sprintf("unknown product %q", item.Product),
				map[string]any{"item": i})
			return
		}
		if item.Count < 1 {
			apierror.Write(w, r, apierror.CodeValidation, "count must be at least 1",
				map[string]any{"item": i})
			return
		}

		units := item.Count
		if product.ID == "patas" {
			units = (item.Count + 99) / 100
		}
		itemCredits := product.CreditsPerUnit.Mul(decimal.NewFromInt(units))
		totalCredits = totalCredits.Add(itemCredits)

		items = append(items, map[string]any{
			"product": product.ID,
			"count":   item.Count,
			"units":   units,
			"credits": itemCredits.InexactFloat64(),
			"usd":     itemCredits.Div(perUSD).String(),
		})
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"items":         items,
		"total_credits": totalCredits.InexactFloat64(),
		"total_usd":     totalCredits.Div(perUSD).String(),
	})
}
