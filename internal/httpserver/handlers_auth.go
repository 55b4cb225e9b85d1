package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/KikuAI/gateway/internal/apierror"
	"github.com/KikuAI/gateway/internal/auth"
	"github.com/KikuAI/gateway/internal/logger"
	"github.com/KikuAI/gateway/pkg/responders"
)

// requestMagicLink always answers with a generic success so the endpoint
// cannot be used to probe which addresses have accounts.
func (h *handlers) requestMagicLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.WriteSimple(w, r, apierror.CodeValidation, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		apierror.WriteSimple(w, r, apierror.CodeValidation, "a valid email address is required")
		return
	}

	if err := h.auth.RequestMagicLink(r.Context(), req.Email); err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).
			Str("email", logger.RedactEmail(req.Email)).
			Msg("auth.magic_link_failed")
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": "if the address exists, a sign-in link has been sent",
	})
}

func (h *handlers) verifyMagicLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		apierror.WriteSimple(w, r, apierror.CodeValidation, "token is required")
		return
	}

	pair, err := h.auth.VerifyMagicLink(r.Context(), req.Token)
	if err != nil {
		apierror.WriteSimple(w, r, apierror.CodeValidation, "invalid or expired sign-in link")
		return
	}
	responders.JSON(w, http.StatusOK, pair)
}

func (h *handlers) telegramLogin(w http.ResponseWriter, r *http.Request) {
	var payload auth.TelegramLoginPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		apierror.WriteSimple(w, r, apierror.CodeValidation, "invalid request body")
		return
	}

	pair, err := h.auth.VerifyTelegramLogin(r.Context(), payload)
	if err != nil {
		h.writeLoginError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, pair)
}

func (h *handlers) googleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Credential == "" {
		apierror.WriteSimple(w, r, apierror.CodeValidation, "credential is required")
		return
	}

	pair, err := h.auth.GoogleLogin(r.Context(), req.Credential)
	if err != nil {
		h.writeLoginError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, pair)
}

func (h *handlers) googleInit(w http.ResponseWriter, r *http.Request) {
	redirect, err := h.auth.GoogleInitURL(r.Context())
	if err != nil {
		if errors.Is(err, auth.ErrNotConfigured) {
			apierror.WriteSimple(w, r, apierror.CodeInternal, "google login is not configured")
			return
		}
		apierror.WriteSimple(w, r, apierror.CodeInternal, "could not start google login")
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// googleCallback finishes the redirect flow. Both outcomes are 302s back to
// the dashboard: tokens travel in the URL fragment so they never hit server
// logs, failures go in a query parameter the frontend can render.
func (h *handlers) googleCallback(w http.ResponseWriter, r *http.Request) {
	callback := strings.TrimSuffix(h.cfg.Server.FrontendURL, "/") + "/auth/callback"

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		http.Redirect(w, r, callback+"?error="+url.QueryEscape("missing code or state"), http.StatusFound)
		return
	}

	pair, err := h.auth.GoogleCallback(r.Context(), code, state)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).Msg("auth.google_callback_failed")
		http.Redirect(w, r, callback+"?error="+url.QueryEscape("login failed"), http.StatusFound)
		return
	}

	fragment := url.Values{}
	fragment.Set("access_token", pair.AccessToken)
	fragment.Set("refresh_token", pair.RefreshToken)
	http.Redirect(w, r, callback+"#"+fragment.Encode(), http.StatusFound)
}

func (h *handlers) refreshSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		apierror.WriteSimple(w, r, apierror.CodeValidation, "refresh_token is required")
		return
	}

	pair, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		apierror.WriteSimple(w, r, apierror.CodeUnauthorized, "invalid refresh token")
		return
	}
	responders.JSON(w, http.StatusOK, pair)
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		apierror.WriteSimple(w, r, apierror.CodeValidation, "refresh_token is required")
		return
	}

	if err := h.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).Msg("auth.logout_failed")
	}
	responders.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) me(w http.ResponseWriter, r *http.Request) {
	account := accountFromContext(r.Context())

	resp := map[string]any{
		"id":          account.ID,
		"email":       account.Email,
		"balance_usd": account.BalanceUSD.String(),
		"created_at":  account.CreatedAt,
	}
	if account.TelegramID != nil {
		resp["telegram_id"] = *account.TelegramID
	}
	responders.JSON(w, http.StatusOK, resp)
}

func (h *handlers) writeLoginError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrNotConfigured):
		apierror.WriteSimple(w, r, apierror.CodeServiceUnavailable, "login method is not configured")
	case errors.Is(err, auth.ErrTokenExpired):
		apierror.WriteSimple(w, r, apierror.CodeUnauthorized, "login payload has expired")
	default:
		apierror.WriteSimple(w, r, apierror.CodeUnauthorized, "login failed")
	}
}
