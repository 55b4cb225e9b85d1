package httpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/KikuAI/gateway/internal/apierror"
	"github.com/KikuAI/gateway/internal/auth"
	"github.com/KikuAI/gateway/internal/ledger"
)

type contextKey string

const accountContextKey contextKey = "httpserver.account"

func withAccount(ctx context.Context, account *ledger.Account) context.Context {
	return context.WithValue(ctx, accountContextKey, account)
}

func accountFromContext(ctx context.Context) *ledger.Account {
	account, _ := ctx.Value(accountContextKey).(*ledger.Account)
	return account
}

// sessionAuth admits requests carrying a valid access token or API key and
// puts the resolved account on the context. Account routes never fall back
// to anonymous access.
func (h *handlers) sessionAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, err := h.resolveAccount(r)
		if err != nil {
			apierror.WriteSimple(w, r, apierror.CodeUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withAccount(r.Context(), account)))
	})
}

// tokenAuth admits only a Bearer access token. Session-identity routes such
// as /auth/me stay off limits to product API keys.
func (h *handlers) tokenAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, err := h.resolveTokenAccount(r)
		if err != nil {
			apierror.WriteSimple(w, r, apierror.CodeUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withAccount(r.Context(), account)))
	})
}

func (h *handlers) resolveTokenAccount(r *http.Request) (*ledger.Account, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return nil, auth.ErrInvalidCredentials
	}
	accountID, err := h.auth.VerifyAccessToken(token)
	if err != nil {
		return nil, err
	}
	return h.auth.Store().GetAccount(r.Context(), accountID)
}

func (h *handlers) resolveAccount(r *http.Request) (*ledger.Account, error) {
	if r.Header.Get("Authorization") != "" {
		return h.resolveTokenAccount(r)
	}

	if raw := r.Header.Get(auth.HeaderAPIKey); raw != "" {
		account, _, err := h.auth.VerifyAPIKey(r.Context(), raw)
		return account, err
	}

	return nil, auth.ErrInvalidCredentials
}
