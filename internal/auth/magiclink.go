package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/KikuAI/gateway/internal/logger"
)

// RequestMagicLink creates (or finds) the account for the email, stores a
// single-use token with an absolute expiry, and triggers delivery. The
// response to the caller is always a generic success so the endpoint cannot
// be used to probe which emails have accounts.
func (s *Service) RequestMagicLink(ctx context.Context, emailAddr string) error {
	account, err := s.store.GetOrCreateAccountByEmail(ctx, emailAddr)
	if err != nil {
		return fmt.Errorf("resolve account: %w", err)
	}

	token := randomURLToken()
	expiresAt := s.nowFunc().Add(s.cfg.MagicLinkTTL.Duration)
	if err := s.store.SetMagicLink(ctx, account.ID, hashToken(token), expiresAt); err != nil {
		return fmt.Errorf("store magic link: %w", err)
	}

	link := fmt.Sprintf("%s/auth/verify?token=%s", s.frontendURL, url.QueryEscape(token))
	if err := s.email.SendMagicLink(ctx, account.Email, link); err != nil {
		// Delivery failure must not leak account existence either; log and
		// return the same generic outcome.
		log := logger.FromContext(ctx)
		log.Warn().Err(err).
			Str("email", logger.RedactEmail(account.Email)).
			Msg("auth.magic_link_delivery_failed")
	}

	s.observe("magic_link", "requested")
	return nil
}

// VerifyMagicLink consumes the token (read-and-clear) and mints a session.
func (s *Service) VerifyMagicLink(ctx context.Context, token string) (*TokenPair, error) {
	account, err := s.store.ConsumeMagicLink(ctx, hashToken(token))
	if err != nil {
		s.observe("magic_link", "invalid")
		return nil, ErrInvalidCredentials
	}

	s.observe("magic_link", "ok")
	return s.MintTokenPair(ctx, account.ID, account.TelegramID)
}

// randomURLToken returns a URL-safe 256-bit token.
func randomURLToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("auth: crypto/rand unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
