package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPair is minted on every successful login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"` // access token lifetime, seconds
}

// accessClaims are the JWT claims of an access token.
type accessClaims struct {
	TelegramID int64  `json:"tid,omitempty"`
	TokenType  string `json:"type"`
	jwt.RegisteredClaims
}

func refreshKey(tokenHash string) string {
	return "refresh_token:" + tokenHash
}

// MintTokenPair issues a 15-minute access token and a rotating opaque
// refresh token. Only the SHA-256 of the refresh token is stored.
func (s *Service) MintTokenPair(ctx context.Context, accountID string, telegramID *int64) (*TokenPair, error) {
	now := s.nowFunc()

	claims := accessClaims{
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL.Duration)),
		},
	}
	if telegramID != nil {
		claims.TelegramID = *telegramID
	}

	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refresh := randomHex(32)
	if err := s.kv.Set(ctx, refreshKey(hashToken(refresh)), accountID, s.cfg.RefreshTokenTTL.Duration); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.cfg.AccessTokenTTL.Duration.Seconds()),
	}, nil
}

// VerifyAccessToken parses and validates an access token, returning the
// account id.
func (s *Service) VerifyAccessToken(tokenString string) (string, error) {
	var claims accessClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return "", ErrInvalidCredentials
	}
	if claims.TokenType != "access" || claims.Subject == "" {
		return "", ErrInvalidCredentials
	}
	return claims.Subject, nil
}

// Refresh rotates a refresh token: the old one is consumed atomically and a
// fresh pair is issued. A replayed token fails.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	accountID, err := s.kv.GetDel(ctx, refreshKey(hashToken(refreshToken)))
	if err != nil {
		return nil, fmt.Errorf("consume refresh token: %w", err)
	}
	if accountID == "" {
		s.observe("refresh", "invalid")
		return nil, ErrInvalidCredentials
	}

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	s.observe("refresh", "ok")
	return s.MintTokenPair(ctx, account.ID, account.TelegramID)
}

// Logout invalidates a refresh token. Unknown tokens are a no-op.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.kv.Del(ctx, refreshKey(hashToken(refreshToken)))
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
