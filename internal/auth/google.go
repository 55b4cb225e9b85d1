package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/KikuAI/gateway/internal/config"
	"github.com/KikuAI/gateway/internal/httputil"
)

const (
	googleJWKSURL  = "https://www.googleapis.com/oauth2/v3/certs"
	googleAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"

	oauthStateTTL = 10 * time.Minute
	jwksCacheTTL  = 6 * time.Hour
)

// GoogleVerifier validates Google ID tokens against the published JWKs.
// Keys are cached and refetched on expiry or on an unknown kid.
type GoogleVerifier struct {
	cfg    config.OAuthProviderConfig
	client *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewGoogleVerifier builds the verifier.
func NewGoogleVerifier(cfg config.OAuthProviderConfig) *GoogleVerifier {
	return &GoogleVerifier{
		cfg:    cfg,
		client: httputil.NewClient(10 * time.Second),
		keys:   make(map[string]*rsa.PublicKey),
	}
}

// Identity is the subset of ID-token claims the gateway uses.
type Identity struct {
	Subject string
	Email   string
}

// VerifyIDToken validates signature, issuer, audience, and expiry, and
// extracts the stable subject plus email.
func (v *GoogleVerifier) VerifyIDToken(ctx context.Context, idToken string) (*Identity, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(idToken, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("id token missing kid")
		}
		return v.keyForKid(ctx, kid)
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(v.cfg.ClientID),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}

	issuer, _ := claims.GetIssuer()
	if issuer != "accounts.google.com" && issuer != "https://accounts.google.com" {
		return nil, ErrInvalidCredentials
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, ErrInvalidCredentials
	}
	email, _ := claims["email"].(string)

	return &Identity{Subject: "google:" + sub, Email: email}, nil
}

func (v *GoogleVerifier) keyForKid(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	stale := time.Since(v.fetchedAt) > jwksCacheTTL
	if key, ok := v.keys[kid]; ok && !stale {
		return key, nil
	}
	if err := v.refreshLocked(ctx); err != nil {
		return nil, err
	}
	key, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return key, nil
}

func (v *GoogleVerifier) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, googleJWKSURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := jwkToRSA(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("jwks document contained no usable keys")
	}
	v.keys = keys
	v.fetchedAt = time.Now()
	return nil
}

func jwkToRSA(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

func oauthStateKey(state string) string {
	return "oauth_state:" + state
}

// GoogleLogin handles the frontend-initiated variant: the client posts a
// Google ID token directly.
func (s *Service) GoogleLogin(ctx context.Context, credential string) (*TokenPair, error) {
	if s.google == nil {
		return nil, ErrNotConfigured
	}
	identity, err := s.google.VerifyIDToken(ctx, credential)
	if err != nil {
		s.observe("google", "invalid")
		return nil, err
	}

	account, err := s.store.GetOrCreateAccountByOAuth(ctx, identity.Subject, identity.Email)
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}

	s.observe("google", "ok")
	return s.MintTokenPair(ctx, account.ID, account.TelegramID)
}

// GoogleInitURL mints a CSRF state with a 10-minute TTL and returns the
// provider redirect URL.
func (s *Service) GoogleInitURL(ctx context.Context) (string, error) {
	if s.google == nil || !s.cfg.Google.Configured() {
		return "", ErrNotConfigured
	}

	state := randomURLToken()
	if err := s.kv.Set(ctx, oauthStateKey(state), "1", oauthStateTTL); err != nil {
		return "", fmt.Errorf("store oauth state: %w", err)
	}

	params := url.Values{
		"client_id":     {s.cfg.Google.ClientID},
		"redirect_uri":  {s.cfg.Google.RedirectURL},
		"response_type": {"code"},
		"scope":         {"openid email"},
		"state":         {state},
	}
	return googleAuthURL + "?" + params.Encode(), nil
}

// GoogleCallback validates the CSRF state, exchanges the code for an ID
// token, verifies it, and mints a session. The returned pair is delivered
// to the frontend as a URL fragment by the handler.
func (s *Service) GoogleCallback(ctx context.Context, code, state string) (*TokenPair, error) {
	if s.google == nil || !s.cfg.Google.Configured() {
		return nil, ErrNotConfigured
	}

	stored, err := s.kv.GetDel(ctx, oauthStateKey(state))
	if err != nil {
		return nil, fmt.Errorf("consume oauth state: %w", err)
	}
	if stored == "" {
		s.observe("google", "bad_state")
		return nil, ErrInvalidCredentials
	}

	idToken, err := s.exchangeCode(ctx, code)
	if err != nil {
		s.observe("google", "exchange_failed")
		return nil, err
	}

	return s.GoogleLogin(ctx, idToken)
}

func (s *Service) exchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{
		"code":          {code},
		"client_id":     {s.cfg.Google.ClientID},
		"client_secret": {s.cfg.Google.ClientSecret},
		"redirect_uri":  {s.cfg.Google.RedirectURL},
		"grant_type":    {"authorization_code"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, googleTokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.google.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		IDToken string `json:"id_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if body.IDToken == "" {
		return "", fmt.Errorf("token response missing id_token")
	}
	return body.IDToken, nil
}
