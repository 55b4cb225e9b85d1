package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// telegramAuthWindow bounds how old a widget payload may be. The widget
// signs auth_date, so replays older than this are rejected even with a
// valid hash.
const telegramAuthWindow = 24 * time.Hour

// TelegramLoginPayload is the login-widget payload as posted by the
// frontend. Zero-valued optional fields are excluded from the check string.
type TelegramLoginPayload struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	PhotoURL  string `json:"photo_url"`
	AuthDate  int64  `json:"auth_date"`
	Hash      string `json:"hash"`
}

// VerifyTelegramLogin validates the widget payload and resolves the
// account. The expected MAC is HMAC-SHA256 keyed by sha256(bot_token) over
// the alphabetically sorted k=v lines of all non-empty fields except hash.
func (s *Service) VerifyTelegramLogin(ctx context.Context, payload TelegramLoginPayload) (*TokenPair, error) {
	if s.cfg.TelegramBotToken == "" {
		return nil, ErrNotConfigured
	}
	if payload.ID == 0 || payload.Hash == "" || payload.AuthDate == 0 {
		s.observe("telegram", "malformed")
		return nil, ErrInvalidCredentials
	}

	if !validTelegramHash(s.cfg.TelegramBotToken, payload) {
		s.observe("telegram", "bad_hash")
		return nil, ErrInvalidCredentials
	}

	authTime := time.Unix(payload.AuthDate, 0)
	if s.nowFunc().Sub(authTime) > telegramAuthWindow {
		s.observe("telegram", "stale")
		return nil, ErrTokenExpired
	}

	account, err := s.store.GetOrCreateAccountByTelegram(ctx, payload.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}

	s.observe("telegram", "ok")
	return s.MintTokenPair(ctx, account.ID, account.TelegramID)
}

func validTelegramHash(botToken string, payload TelegramLoginPayload) bool {
	fields := map[string]string{
		"id":         strconv.FormatInt(payload.ID, 10),
		"first_name": payload.FirstName,
		"last_name":  payload.LastName,
		"username":   payload.Username,
		"photo_url":  payload.PhotoURL,
		"auth_date":  strconv.FormatInt(payload.AuthDate, 10),
	}

	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+fields[k])
	}
	checkString := strings.Join(lines, "\n")

	secret := sha256.Sum256([]byte(botToken))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write([]byte(checkString))
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(payload.Hash)))
}
