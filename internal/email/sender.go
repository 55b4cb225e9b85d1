// Package email delivers transactional mail. Delivery is an external
// collaborator: the gateway only needs magic-link messages, and a disabled
// sender that logs the link keeps local development working without
// credentials.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/KikuAI/gateway/internal/config"
	"github.com/KikuAI/gateway/internal/httputil"
)

// Sender delivers a magic-link sign-in email.
type Sender interface {
	SendMagicLink(ctx context.Context, to, link string) error
}

// NewSender picks the HTTP-API sender when email delivery is configured,
// otherwise the logging fallback.
func NewSender(cfg config.EmailConfig, log zerolog.Logger) Sender {
	if cfg.Enabled && cfg.APIKey != "" {
		return &httpSender{
			apiKey:  cfg.APIKey,
			from:    cfg.FromAddress,
			baseURL: cfg.APIBaseURL,
			client:  httputil.NewClient(10 * time.Second),
		}
	}
	return &logSender{log: log}
}

// httpSender posts to a Brevo-compatible transactional email API.
type httpSender struct {
	apiKey  string
	from    string
	baseURL string
	client  *http.Client
}

func (s *httpSender) SendMagicLink(ctx context.Context, to, link string) error {
	payload := map[string]any{
		"sender": map[string]string{"email": s.from, "name": "KikuAI"},
		"to":     []map[string]string{{"email": to}},
		"subject": "Your sign-in link",
		"htmlContent": fmt.Sprintf(
			`<p>Click to sign in: <a href=%q>%s</a></p><p>The link expires in 15 minutes.</p>`,
			link, link),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/smtp/email", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("email api returned %d", resp.StatusCode)
	}
	return nil
}

// logSender stands in when delivery is disabled. The link still has to be
// reachable somehow during development, so it goes to the log at INFO.
type logSender struct {
	log zerolog.Logger
}

func (s *logSender) SendMagicLink(ctx context.Context, to, link string) error {
	s.log.Info().
		Str("to", to).
		Str("link", link).
		Msg("email.magic_link_delivery_disabled")
	return nil
}
