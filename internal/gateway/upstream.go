package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/KikuAI/gateway/internal/config"
	"github.com/KikuAI/gateway/internal/httputil"
)

// upstreamMaxResponse caps how much of an upstream body is buffered. Product
// responses are JSON documents, not streams.
const upstreamMaxResponse = 16 << 20

// Upstream is the HTTP client for one downstream product service.
type Upstream struct {
	product string
	baseURL string
	client  *http.Client
}

// NewUpstream builds the client. The configured timeout bounds the whole
// forwarded call.
func NewUpstream(product string, cfg config.Upstream) *Upstream {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Upstream{
		product: product,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  httputil.NewClient(timeout),
	}
}

// UpstreamResponse is the buffered reply from a product service.
type UpstreamResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// Forward sends the buffered request body to the upstream path and buffers
// the reply. Only content negotiation headers cross the boundary; caller
// identity stays in the gateway.
func (u *Upstream) Forward(ctx context.Context, method, path string, inbound http.Header, body []byte) (*UpstreamResponse, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	for _, h := range []string{"Content-Type", "Accept", "Accept-Language"} {
		if v := inbound.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, upstreamMaxResponse))
	if err != nil {
		return nil, err
	}
	return &UpstreamResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        buf,
	}, nil
}
