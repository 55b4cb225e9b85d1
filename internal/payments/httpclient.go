package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/KikuAI/gateway/internal/circuitbreaker"
	"github.com/KikuAI/gateway/internal/httputil"
	"github.com/KikuAI/gateway/internal/metrics"
)

const (
	apiTimeout     = 30 * time.Second
	apiMaxAttempts = 3
)

// apiClient is the outbound HTTP client shared by provider adapters. It
// retries 5xx and 429 with exponential backoff, never retries other 4xx,
// and routes every call through the provider-API circuit breaker.
type apiClient struct {
	provider string
	http     *http.Client
	breaker  *circuitbreaker.Manager
	metrics  *metrics.Metrics

	// sleep is replaced in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func newAPIClient(provider string, breaker *circuitbreaker.Manager, m *metrics.Metrics) *apiClient {
	return &apiClient{
		provider: provider,
		http:     httputil.NewClient(apiTimeout),
		breaker:  breaker,
		metrics:  m,
		sleep:    sleepCtx,
	}
}

// doJSON performs a JSON request with retries and decodes a 2xx response
// into out (ignored when out is nil). endpoint is a low-cardinality label
// like "checkout" or "refund".
func (c *apiClient) doJSON(ctx context.Context, method, url, endpoint string, headers map[string]string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", c.provider, err)
		}
	}

	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveProviderAPI(c.provider, endpoint, time.Since(start))
		}
	}()

	var lastErr error
	for attempt := 0; attempt < apiMaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, backoff(attempt, lastErr)); err != nil {
				return err
			}
		}

		resp, err := c.roundTrip(ctx, method, url, headers, payload)
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.status >= 200 && resp.status < 300:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(resp.body, out); err != nil {
				return fmt.Errorf("%s: decode response: %w", c.provider, err)
			}
			return nil
		case resp.status == http.StatusTooManyRequests || resp.status >= 500:
			lastErr = &retryableStatus{
				err:        &ProviderError{Provider: c.provider, Code: strconv.Itoa(resp.status), Message: "api returned " + strconv.Itoa(resp.status)},
				retryAfter: parseRetryAfter(resp.retryAfter),
			}
			continue
		default:
			return &ProviderError{Provider: c.provider, Code: strconv.Itoa(resp.status), Message: string(truncate(resp.body, 256))}
		}
	}
	return fmt.Errorf("%s: gave up after %d attempts: %w", c.provider, apiMaxAttempts, lastErr)
}

func (c *apiClient) roundTrip(ctx context.Context, method, url string, headers map[string]string, payload []byte) (*apiResponse, error) {
	result, err := c.execute(func() (interface{}, error) {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		return &apiResponse{status: resp.StatusCode, body: body, retryAfter: resp.Header.Get("Retry-After")}, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*apiResponse), nil
}

func (c *apiClient) execute(fn func() (interface{}, error)) (interface{}, error) {
	if c.breaker == nil {
		return fn()
	}
	return c.breaker.Execute(circuitbreaker.ServiceProviderAPI, fn)
}

type apiResponse struct {
	status     int
	body       []byte
	retryAfter string
}

type retryableStatus struct {
	err        error
	retryAfter time.Duration
}

func (r *retryableStatus) Error() string { return r.err.Error() }
func (r *retryableStatus) Unwrap() error { return r.err }

// backoff returns 2^attempt seconds, or the server-requested Retry-After
// when one was given.
func backoff(attempt int, lastErr error) time.Duration {
	if rs, ok := lastErr.(*retryableStatus); ok && rs.retryAfter > 0 {
		return rs.retryAfter
	}
	return time.Duration(1<<attempt) * time.Second
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
