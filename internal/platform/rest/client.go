// Package rest is the JSON-over-HTTP transport shared by the external
// collaborator clients: client-side rate limiting, HMAC request signing and
// exponential backoff on 429 and 5xx responses.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/fanpulse/internal/crypto"
	"github.com/alanyoungcy/fanpulse/internal/domain"
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	MaxRetries int
	BaseWait   time.Duration
	// Auth signs every request when set.
	Auth *crypto.HMACAuth
}

// Client issues JSON requests against one base URL.
type Client struct {
	http       *http.Client
	base       string
	limiter    *rate.Limiter
	auth       *crypto.HMACAuth
	maxRetries int
	baseWait   time.Duration
	logger     *slog.Logger
}

// New creates a Client, filling zero fields with defaults.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseWait <= 0 {
		cfg.BaseWait = 250 * time.Millisecond
	}
	return &Client{
		http:       &http.Client{Timeout: cfg.Timeout},
		base:       cfg.BaseURL,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		auth:       cfg.Auth,
		maxRetries: cfg.MaxRetries,
		baseWait:   cfg.BaseWait,
		logger:     logger,
	}
}

// Do sends body (if non-nil) as JSON and decodes a 2xx response into out
// (if non-nil). Transport errors, 429 and 5xx are retried; once retries are
// exhausted the error wraps domain.ErrUnavailable.
func (c *Client) Do(ctx context.Context, method, path string, header http.Header, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("rest: marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, attempt); err != nil {
				return err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rest: rate limiter: %w", err)
		}

		status, respBody, err := c.send(ctx, method, path, header, payload)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			lastErr = fmt.Errorf("HTTP %d: %s", status, truncate(respBody))
			c.logger.Warn("upstream retryable status",
				slog.String("path", path),
				slog.Int("status", status),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		if err := checkHTTPStatus(status, respBody); err != nil {
			return err
		}
		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("rest: decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s %s after %d attempts: %v", domain.ErrUnavailable, method, path, c.maxRetries+1, lastErr)
}

func (c *Client) send(ctx context.Context, method, path string, header http.Header, payload []byte) (int, []byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("rest: create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		for k, v := range c.auth.Headers(method, req.URL.Path, string(payload)) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("rest: http request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("rest: read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	wait := c.baseWait << (attempt - 1)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	msg := truncate(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, msg)
	default:
		return fmt.Errorf("rest: HTTP %d: %s", statusCode, msg)
	}
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
