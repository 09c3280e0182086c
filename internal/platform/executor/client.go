// Package executor is the HTTP client for the external payment executor
// that performs token transfers.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/fanpulse/internal/domain"
	"github.com/alanyoungcy/fanpulse/internal/platform/rest"
)

const transfersPath = "/v1/transfers"

type transferResponse struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
}

// Client implements domain.PaymentExecutor.
type Client struct {
	rest *rest.Client
}

// New creates a Client.
func New(cfg rest.Config, logger *slog.Logger) *Client {
	return &Client{rest: rest.New(cfg, logger.With(slog.String("component", "executor")))}
}

// Transfer submits req. The request reference is sent as the idempotency
// key so retried submissions never pay twice.
func (c *Client) Transfer(ctx context.Context, req domain.TransferRequest) (string, error) {
	header := http.Header{}
	header.Set("Idempotency-Key", string(req.Kind)+":"+req.Reference)

	var resp transferResponse
	if err := c.rest.Do(ctx, http.MethodPost, transfersPath, header, req, &resp); err != nil {
		return "", fmt.Errorf("executor: transfer %s: %w", req.Reference, err)
	}
	if resp.TxHash == "" {
		return "", fmt.Errorf("executor: transfer %s: empty tx hash (status %q)", req.Reference, resp.Status)
	}
	return resp.TxHash, nil
}

var _ domain.PaymentExecutor = (*Client)(nil)
