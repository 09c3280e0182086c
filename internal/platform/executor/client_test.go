package executor_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fanpulse/internal/crypto"
	"github.com/alanyoungcy/fanpulse/internal/domain"
	"github.com/alanyoungcy/fanpulse/internal/platform/executor"
	"github.com/alanyoungcy/fanpulse/internal/platform/rest"
)

const hash = "0x1111111111111111111111111111111111111111111111111111111111111111"

func newClient(srv *httptest.Server, auth *crypto.HMACAuth) *executor.Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return executor.New(rest.Config{
		BaseURL:    srv.URL,
		MaxRetries: 2,
		BaseWait:   time.Millisecond,
		RatePerSec: 1000,
		Auth:       auth,
	}, logger)
}

func request() domain.TransferRequest {
	return domain.TransferRequest{
		Kind:          domain.TransferClaim,
		Reference:     "claim-1",
		UserID:        "u1",
		WalletAddress: "0x52908400098527886e0f7030069857d2e4169ee7",
		Amount:        decimal.NewFromInt(5),
	}
}

func TestTransfer_SignsAndDecodes(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "k", Secret: "executor-secret"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ok := auth.VerifyRequest(r.Method, r.URL.Path, string(body),
			r.Header.Get(crypto.HeaderTimestamp), r.Header.Get(crypto.HeaderSignature), time.Now(), time.Minute)
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "/v1/transfers", r.URL.Path)
		assert.Equal(t, "milestone_claim:claim-1", r.Header.Get("Idempotency-Key"))

		var req domain.TransferRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.True(t, req.Amount.Equal(decimal.NewFromInt(5)))
		_ = json.NewEncoder(w).Encode(map[string]string{"tx_hash": hash, "status": "submitted"})
	}))
	defer srv.Close()

	got, err := newClient(srv, auth).Transfer(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, hash, got)
}

func TestTransfer_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"tx_hash": hash})
	}))
	defer srv.Close()

	got, err := newClient(srv, nil).Transfer(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, hash, got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestTransfer_ExhaustedRetriesAreUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newClient(srv, nil).Transfer(context.Background(), request())
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestTransfer_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":"bad key"}`)
	}))
	defer srv.Close()

	_, err := newClient(srv, nil).Transfer(context.Background(), request())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTransfer_EmptyHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"queued"}`)
	}))
	defer srv.Close()

	_, err := newClient(srv, nil).Transfer(context.Background(), request())
	assert.Error(t, err)
}
