package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// TransferKind distinguishes milestone claims from daily rewards.
type TransferKind string

const (
	TransferClaim       TransferKind = "milestone_claim"
	TransferDailyReward TransferKind = "daily_reward"
)

// TransferRequest is a validated instruction for the external payment
// executor. Reference is the claim or reward id and doubles as the
// executor-side idempotency key.
type TransferRequest struct {
	Kind          TransferKind    `json:"kind"`
	Reference     string          `json:"reference"`
	UserID        string          `json:"user_id"`
	WalletAddress string          `json:"wallet_address"`
	Amount        decimal.Decimal `json:"amount"`
	Signature     *ClaimSignature `json:"signature,omitempty"`
}

// PaymentExecutor performs the off-chain or on-chain token transfer and
// returns the resulting transaction hash.
type PaymentExecutor interface {
	Transfer(ctx context.Context, req TransferRequest) (string, error)
}
