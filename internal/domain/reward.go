package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MilestoneType names the user metric a milestone is evaluated against.
type MilestoneType string

const (
	MilestoneLevel         MilestoneType = "level"
	MilestoneTotalComments MilestoneType = "total_comments"
	MilestoneTotalUpvotes  MilestoneType = "total_upvotes"
	MilestoneStreak        MilestoneType = "streak"
)

// Valid reports whether t is a known milestone type.
func (t MilestoneType) Valid() bool {
	switch t {
	case MilestoneLevel, MilestoneTotalComments, MilestoneTotalUpvotes, MilestoneStreak:
		return true
	}
	return false
}

// Milestone is an immutable (type, threshold) pair with a fixed token reward.
type Milestone struct {
	ID           string          `json:"id"`
	Type         MilestoneType   `json:"type"`
	Threshold    int64           `json:"threshold"`
	RewardAmount decimal.Decimal `json:"reward_amount"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"created_at"`
}

// UserStats holds the cumulative metrics maintained by the social layer.
type UserStats struct {
	UserID        string
	Level         int64
	TotalComments int64
	TotalUpvotes  int64
	Streak        int64
}

// Metric returns the stat a milestone of type t compares against.
func (s UserStats) Metric(t MilestoneType) int64 {
	switch t {
	case MilestoneLevel:
		return s.Level
	case MilestoneTotalComments:
		return s.TotalComments
	case MilestoneTotalUpvotes:
		return s.TotalUpvotes
	case MilestoneStreak:
		return s.Streak
	}
	return 0
}

// MilestoneEligibility is one row of GetEligibleRewards.
type MilestoneEligibility struct {
	Milestone      Milestone `json:"milestone"`
	CurrentValue   int64     `json:"current_value"`
	IsEligible     bool      `json:"is_eligible"`
	AlreadyClaimed bool      `json:"already_claimed"`
}

// ClaimStatus is the lifecycle of a reward claim.
type ClaimStatus string

const (
	ClaimPending     ClaimStatus = "pending"
	ClaimSigned      ClaimStatus = "signed"
	ClaimDistributed ClaimStatus = "distributed"
	ClaimFailed      ClaimStatus = "failed"
)

// Claim records one user's claim against one milestone.
type Claim struct {
	ID            string
	UserID        string
	MilestoneID   string
	WalletAddress string
	Amount        decimal.Decimal
	Signature     string
	SignedAt      time.Time
	TxHash        *string
	Status        ClaimStatus
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ClaimSignature is handed to the payment executor and the UI.
type ClaimSignature struct {
	ClaimID       string          `json:"claim_id"`
	UserID        string          `json:"user_id"`
	MilestoneID   string          `json:"milestone_id"`
	WalletAddress string          `json:"wallet_address"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     int64           `json:"timestamp"`
	Signature     string          `json:"signature"`
}

// SignatureOf rebuilds the signed payload of a stored claim.
func (c Claim) SignatureOf() ClaimSignature {
	return ClaimSignature{
		ClaimID:       c.ID,
		UserID:        c.UserID,
		MilestoneID:   c.MilestoneID,
		WalletAddress: c.WalletAddress,
		Amount:        c.Amount,
		Timestamp:     c.SignedAt.Unix(),
		Signature:     c.Signature,
	}
}
