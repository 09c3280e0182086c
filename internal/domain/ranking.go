package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the canonical form of a ranking date key.
const DateLayout = "2006-01-02"

// DailyActivity is one user's raw activity for a date.
type DailyActivity struct {
	UserID   string
	Date     string
	Comments int64
	Upvotes  int64
}

// DailyScore is a ranked leaderboard row.
type DailyScore struct {
	UserID string `json:"user_id" csv:"user_id"`
	Date   string `json:"date" csv:"date"`
	Score  int64  `json:"score" csv:"score"`
	Rank   int    `json:"rank" csv:"rank"`
}

// RewardStatus is the lifecycle of a daily reward.
type RewardStatus string

const (
	RewardPending RewardStatus = "pending"
	// RewardProcessing rows have had a transfer attempted. Their recipient
	// and amount are frozen.
	RewardProcessing  RewardStatus = "processing"
	RewardDistributed RewardStatus = "distributed"
)

// DailyReward is a top-N token reward derived from the leaderboard.
type DailyReward struct {
	ID        string          `json:"id"`
	Date      string          `json:"date"`
	Rank      int             `json:"rank"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    RewardStatus    `json:"status"`
	TxHash    *string         `json:"tx_hash,omitempty"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// FinalizedBefore returns the earliest date that is not yet final at now.
// Dates strictly before it no longer receive activity and may be paid out.
func FinalizedBefore(now time.Time, after time.Duration) string {
	return now.UTC().Add(-after).Format(DateLayout)
}

// ParseDate validates a ranking date key.
func ParseDate(date string) (time.Time, error) {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return t, nil
}
