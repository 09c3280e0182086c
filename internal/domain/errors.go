package domain

import (
	"errors"
	"strings"
)

// Validation errors. Rejected synchronously and never retried.
var (
	ErrInvalidOptions       = errors.New("invalid options")
	ErrInvalidOption        = errors.New("invalid option")
	ErrInvalidStake         = errors.New("invalid stake")
	ErrInvalidCredit        = errors.New("invalid credit")
	ErrInvalidMarket        = errors.New("invalid market parameters")
	ErrInvalidWalletAddress = errors.New("invalid wallet address")
	ErrInvalidTxHash        = errors.New("invalid transaction hash")
	ErrInvalidMilestone     = errors.New("invalid milestone")
	ErrInvalidDate          = errors.New("invalid date")
	ErrInvalidActivity      = errors.New("invalid activity")
	ErrNotEligible          = errors.New("not eligible")
	ErrWalletNotLinked      = errors.New("wallet not linked")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrBetLimitReached      = errors.New("bet limit reached")
	ErrTooManyActiveMarkets = errors.New("too many active markets")
)

// State-conflict errors. Expected under concurrency; the losing caller gets a
// duplicate/no-op response.
var (
	ErrMarketNotActive   = errors.New("market not active")
	ErrAlreadySettled    = errors.New("already settled")
	ErrAlreadyClaimed    = errors.New("already claimed")
	ErrAlreadyExists     = errors.New("already exists")
	ErrTxHashMismatch    = errors.New("transaction hash mismatch")
	ErrClaimNotSignable  = errors.New("claim not in signed state")
	ErrRewardNotPayable  = errors.New("reward not payable")
	ErrLockHeld          = errors.New("lock already held")
	ErrRateLimited       = errors.New("rate limited")
	ErrNotFound          = errors.New("not found")
	ErrMilestoneNotFound = errors.New("milestone not found")
)

// Infrastructure errors.
var (
	ErrUnavailable  = errors.New("upstream unavailable")
	ErrUnauthorized = errors.New("unauthorized")
)

var validationErrs = []error{
	ErrInvalidOptions, ErrInvalidOption, ErrInvalidStake, ErrInvalidCredit, ErrInvalidMarket,
	ErrInvalidWalletAddress, ErrInvalidTxHash, ErrInvalidMilestone, ErrInvalidDate, ErrInvalidActivity,
	ErrNotEligible, ErrWalletNotLinked, ErrInsufficientBalance, ErrBetLimitReached,
	ErrTooManyActiveMarkets,
}

var conflictErrs = []error{
	ErrMarketNotActive, ErrAlreadySettled, ErrAlreadyClaimed, ErrAlreadyExists,
	ErrTxHashMismatch, ErrClaimNotSignable, ErrRewardNotPayable, ErrLockHeld,
}

// IsValidation reports whether err is a caller mistake that must not be retried.
func IsValidation(err error) bool {
	return matchesAny(err, validationErrs)
}

// IsConflict reports whether err is an expected state conflict.
func IsConflict(err error) bool {
	return matchesAny(err, conflictErrs)
}

// IsRetryable reports whether err is neither a validation nor a state
// conflict nor a missing entity, i.e. an infrastructure failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrMilestoneNotFound) {
		return false
	}
	return !IsValidation(err) && !IsConflict(err)
}

func matchesAny(err error, targets []error) bool {
	if err == nil {
		return false
	}
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// Describe returns the caller-facing part of err: for each line, the text
// from the first known sentinel onward. Operation prefixes added while
// wrapping are dropped. Unknown errors are returned unchanged.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	known := make([]error, 0, len(validationErrs)+len(conflictErrs)+3)
	known = append(known, validationErrs...)
	known = append(known, conflictErrs...)
	known = append(known, ErrNotFound, ErrMilestoneNotFound, ErrUnauthorized)

	lines := strings.Split(err.Error(), "\n")
	for i, line := range lines {
		for _, k := range known {
			if idx := strings.Index(line, k.Error()); idx >= 0 {
				lines[i] = line[idx:]
				break
			}
		}
	}
	return strings.Join(lines, "; ")
}
