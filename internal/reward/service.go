// Package reward evaluates user milestones and issues signed, idempotent
// token claims.
package reward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/fanpulse/internal/crypto"
	"github.com/alanyoungcy/fanpulse/internal/domain"
	"github.com/alanyoungcy/fanpulse/internal/metrics"
)

var txHashRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Config holds the claim policy.
type Config struct {
	// MaxAttempts is how many failed distributions a claim tolerates before
	// it is marked failed.
	MaxAttempts int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 5}
}

// ClaimEvent is published on the claims channel whenever a claim changes
// status.
type ClaimEvent struct {
	ClaimID     string             `json:"claim_id"`
	UserID      string             `json:"user_id"`
	MilestoneID string             `json:"milestone_id"`
	Status      domain.ClaimStatus `json:"status"`
	Amount      string             `json:"amount"`
	TxHash      string             `json:"tx_hash,omitempty"`
	At          time.Time          `json:"at"`
}

// Service implements the milestone catalog and claim lifecycle.
type Service struct {
	ledger  domain.Ledger
	signer  *crypto.ClaimSigner
	bus     domain.SignalBus
	metrics *metrics.Metrics
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a Service. bus may be nil.
func NewService(ledger domain.Ledger, signer *crypto.ClaimSigner, bus domain.SignalBus, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Service{
		ledger: ledger,
		signer: signer,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "reward")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics attaches Prometheus collectors.
func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// WithClock overrides the service's time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ValidWalletAddress reports whether addr is 0x followed by 40 hex digits.
func ValidWalletAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// ValidTxHash reports whether h is 0x followed by 64 hex digits.
func ValidTxHash(h string) bool {
	return txHashRe.MatchString(h)
}

// GetEligibleRewards evaluates every active milestone against the user's
// current stats. It has no side effects.
func (s *Service) GetEligibleRewards(ctx context.Context, userID string) ([]domain.MilestoneEligibility, error) {
	var out []domain.MilestoneEligibility
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		milestones, err := tx.ListMilestones(ctx, true)
		if err != nil {
			return err
		}
		stats, err := tx.GetUserStats(ctx, userID)
		if err != nil {
			return err
		}
		claims, err := tx.ListClaims(ctx, userID)
		if err != nil {
			return err
		}
		claimed := make(map[string]bool, len(claims))
		for _, c := range claims {
			claimed[c.MilestoneID] = true
		}

		out = make([]domain.MilestoneEligibility, 0, len(milestones))
		for _, m := range milestones {
			v := stats.Metric(m.Type)
			out = append(out, domain.MilestoneEligibility{
				Milestone:      m,
				CurrentValue:   v,
				IsEligible:     v >= m.Threshold,
				AlreadyClaimed: claimed[m.ID],
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reward: eligible %s: %w", userID, err)
	}
	return out, nil
}

// ClaimMilestone signs and records a claim. A previous claim, eligibility and
// wallet ownership are checked inside the same transaction as the insert;
// the (user, milestone) unique constraint makes concurrent attempts collapse
// to one row.
func (s *Service) ClaimMilestone(ctx context.Context, userID, milestoneID, wallet string) (domain.ClaimSignature, error) {
	wallet = strings.TrimSpace(wallet)
	if !ValidWalletAddress(wallet) {
		s.metrics.Claim("rejected")
		return domain.ClaimSignature{}, fmt.Errorf("reward: claim: %w", domain.ErrInvalidWalletAddress)
	}
	wallet = strings.ToLower(wallet)

	var sig domain.ClaimSignature
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		m, err := tx.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		// An existing claim wins over every later change of eligibility.
		claimed, err := tx.HasClaim(ctx, userID, m.ID)
		if err != nil {
			return err
		}
		if claimed {
			return domain.ErrAlreadyClaimed
		}
		if !m.Active {
			return domain.ErrMilestoneNotFound
		}
		stats, err := tx.GetUserStats(ctx, userID)
		if err != nil {
			return err
		}
		if v := stats.Metric(m.Type); v < m.Threshold {
			return fmt.Errorf("%w: %s is %d, need %d", domain.ErrNotEligible, m.Type, v, m.Threshold)
		}
		linked, err := tx.WalletLinked(ctx, userID, wallet)
		if err != nil {
			return err
		}
		if !linked {
			return domain.ErrWalletNotLinked
		}

		now := s.now()
		sig, err = s.signer.Sign(domain.ClaimSignature{
			ClaimID:       uuid.NewString(),
			UserID:        userID,
			MilestoneID:   m.ID,
			WalletAddress: wallet,
			Amount:        m.RewardAmount,
			Timestamp:     now.Unix(),
		})
		if err != nil {
			return err
		}
		return tx.InsertClaim(ctx, domain.Claim{
			ID:            sig.ClaimID,
			UserID:        userID,
			MilestoneID:   m.ID,
			WalletAddress: wallet,
			Amount:        m.RewardAmount,
			Signature:     sig.Signature,
			SignedAt:      time.Unix(sig.Timestamp, 0).UTC(),
			Status:        domain.ClaimSigned,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	})
	if err != nil {
		switch {
		case domain.IsConflict(err):
			s.metrics.Claim("duplicate")
			s.logger.Debug("claim rejected",
				slog.String("user_id", userID),
				slog.String("milestone_id", milestoneID),
				slog.String("error", err.Error()),
			)
		case domain.IsValidation(err), errors.Is(err, domain.ErrMilestoneNotFound):
			s.metrics.Claim("rejected")
		default:
			s.metrics.Claim("error")
		}
		return domain.ClaimSignature{}, fmt.Errorf("reward: claim %s/%s: %w", userID, milestoneID, err)
	}

	s.metrics.Claim("signed")
	s.logger.Info("milestone claimed",
		slog.String("claim_id", sig.ClaimID),
		slog.String("user_id", userID),
		slog.String("milestone_id", milestoneID),
		slog.String("amount", sig.Amount.String()),
	)
	s.publish(ctx, ClaimEvent{
		ClaimID:     sig.ClaimID,
		UserID:      userID,
		MilestoneID: sig.MilestoneID,
		Status:      domain.ClaimSigned,
		Amount:      sig.Amount.String(),
		At:          s.now(),
	})
	return sig, nil
}

// RecordDistribution moves a signed claim to distributed. Repeating the call
// with the same hash is a no-op.
func (s *Service) RecordDistribution(ctx context.Context, claimID, txHash string) error {
	if !ValidTxHash(txHash) {
		return fmt.Errorf("reward: distribution %s: %w", claimID, domain.ErrInvalidTxHash)
	}
	txHash = strings.ToLower(txHash)

	var (
		claim   domain.Claim
		changed bool
	)
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		claim, err = tx.GetClaim(ctx, claimID)
		if err != nil {
			return err
		}
		switch claim.Status {
		case domain.ClaimDistributed:
			if claim.TxHash != nil && strings.EqualFold(*claim.TxHash, txHash) {
				return nil
			}
			return domain.ErrTxHashMismatch
		case domain.ClaimSigned:
		default:
			return domain.ErrClaimNotSignable
		}
		if err := tx.MarkClaimDistributed(ctx, claimID, txHash, s.now()); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("reward: distribution %s: %w", claimID, err)
	}
	if !changed {
		return nil
	}

	s.metrics.Distribution(string(domain.TransferClaim), "ok")
	s.logger.Info("claim distributed",
		slog.String("claim_id", claimID),
		slog.String("tx_hash", txHash),
	)
	s.publish(ctx, ClaimEvent{
		ClaimID:     claim.ID,
		UserID:      claim.UserID,
		MilestoneID: claim.MilestoneID,
		Status:      domain.ClaimDistributed,
		Amount:      claim.Amount.String(),
		TxHash:      txHash,
		At:          s.now(),
	})
	return nil
}

// RecordFailure notes a failed transfer attempt. The claim stays signed
// until MaxAttempts failures have been recorded, then becomes failed.
func (s *Service) RecordFailure(ctx context.Context, claimID, reason string) (domain.ClaimStatus, error) {
	var status domain.ClaimStatus
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		c, err := tx.GetClaim(ctx, claimID)
		if err != nil {
			return err
		}
		if c.Status != domain.ClaimSigned {
			return domain.ErrClaimNotSignable
		}
		status = domain.ClaimSigned
		if c.Attempts+1 >= s.cfg.MaxAttempts {
			status = domain.ClaimFailed
		}
		return tx.RecordClaimFailure(ctx, claimID, reason, status, s.now())
	})
	if err != nil {
		return "", fmt.Errorf("reward: record failure %s: %w", claimID, err)
	}

	s.metrics.Distribution(string(domain.TransferClaim), "failed")
	if status == domain.ClaimFailed {
		s.logger.Error("claim distribution abandoned",
			slog.String("claim_id", claimID),
			slog.String("error", reason),
		)
	} else {
		s.logger.Warn("claim distribution failed",
			slog.String("claim_id", claimID),
			slog.String("error", reason),
		)
	}
	return status, nil
}

// PublishMilestone adds a milestone to the catalog. Published milestones are
// never modified; a duplicate (type, threshold) pair yields ErrAlreadyExists.
func (s *Service) PublishMilestone(ctx context.Context, m domain.Milestone) (domain.Milestone, error) {
	var problems []error
	if !m.Type.Valid() {
		problems = append(problems, fmt.Errorf("%w: unknown type %q", domain.ErrInvalidMilestone, m.Type))
	}
	if m.Threshold <= 0 {
		problems = append(problems, fmt.Errorf("%w: threshold must be positive", domain.ErrInvalidMilestone))
	}
	if !m.RewardAmount.IsPositive() {
		problems = append(problems, fmt.Errorf("%w: reward amount must be positive", domain.ErrInvalidMilestone))
	}
	if len(problems) > 0 {
		return domain.Milestone{}, errors.Join(problems...)
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Active = true
	m.CreatedAt = s.now()
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.InsertMilestone(ctx, m)
	})
	if err != nil {
		return domain.Milestone{}, fmt.Errorf("reward: publish milestone: %w", err)
	}
	s.logger.Info("milestone published",
		slog.String("milestone_id", m.ID),
		slog.String("type", string(m.Type)),
		slog.Int64("threshold", m.Threshold),
	)
	return m, nil
}

// Milestones lists the catalog.
func (s *Service) Milestones(ctx context.Context, activeOnly bool) ([]domain.Milestone, error) {
	var out []domain.Milestone
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		out, err = tx.ListMilestones(ctx, activeOnly)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reward: milestones: %w", err)
	}
	return out, nil
}

// Claims lists a user's claims.
func (s *Service) Claims(ctx context.Context, userID string) ([]domain.Claim, error) {
	var out []domain.Claim
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		out, err = tx.ListClaims(ctx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reward: claims %s: %w", userID, err)
	}
	return out, nil
}

// Verify checks a claim signature against the service's key.
func (s *Service) Verify(sig domain.ClaimSignature) bool {
	return s.signer.Verify(sig)
}

func (s *Service) publish(ctx context.Context, ev ClaimEvent) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshal claim event", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, domain.ChannelClaims, payload); err != nil {
		s.logger.Warn("publish claim event failed",
			slog.String("claim_id", ev.ClaimID),
			slog.String("error", err.Error()),
		)
	}
}
