package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fanpulse/internal/domain"
)

// RewardService is the slice of the reward engine the handlers need.
type RewardService interface {
	GetEligibleRewards(ctx context.Context, userID string) ([]domain.MilestoneEligibility, error)
	ClaimMilestone(ctx context.Context, userID, milestoneID, wallet string) (domain.ClaimSignature, error)
	RecordDistribution(ctx context.Context, claimID, txHash string) error
	PublishMilestone(ctx context.Context, m domain.Milestone) (domain.Milestone, error)
	Claims(ctx context.Context, userID string) ([]domain.Claim, error)
}

// RewardHandler serves milestone and claim endpoints.
type RewardHandler struct {
	rewards RewardService
	logger  *slog.Logger
}

// NewRewardHandler creates a RewardHandler.
func NewRewardHandler(rewards RewardService, logger *slog.Logger) *RewardHandler {
	return &RewardHandler{rewards: rewards, logger: logHandler(logger, "reward")}
}

// Eligible lists every active milestone with the caller's progress.
// GET /api/rewards/eligible
func (h *RewardHandler) Eligible(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	rows, err := h.rewards.GetEligibleRewards(r.Context(), user)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to load rewards")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"milestones": rows})
}

type claimRequest struct {
	MilestoneID   string `json:"milestone_id" validate:"required"`
	WalletAddress string `json:"wallet_address" validate:"required"`
}

// Claim signs a reward claim for the caller.
// POST /api/rewards/claims
func (h *RewardHandler) Claim(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sig, err := h.rewards.ClaimMilestone(r.Context(), user, req.MilestoneID, req.WalletAddress)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to claim reward")
		return
	}
	writeJSON(w, http.StatusCreated, sig)
}

type claimView struct {
	ID            string             `json:"id"`
	MilestoneID   string             `json:"milestone_id"`
	WalletAddress string             `json:"wallet_address"`
	Amount        decimal.Decimal    `json:"amount"`
	Status        domain.ClaimStatus `json:"status"`
	TxHash        *string            `json:"tx_hash,omitempty"`
	SignedAt      time.Time          `json:"signed_at"`
}

// ListClaims returns the caller's claims.
// GET /api/rewards/claims
func (h *RewardHandler) ListClaims(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	claims, err := h.rewards.Claims(r.Context(), user)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to list claims")
		return
	}
	out := make([]claimView, 0, len(claims))
	for _, c := range claims {
		out = append(out, claimView{
			ID:            c.ID,
			MilestoneID:   c.MilestoneID,
			WalletAddress: c.WalletAddress,
			Amount:        c.Amount,
			Status:        c.Status,
			TxHash:        c.TxHash,
			SignedAt:      c.SignedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": out})
}

type distributionRequest struct {
	TxHash string `json:"tx_hash" validate:"required"`
}

// RecordDistribution marks a signed claim paid.
// POST /api/rewards/claims/{id}/distribution
func (h *RewardHandler) RecordDistribution(w http.ResponseWriter, r *http.Request) {
	var req distributionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := pathParam(r, "id")
	if err := h.rewards.RecordDistribution(r.Context(), id, req.TxHash); err != nil {
		writeDomainError(w, r, h.logger, err, "failed to record distribution")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"claim_id": id, "status": string(domain.ClaimDistributed)})
}

type milestoneRequest struct {
	Type         string `json:"type" validate:"required,oneof=level total_comments total_upvotes streak"`
	Threshold    int64  `json:"threshold" validate:"gt=0"`
	RewardAmount string `json:"reward_amount" validate:"required,numeric"`
}

// PublishMilestone adds a new immutable milestone.
// POST /api/milestones
func (h *RewardHandler) PublishMilestone(w http.ResponseWriter, r *http.Request) {
	var req milestoneRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.RewardAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reward_amount must be a decimal")
		return
	}
	m, err := h.rewards.PublishMilestone(r.Context(), domain.Milestone{
		Type:         domain.MilestoneType(req.Type),
		Threshold:    req.Threshold,
		RewardAmount: amount,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to publish milestone")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}
