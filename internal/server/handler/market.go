package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fanpulse/internal/domain"
	"github.com/alanyoungcy/fanpulse/internal/market"
)

// MarketService defines the methods that the market handler requires from the
// market engine. It is declared locally so the handler package does not depend
// on the concrete engine.
type MarketService interface {
	CreateMarket(ctx context.Context, p market.CreateMarketParams) (domain.Market, error)
	PlaceBet(ctx context.Context, marketID, userID, option string, stake decimal.Decimal) (domain.Bet, error)
	SettleMarket(ctx context.Context, marketID string, outcome domain.Outcome) (domain.SettlementResult, error)
	Market(ctx context.Context, marketID string) (domain.MarketView, error)
	LiveState(ctx context.Context, matchID string) (domain.LiveState, error)
	Balance(ctx context.Context, userID string, opts domain.ListOpts) (decimal.Decimal, []domain.BalanceEntry, error)
	Credit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (domain.BalanceEntry, bool, error)
}

// SettlementTrigger enqueues a settlement pass for a match.
type SettlementTrigger interface {
	Trigger(matchID string) bool
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	trigger SettlementTrigger
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler. trigger may be nil when no
// scheduler runs in this process.
func NewMarketHandler(markets MarketService, trigger SettlementTrigger, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		trigger: trigger,
		logger:  logHandler(logger, "market"),
	}
}

type createMarketRequest struct {
	MatchID       string               `json:"match_id" validate:"required"`
	Question      string               `json:"question" validate:"required"`
	Options       []string             `json:"options" validate:"required,min=2,dive,required"`
	StakeUnit     string               `json:"stake_unit" validate:"required,numeric"`
	WindowSeconds int                  `json:"window_seconds" validate:"required,gt=0"`
	Context       domain.MarketContext `json:"context"`
}

type marketResponse struct {
	ID        string              `json:"id"`
	MatchID   string              `json:"match_id"`
	Question  string              `json:"question"`
	Options   []string            `json:"options"`
	StakeUnit string              `json:"stake_unit"`
	Status    domain.MarketStatus `json:"status"`
	ExpiresAt time.Time           `json:"expires_at"`
	CreatedAt time.Time           `json:"created_at"`
}

// CreateMarket opens a new market on a live match.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	unit, err := decimal.NewFromString(req.StakeUnit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "stake_unit must be a decimal")
		return
	}

	m, err := h.markets.CreateMarket(r.Context(), market.CreateMarketParams{
		MatchID:   req.MatchID,
		Question:  req.Question,
		Options:   req.Options,
		StakeUnit: unit,
		Window:    time.Duration(req.WindowSeconds) * time.Second,
		Context:   req.Context,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to create market")
		return
	}

	writeJSON(w, http.StatusCreated, marketResponse{
		ID:        m.ID,
		MatchID:   m.MatchID,
		Question:  m.Question,
		Options:   m.Options,
		StakeUnit: m.StakeUnit.String(),
		Status:    m.Status,
		ExpiresAt: m.ExpiresAt,
		CreatedAt: m.CreatedAt,
	})
}

// GetMarket returns a single market with its pools.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	view, err := h.markets.Market(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to get market")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type placeBetRequest struct {
	Option string `json:"option" validate:"required"`
	Stake  string `json:"stake" validate:"required,numeric"`
}

type betResponse struct {
	ID       string            `json:"id"`
	MarketID string            `json:"market_id"`
	UserID   string            `json:"user_id"`
	Option   string            `json:"option"`
	Stake    string            `json:"stake"`
	Outcome  domain.BetOutcome `json:"outcome"`
	PlacedAt time.Time         `json:"placed_at"`
}

// PlaceBet stakes the caller's balance on one option.
// POST /api/markets/{id}/bets
func (h *MarketHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	var req placeBetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stake, err := decimal.NewFromString(req.Stake)
	if err != nil {
		writeError(w, http.StatusBadRequest, "stake must be a decimal")
		return
	}

	bet, err := h.markets.PlaceBet(r.Context(), pathParam(r, "id"), user, req.Option, stake)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to place bet")
		return
	}

	writeJSON(w, http.StatusCreated, betResponse{
		ID:       bet.ID,
		MarketID: bet.MarketID,
		UserID:   bet.UserID,
		Option:   bet.Option,
		Stake:    bet.Stake.String(),
		Outcome:  bet.Outcome,
		PlacedAt: bet.PlacedAt,
	})
}

type settleRequest struct {
	WinningOption string `json:"winning_option" validate:"required_without=Refund,excluded_with=Refund"`
	Refund        bool   `json:"refund"`
	Reason        string `json:"reason"`
}

// SettleMarket applies a manual outcome: a winning option or a refund.
// POST /api/markets/{id}/settle
func (h *MarketHandler) SettleMarket(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome := domain.WinningOption(req.WinningOption)
	if req.Refund {
		outcome = domain.RefundOutcome(req.Reason)
	}

	res, err := h.markets.SettleMarket(r.Context(), pathParam(r, "id"), outcome)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to settle market")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// LiveState returns the markets of a match and nudges the scheduler so
// expired markets settle promptly while clients are watching.
// GET /api/matches/{id}/live
func (h *MarketHandler) LiveState(w http.ResponseWriter, r *http.Request) {
	matchID := pathParam(r, "id")
	state, err := h.markets.LiveState(r.Context(), matchID)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to load live state")
		return
	}
	if h.trigger != nil {
		h.trigger.Trigger(matchID)
	}
	writeJSON(w, http.StatusOK, state)
}

// Balance returns the caller's balance and recent journal entries.
// GET /api/balance?limit=50&offset=0
func (h *MarketHandler) Balance(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	opts := parseListOpts(r)
	bal, entries, err := h.markets.Balance(r.Context(), user, opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to load balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": user,
		"balance": bal,
		"entries": entries,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}

type creditRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
	Ref    string `json:"ref" validate:"required,max=128"`
}

// Credit funds a user's balance. The ref makes retries safe: a repeated ref
// answers 200 with the original entry.
// POST /api/users/{id}/credits
func (h *MarketHandler) Credit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal")
		return
	}

	entry, created, err := h.markets.Credit(r.Context(), pathParam(r, "id"), amount, req.Ref)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to credit balance")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, entry)
}
