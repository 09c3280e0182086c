package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/fanpulse/internal/domain"
)

// RankingService is the slice of the ranking engine the handlers need.
type RankingService interface {
	Leaderboard(ctx context.Context, date string, limit int) ([]domain.DailyScore, error)
	Rewards(ctx context.Context, date string) ([]domain.DailyReward, error)
	ArchivePath(date string) string
}

// LeaderboardHandler serves daily leaderboards and their CSV archives.
type LeaderboardHandler struct {
	ranking RankingService
	archive domain.BlobReader
	logger  *slog.Logger
}

// NewLeaderboardHandler creates a LeaderboardHandler. archive may be nil when
// object storage is disabled.
func NewLeaderboardHandler(ranking RankingService, archive domain.BlobReader, logger *slog.Logger) *LeaderboardHandler {
	return &LeaderboardHandler{ranking: ranking, archive: archive, logger: logHandler(logger, "leaderboard")}
}

// Leaderboard returns the ranked scores and rewards of a date.
// GET /api/leaderboard/{date}?limit=100
func (h *LeaderboardHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	date := pathParam(r, "date")
	if _, err := domain.ParseDate(date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	scores, err := h.ranking.Leaderboard(r.Context(), date, parseLimit(r, 100))
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to load leaderboard")
		return
	}
	rewards, err := h.ranking.Rewards(r.Context(), date)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to load rewards")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":    date,
		"scores":  scores,
		"rewards": rewards,
	})
}

// Archive streams the archived CSV of a date.
// GET /api/leaderboard/{date}/archive
func (h *LeaderboardHandler) Archive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotFound, "archive disabled")
		return
	}
	date := pathParam(r, "date")
	if _, err := domain.ParseDate(date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	rc, err := h.archive.Get(r.Context(), h.ranking.ArchivePath(date))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no archive for "+date)
			return
		}
		writeDomainError(w, r, h.logger, err, "failed to read archive")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="leaderboard-`+date+`.csv"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.WarnContext(r.Context(), "archive stream aborted",
			slog.String("date", date),
			slog.String("error", err.Error()),
		)
	}
}
