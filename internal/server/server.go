// Package server exposes the engines over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/fanpulse/internal/domain"
	"github.com/alanyoungcy/fanpulse/internal/server/handler"
	"github.com/alanyoungcy/fanpulse/internal/server/middleware"
	"github.com/alanyoungcy/fanpulse/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port          int
	CORSOrigins   []string
	AdminAPIKey   string // if empty, admin routes answer 403
	BetRateLimit  int    // bets per user per window; 0 disables
	BetRateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Markets     *handler.MarketHandler
	Rewards     *handler.RewardHandler
	Leaderboard *handler.LeaderboardHandler
	Metrics     http.Handler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on a ServeMux.
// limiter may be nil, which disables bet rate limiting; wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewRouter(cfg, handlers, limiter, wsHub, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewRouter builds the routed and middleware-wrapped handler.
func NewRouter(cfg Config, handlers Handlers, limiter domain.RateLimiter, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	admin := middleware.Admin(cfg.AdminAPIKey)
	betLimit := middleware.RateLimit(limiter, "bets", cfg.BetRateLimit, cfg.BetRateWindow,
		middleware.ByHeader(handler.UserHeader), logger)

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Market endpoints.
	mux.Handle("POST /api/markets", admin(http.HandlerFunc(handlers.Markets.CreateMarket)))
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.Handle("POST /api/markets/{id}/bets", betLimit(http.HandlerFunc(handlers.Markets.PlaceBet)))
	mux.Handle("POST /api/markets/{id}/settle", admin(http.HandlerFunc(handlers.Markets.SettleMarket)))
	mux.HandleFunc("GET /api/matches/{id}/live", handlers.Markets.LiveState)
	mux.HandleFunc("GET /api/balance", handlers.Markets.Balance)
	mux.Handle("POST /api/users/{id}/credits", admin(http.HandlerFunc(handlers.Markets.Credit)))

	// Reward endpoints.
	mux.HandleFunc("GET /api/rewards/eligible", handlers.Rewards.Eligible)
	mux.HandleFunc("GET /api/rewards/claims", handlers.Rewards.ListClaims)
	mux.HandleFunc("POST /api/rewards/claims", handlers.Rewards.Claim)
	mux.Handle("POST /api/rewards/claims/{id}/distribution", admin(http.HandlerFunc(handlers.Rewards.RecordDistribution)))
	mux.Handle("POST /api/milestones", admin(http.HandlerFunc(handlers.Rewards.PublishMilestone)))

	// Leaderboard endpoints.
	mux.HandleFunc("GET /api/leaderboard/{date}", handlers.Leaderboard.Leaderboard)
	mux.HandleFunc("GET /api/leaderboard/{date}/archive", handlers.Leaderboard.Archive)

	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
