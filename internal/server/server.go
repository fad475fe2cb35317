package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/milestonebet/internal/domain"
	"github.com/alanyoungcy/milestonebet/internal/server/handler"
	"github.com/alanyoungcy/milestonebet/internal/server/middleware"
	"github.com/alanyoungcy/milestonebet/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables API-key auth

	// Wallet identity.
	RequireSignature bool
	SignatureMaxAge  time.Duration

	// Per-IP rate limit; a nil Limiter disables it.
	Limiter         domain.RateLimiter
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health     *handler.HealthHandler
	Milestones *handler.MilestoneHandler
	Markets    *handler.MarketHandler
	Bets       *handler.BetHandler
}

// Server is the HTTP + WebSocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in middleware:
// CORS, then request logging, then auth, rate limit and wallet identity.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, wsHub, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/milestones", handlers.Milestones.List)
	mux.HandleFunc("POST /api/milestones", handlers.Milestones.Create)
	mux.HandleFunc("GET /api/milestones/{id}", handlers.Milestones.Get)
	mux.HandleFunc("POST /api/milestones/{id}/status", handlers.Milestones.UpdateStatus)

	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.Get)
	mux.HandleFunc("GET /api/markets/{id}/quote", handlers.Markets.Quote)
	mux.HandleFunc("POST /api/markets/{id}/resolve", handlers.Markets.Resolve)
	mux.HandleFunc("GET /api/markets/{id}/audit", handlers.Markets.Audit)

	mux.HandleFunc("GET /api/markets/{id}/bets", handlers.Bets.List)
	mux.HandleFunc("POST /api/markets/{id}/bets", handlers.Bets.Place)
	mux.HandleFunc("POST /api/markets/{id}/bets/{betID}/claim", handlers.Bets.Claim)
	mux.HandleFunc("GET /api/bettors/{address}/bets", handlers.Bets.ByBettor)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Wallet(middleware.WalletConfig{
		RequireSignature: cfg.RequireSignature,
		MaxAge:           cfg.SignatureMaxAge,
	}, logger)(h)
	if cfg.Limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, cfg.RateLimitWindow, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
