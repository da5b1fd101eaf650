package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/poolsight/internal/domain"
	"github.com/alanyoungcy/poolsight/internal/server/handler"
	"github.com/alanyoungcy/poolsight/internal/server/middleware"
	"github.com/alanyoungcy/poolsight/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// RateLimit is requests per RateWindow per client. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health           *handler.HealthHandler
	Status           *handler.StatusHandler
	SeniorPool       *handler.SeniorPoolHandler
	Pools            *handler.PoolHandler
	CapitalProviders *handler.CapitalProviderHandler
	Borrowers        *handler.BorrowerHandler
	// Metrics serves the Prometheus registry. Optional.
	Metrics http.Handler
}

// Server is the read-only HTTP + WebSocket API over the tracked snapshots.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (rate limiting, logging, CORS) and attaches the
// WebSocket hub. limiter and wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	// Senior pool endpoints.
	mux.HandleFunc("GET /api/senior-pool", handlers.SeniorPool.GetSeniorPool)
	mux.HandleFunc("GET /api/senior-pool/balance", handlers.SeniorPool.GetBalance)

	// Tranched pool endpoints.
	mux.HandleFunc("GET /api/pools", handlers.Pools.ListPools)
	mux.HandleFunc("GET /api/pools/{address}", handlers.Pools.GetPool)
	mux.HandleFunc("GET /api/pools/{address}/capacity", handlers.Pools.GetCapacity)

	// Lender and borrower endpoints.
	mux.HandleFunc("GET /api/capital-providers/{address}", handlers.CapitalProviders.GetCapitalProvider)
	mux.HandleFunc("GET /api/borrowers/{address}/credit-lines", handlers.Borrowers.GetCreditLines)
	mux.HandleFunc("POST /api/borrowers/{address}/split-payment", handlers.Borrowers.SplitPayment)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger, "/api/health", "/metrics", "/ws")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Handler returns the fully wrapped handler. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
