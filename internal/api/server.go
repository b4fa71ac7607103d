// Package api serves the admin and read-only HTTP surface.
//
// Admin endpoints run cycles and monitor passes synchronously; the
// monitor endpoint additionally requires the shared secret header. Read
// endpoints are plain views over the store. Responses are structured
// JSON with an explicit success flag — nothing short of a catastrophic
// failure surfaces as a 500.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"quorum-trader/internal/cycle"
	"quorum-trader/internal/orders"
	"quorum-trader/internal/store"
	"quorum-trader/pkg/types"
)

// Config holds server wiring.
type Config struct {
	Port           int
	AllowedOrigins []string
	MonitorSecret  string
	InitialBalance float64
	Firms          []types.Firm
	SystemEnabled  bool

	// ConfiguredKeys reports which credential slots are set (never the
	// values) for the health endpoint.
	ConfiguredKeys map[string]bool
}

// Server is the HTTP server. Each request takes its own store handle —
// handles carry re-entrant transaction state and are not shared across
// workers.
type Server struct {
	router       *chi.Mux
	server       *http.Server
	db           *store.Store
	orchestrator *cycle.Orchestrator
	monitor      *orders.Monitor
	cfg          Config
	logger       *slog.Logger
}

// NewServer creates the server and mounts all routes.
func NewServer(cfg Config, db *store.Store, orch *cycle.Orchestrator, mon *orders.Monitor, logger *slog.Logger) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		db:           db,
		orchestrator: orch,
		monitor:      mon,
		cfg:          cfg,
		logger:       logger.With("component", "api"),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Timeout(20 * time.Minute))
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Monitor-Secret"},
		MaxAge:         300,
	}))

	s.routes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 20 * time.Minute, // run-cycle is synchronous
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/admin", func(r chi.Router) {
		r.Post("/run-cycle", s.handleRunCycle)
		r.With(s.requireMonitorSecret).Post("/monitor-orders", s.handleMonitorOrders)
		r.Post("/initialize-portfolios", s.handleInitPortfolios)
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/leaderboard", s.handleLeaderboard)
		r.Get("/live-metrics", s.handleLiveMetrics)
		r.Get("/active-positions", s.handleActivePositions)
		r.Get("/ai-decisions-history", s.handleDecisionsHistory)
		r.Get("/cancelled-orders", s.handleCancelledOrders)
		r.Get("/recent-trades", s.handleRecentTrades)
		r.Get("/ai-trades/{firm}", s.handleFirmTrades)
	})
}

// Start blocks serving HTTP until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// requireMonitorSecret rejects requests whose shared-secret header does
// not match.
func (s *Server) requireMonitorSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Monitor-Secret")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.MonitorSecret)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, map[string]any{
				"success": false,
				"error":   "invalid monitor secret",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response failed", "error", err)
	}
}
