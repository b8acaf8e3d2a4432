package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/broadcast"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/campaign"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/config"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/metrics"
)

// Version is reported by /health; set by the binary at startup.
var Version = "dev"

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	campaigns  *campaign.Service
	hub        *broadcast.Hub
	config     *config.ServerConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(campaigns *campaign.Service, hub *broadcast.Hub, cfg *config.ServerConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		campaigns: campaigns,
		hub:       hub,
		config:    cfg,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no identity required)
	s.router.Get("/health", s.handleHealth)

	// Realtime channel; identity also accepted as a query parameter
	s.router.Get("/ws/campaigns", s.handleCampaignEvents)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.identityMiddleware)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCampaign)
				r.Delete("/", s.handleDeleteCampaign)
				r.Get("/steps", s.handleSteps)

				r.Put("/recipients", s.handleSetRecipients)
				r.Get("/recipients", s.handleListRecipients)
				r.Put("/attachment", s.handleSetAttachment)
				r.Delete("/attachment", s.handleRemoveAttachment)
				r.Put("/interval", s.handleSetInterval)
				r.Put("/schedule", s.handleSetSchedule)

				r.Post("/qr", s.handleRequestQR)
				r.Get("/connection", s.handleConnection)
				r.Delete("/connection", s.handleDisconnect)

				r.Post("/start", s.handleStart)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)

				r.Get("/progress", s.handleProgress)
				r.Get("/report", s.handleReport)
			})
		})
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server. It returns nil after Shutdown,
// including a Shutdown that happened first.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	return s.httpServer.Shutdown(ctx)
}
