// Package server wires the engine components together and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/api"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/broadcast"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/campaign"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/config"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/db"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/dispatch"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/metrics"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/progress"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/ratelimit"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/recovery"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/repository"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/scheduler"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/session"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/whatsapp"
)

const shutdownTimeout = 30 * time.Second

// Deps are the externally opened resources a Server runs on.
type Deps struct {
	DB      *db.DB
	Factory whatsapp.Factory
	Purger  recovery.DevicePurger // may be nil
}

// Server owns every long-lived component
type Server struct {
	config *config.Config
	logger *slog.Logger

	campaigns     *repository.CampaignRepository
	hub           *broadcast.Hub
	registry      *session.Registry
	dispatcher    *dispatch.Dispatcher
	scheduler     *scheduler.Scheduler
	quota         *ratelimit.Limiter
	purger        recovery.DevicePurger
	apiServer     *api.Server
	metricsServer *metrics.Server

	closers      []func() error
	shutdownOnce sync.Once
	shutdownErr  error
}

// New opens the database and the whatsmeow device store described by cfg
// and builds a Server on them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}

	ledger, err := whatsapp.OpenDeviceLedger(cfg.WhatsApp.LedgerPath)
	if err != nil {
		database.Close()
		return nil, err
	}

	factory, err := whatsapp.NewWhatsmeowFactory(ctx, whatsapp.WhatsmeowConfig{
		StorePath: cfg.WhatsApp.StorePath,
		OSName:    cfg.WhatsApp.OSName,
	}, ledger, logger)
	if err != nil {
		ledger.Close()
		database.Close()
		return nil, fmt.Errorf("failed to open whatsmeow store: %w", err)
	}

	s, err := NewWithDeps(cfg, Deps{DB: database, Factory: factory, Purger: factory}, logger)
	if err != nil {
		factory.Close()
		ledger.Close()
		database.Close()
		return nil, err
	}
	s.closers = append(s.closers, factory.Close, ledger.Close, database.Close)
	return s, nil
}

// NewWithDeps builds a Server on already opened resources. The caller
// keeps ownership of deps.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	s := &Server{
		config: cfg,
		logger: logger,
		purger: deps.Purger,
	}

	m := metrics.New()
	metrics.SetGlobal(m)
	if cfg.Metrics.Enabled {
		s.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
	}

	s.campaigns = repository.NewCampaignRepository(deps.DB.DB)
	recipients := repository.NewRecipientRepository(deps.DB.DB)
	attachments := repository.NewAttachmentRepository(deps.DB.DB)
	tracker := progress.New(recipients)

	s.hub = broadcast.New(s.campaigns, cfg.Broadcast.Buffer, logger)

	s.registry = session.New(deps.Factory, s.campaigns, s.hub, session.Options{
		QRSize:            cfg.WhatsApp.QRSize,
		SessionsPerMinute: cfg.WhatsApp.SessionsPerMinute,
		SessionBurst:      cfg.WhatsApp.SessionBurst,
	}, logger)

	s.dispatcher = dispatch.New(s.campaigns, recipients, attachments, tracker, s.registry, s.hub, dispatch.Options{
		DefaultInterval:   cfg.Dispatch.DefaultInterval,
		SendTimeoutFactor: cfg.Dispatch.SendTimeoutFactor,
		BreakerFailures:   cfg.Dispatch.BreakerFailures,
		BreakerTimeout:    cfg.Dispatch.BreakerTimeout,
	}, logger)
	s.registry.OnSessionLost(s.dispatcher.SessionLost)
	s.registry.OnReceipt(s.dispatcher.Delivered)

	s.scheduler = scheduler.New(s.campaigns, s.dispatcher, s.registry,
		scheduler.Config{PollInterval: cfg.Scheduler.PollInterval}, logger)

	var quota campaign.Quota
	if cfg.RateLimit.Enabled {
		limiter, err := ratelimit.Open(cfg.RateLimit.Path, &ratelimit.Config{
			PerHour: cfg.RateLimit.QRPerHour,
			PerDay:  cfg.RateLimit.QRPerDay,
		})
		if err != nil {
			s.registry.Shutdown()
			return nil, fmt.Errorf("failed to create qr quota limiter: %w", err)
		}
		s.quota = limiter
		quota = limiter
		logger.Info("qr quota enabled", "per_hour", cfg.RateLimit.QRPerHour, "per_day", cfg.RateLimit.QRPerDay)
	}

	svc := campaign.NewService(s.campaigns, recipients, attachments, tracker, s.registry, s.dispatcher, quota, logger)
	s.apiServer = api.NewServer(svc, s.hub, &cfg.Server, logger)

	return s, nil
}

// Recover runs startup recovery against the campaign store.
func (s *Server) Recover(ctx context.Context) (*recovery.Result, error) {
	return recovery.Run(ctx, s.campaigns, s.purger, s.logger)
}

// Run recovers persisted state, then serves until ctx is cancelled or a
// listener fails, and shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	if _, err := s.Recover(ctx); err != nil {
		s.Shutdown(context.Background())
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	logAttrs := []any{"api_addr", s.config.Server.ListenAddr}
	if s.metricsServer != nil {
		logAttrs = append(logAttrs, "metrics_addr", s.config.Metrics.ListenAddr)
	}
	s.logger.Info("starting campaign orchestrator", logAttrs...)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.apiServer.ListenAndServe(); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if s.metricsServer != nil {
		g.Go(func() error {
			if err := s.metricsServer.ListenAndServe(); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return s.scheduler.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown signal received")
		return s.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown stops every component. Running campaigns are paused so the
// next boot does not need recovery for them. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error

	// Stop accepting new requests first
	if err := s.apiServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("api server shutdown error", "error", err)
		errs = append(errs, err)
	}

	if err := s.dispatcher.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("dispatcher shutdown error", "error", err)
		errs = append(errs, err)
	}
	s.registry.Shutdown()
	s.hub.Close()

	// Stop quota limiter (persists counters)
	if s.quota != nil {
		if err := s.quota.Stop(); err != nil {
			s.logger.Error("qr quota stop error", "error", err)
			errs = append(errs, err)
		}
	}

	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			s.logger.Error("close error", "error", err)
			errs = append(errs, err)
		}
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("metrics server shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	s.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
