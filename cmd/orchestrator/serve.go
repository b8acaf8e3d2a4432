package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/api"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/config"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API, realtime channel and dispatcher",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger := server.NewLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)
	api.Version = version

	// Handle shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("campaign orchestrator starting", "version", version, "config", configFile)
	return srv.Run(ctx)
}
