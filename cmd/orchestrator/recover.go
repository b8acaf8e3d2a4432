package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/config"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/db"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/recovery"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/repository"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/server"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Pause campaigns left RUNNING by a stopped process",
	Long: `Recover demotes every RUNNING campaign to PAUSED and clears stale
connection flags. serve does this on every start; this command is for
running it while the service is down.`,
	RunE: runRecover,
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger := server.NewLogger(cfg.Logging, os.Stderr)

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		return err
	}

	res, err := recovery.Run(context.Background(), repository.NewCampaignRepository(database.DB), nil, logger)
	if err != nil {
		return err
	}

	fmt.Println("Recovery completed")
	fmt.Printf("  Running found:     %d\n", res.Running)
	fmt.Printf("  Paused:            %d\n", res.Paused)
	fmt.Printf("  Failed:            %d\n", res.Failed)
	fmt.Printf("  Stale connections: %d\n", res.StaleConnections)
	return nil
}
