package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print an example configuration with defaults",
	RunE:  runConfigExample,
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configExampleCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	fmt.Println("Configuration is valid")
	fmt.Printf("  Listen address:   %s\n", cfg.Server.ListenAddr)
	fmt.Printf("  Database path:    %s\n", cfg.Database.Path)
	fmt.Printf("  Device store:     %s\n", cfg.WhatsApp.StorePath)
	fmt.Printf("  Default interval: %s\n", cfg.Dispatch.DefaultInterval)
	fmt.Printf("  QR quota:         %v (%d/hour, %d/day)\n", cfg.RateLimit.Enabled, cfg.RateLimit.QRPerHour, cfg.RateLimit.QRPerDay)
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:          %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	} else {
		fmt.Println("  Metrics:          disabled")
	}
	return nil
}

func runConfigExample(cmd *cobra.Command, args []string) error {
	data, err := config.Default().Marshal()
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}
