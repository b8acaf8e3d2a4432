package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const defaultConfigPath = "/etc/campaign-orchestrator/config.yaml"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Campaign orchestrator - bulk WhatsApp campaign execution engine",
	Long: `Campaign orchestrator runs bulk WhatsApp campaigns: it links a WhatsApp
account per campaign by QR code, paces message dispatch, tracks delivery
and streams progress to subscribers in real time.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("orchestrator %s (built %s)\n", version, buildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "Path to configuration file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
