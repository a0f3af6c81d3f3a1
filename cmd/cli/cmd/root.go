// Package cmd implements the fleetctl command tree.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL    string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Manage the GPU fleet control plane",
	Long: `fleetctl talks to the fleet control plane API.

It lets you:
- Browse spot GPU offers and validate them before purchase
- Create, migrate, and destroy GPU instances
- Inspect standby pairs and serverless bindings
- Manage the machine blacklist and review accrued cost`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		getEnvOrDefault("FLEET_URL", "http://localhost:8080"), "control plane URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table",
		"Output format (table, json)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
