package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show fleet-wide accrued cost",
	RunE:  runUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)
}

func runUsage(cmd *cobra.Command, args []string) error {
	var sum struct {
		OpenInstances int     `json:"open_instances"`
		TotalAccrued  float64 `json:"total_accrued"`
		OpenRate      float64 `json:"open_hourly_rate"`
	}
	if err := getJSON("/api/v1/usage/summary", &sum); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(sum)
	}

	fmt.Printf("Open instances: %d\n", sum.OpenInstances)
	fmt.Printf("Total accrued:  $%.4f\n", sum.TotalAccrued)
	fmt.Printf("Open rate:      $%.4f/hr\n", sum.OpenRate)
	return nil
}
