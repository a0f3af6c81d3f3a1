package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gpufleet/gpufleet/pkg/models"
)

var (
	blacklistReason   string
	blacklistTTLHours int
)

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "Manage the machine blacklist",
	RunE:  runBlacklistList,
}

var blacklistAddCmd = &cobra.Command{
	Use:   "add [provider] [machine-id]",
	Short: "Blacklist a machine",
	Args:  cobra.ExactArgs(2),
	RunE:  runBlacklistAdd,
}

var blacklistRemoveCmd = &cobra.Command{
	Use:   "remove [provider] [machine-id]",
	Short: "Remove a machine from the blacklist",
	Args:  cobra.ExactArgs(2),
	RunE:  runBlacklistRemove,
}

var blacklistStatsCmd = &cobra.Command{
	Use:   "stats [provider] [machine-id]",
	Short: "Show creation history for a machine",
	Args:  cobra.ExactArgs(2),
	RunE:  runBlacklistStats,
}

func init() {
	rootCmd.AddCommand(blacklistCmd)
	blacklistCmd.AddCommand(blacklistAddCmd, blacklistRemoveCmd, blacklistStatsCmd)

	blacklistAddCmd.Flags().StringVar(&blacklistReason, "reason", "", "Why the machine is being blacklisted")
	blacklistAddCmd.Flags().IntVar(&blacklistTTLHours, "ttl", 0, "Entry lifetime in hours (0 = permanent)")
}

func runBlacklistList(cmd *cobra.Command, args []string) error {
	var result struct {
		Entries []models.MachineBlacklistEntry `json:"entries"`
		Count   int                            `json:"count"`
	}
	if err := getJSON("/api/v1/blacklist", &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Entries) == 0 {
		fmt.Println("Blacklist is empty.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMACHINE\tTYPE\tFAILURE RATE\tEXPIRES\tREASON")
	fmt.Fprintln(w, "--------\t-------\t----\t------------\t-------\t------")
	for _, e := range result.Entries {
		expires := "never"
		if e.ExpiresAt != nil {
			expires = e.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			e.Provider, e.MachineID, e.Type, e.FailureRate*100, expires, e.Reason)
	}
	w.Flush()
	return nil
}

func runBlacklistAdd(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"provider":   args[0],
		"machine_id": args[1],
		"reason":     blacklistReason,
		"ttl_hours":  blacklistTTLHours,
	}
	if err := postJSON("/api/v1/blacklist", body, nil); err != nil {
		return err
	}
	fmt.Printf("Blacklisted %s/%s\n", args[0], args[1])
	return nil
}

func runBlacklistRemove(cmd *cobra.Command, args []string) error {
	if err := deleteJSON("/api/v1/blacklist/"+args[0]+"/"+args[1], nil); err != nil {
		return err
	}
	fmt.Printf("Removed %s/%s from blacklist\n", args[0], args[1])
	return nil
}

func runBlacklistStats(cmd *cobra.Command, args []string) error {
	var stats models.MachineStats
	if err := getJSON("/api/v1/machines/"+args[0]+"/"+args[1]+"/stats", &stats); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(stats)
	}

	fmt.Printf("Machine %s/%s\n", stats.Provider, stats.MachineID)
	fmt.Printf("  Attempts:     %d\n", stats.TotalAttempts)
	fmt.Printf("  Failed:       %d\n", stats.FailedAttempts)
	fmt.Printf("  Success rate: %.0f%%\n", stats.SuccessRate*100)
	if stats.LastFailure != "" {
		fmt.Printf("  Last failure: %s\n", stats.LastFailure)
	}
	return nil
}
