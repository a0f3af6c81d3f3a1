package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gpufleet/gpufleet/pkg/models"
)

var standbyCmd = &cobra.Command{
	Use:   "standby",
	Short: "Inspect standby pairs",
	RunE:  runStandbyStatus,
}

var standbyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List standby associations",
	RunE:  runStandbyList,
}

var standbyGetCmd = &cobra.Command{
	Use:   "get [gpu-instance-id]",
	Short: "Get one standby association",
	Args:  cobra.ExactArgs(1),
	RunE:  runStandbyGet,
}

var standbyEndpointCmd = &cobra.Command{
	Use:   "endpoint [gpu-instance-id]",
	Short: "Show the active workspace endpoint for a pair",
	Args:  cobra.ExactArgs(1),
	RunE:  runStandbyEndpoint,
}

var standbySyncCmd = &cobra.Command{
	Use:   "sync [start|stop] [gpu-instance-id]",
	Short: "Control the workspace sync loop for a pair",
	Args:  cobra.ExactArgs(2),
	RunE:  runStandbySync,
}

func init() {
	rootCmd.AddCommand(standbyCmd)
	standbyCmd.AddCommand(standbyListCmd, standbyGetCmd, standbyEndpointCmd, standbySyncCmd)
}

func runStandbyStatus(cmd *cobra.Command, args []string) error {
	var status struct {
		Configured         bool           `json:"configured"`
		AutoStandbyEnabled bool           `json:"auto_standby_enabled"`
		AutoFailover       bool           `json:"auto_failover"`
		AutoRecovery       bool           `json:"auto_recovery"`
		Associations       int            `json:"associations"`
		States             map[string]int `json:"states"`
	}
	if err := getJSON("/api/v1/standby", &status); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(status)
	}

	fmt.Printf("Configured:    %v\n", status.Configured)
	fmt.Printf("Auto-standby:  %v\n", status.AutoStandbyEnabled)
	fmt.Printf("Auto-failover: %v\n", status.AutoFailover)
	fmt.Printf("Auto-recovery: %v\n", status.AutoRecovery)
	fmt.Printf("Associations:  %d\n", status.Associations)
	for state, n := range status.States {
		fmt.Printf("  %-12s %d\n", state, n)
	}
	return nil
}

func runStandbyList(cmd *cobra.Command, args []string) error {
	var result struct {
		Associations []models.StandbyAssociation `json:"associations"`
		Count        int                         `json:"count"`
	}
	if err := getJSON("/api/v1/standby/associations", &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Associations) == 0 {
		fmt.Println("No standby associations.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GPU\tSTATE\tSTANDBY VM\tZONE\tSYNC\tSYNCS")
	fmt.Fprintln(w, "---\t-----\t----------\t----\t----\t-----")
	for _, assoc := range result.Associations {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%v\t%d\n",
			assoc.GPUInstanceID, assoc.State, assoc.CPUName, assoc.CPUZone,
			assoc.SyncEnabled, assoc.SyncCount)
	}
	w.Flush()
	return nil
}

func runStandbyGet(cmd *cobra.Command, args []string) error {
	var assoc models.StandbyAssociation
	if err := getJSON("/api/v1/standby/associations/"+args[0], &assoc); err != nil {
		return err
	}
	return printJSON(assoc)
}

func runStandbyEndpoint(cmd *cobra.Command, args []string) error {
	var ep models.Endpoint
	if err := getJSON("/api/v1/standby/associations/"+args[0]+"/endpoint", &ep); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(ep)
	}
	fmt.Printf("%s@%s:%d\n", ep.User, ep.Host, ep.Port)
	return nil
}

func runStandbySync(cmd *cobra.Command, args []string) error {
	action := args[0]
	if action != "start" && action != "stop" {
		return fmt.Errorf("sync action must be start or stop, got %q", action)
	}

	path := fmt.Sprintf("/api/v1/standby/associations/%s/sync/%s", args[1], action)
	if err := postJSON(path, nil, nil); err != nil {
		return err
	}
	if action == "start" {
		fmt.Printf("Sync started for pair %s\n", args[1])
	} else {
		fmt.Printf("Sync stopped for pair %s\n", args[1])
	}
	return nil
}
