package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gpufleet/gpufleet/pkg/models"
)

var (
	enableMode           string
	enableIdleSeconds    int
	enableDestroySeconds int
	enableThreshold      float64
	enableKeepWarm       bool
	enableCheckpoint     bool

	wakeUseCheckpoint bool
)

var serverlessCmd = &cobra.Command{
	Use:   "serverless",
	Short: "Manage auto-suspend bindings",
	RunE:  runServerlessList,
}

var serverlessGetCmd = &cobra.Command{
	Use:   "get [instance-id]",
	Short: "Get one binding",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerlessGet,
}

var serverlessEnableCmd = &cobra.Command{
	Use:   "enable [instance-id]",
	Short: "Opt an instance into auto-suspend",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerlessEnable,
}

var serverlessDisableCmd = &cobra.Command{
	Use:   "disable [instance-id]",
	Short: "Opt an instance out of auto-suspend",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerlessDisable,
}

var serverlessWakeCmd = &cobra.Command{
	Use:   "wake [instance-id]",
	Short: "Wake a paused instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerlessWake,
}

func init() {
	rootCmd.AddCommand(serverlessCmd)
	serverlessCmd.AddCommand(serverlessGetCmd, serverlessEnableCmd,
		serverlessDisableCmd, serverlessWakeCmd)

	serverlessEnableCmd.Flags().StringVar(&enableMode, "mode", "economic",
		"Suspend mode (fast, economic, spot)")
	serverlessEnableCmd.Flags().IntVar(&enableIdleSeconds, "idle-timeout", 300,
		"Idle seconds before suspend")
	serverlessEnableCmd.Flags().IntVar(&enableDestroySeconds, "destroy-after", 0,
		"Seconds paused before the instance is destroyed (0 disables)")
	serverlessEnableCmd.Flags().Float64Var(&enableThreshold, "gpu-threshold", 0,
		"GPU utilization percent under which the instance counts as idle")
	serverlessEnableCmd.Flags().BoolVar(&enableKeepWarm, "keep-warm", false,
		"Never suspend, only track idleness")
	serverlessEnableCmd.Flags().BoolVar(&enableCheckpoint, "checkpoint", false,
		"Checkpoint GPU processes before suspending")

	serverlessWakeCmd.Flags().BoolVar(&wakeUseCheckpoint, "checkpoint", false,
		"Restore the checkpoint after waking")
}

func runServerlessList(cmd *cobra.Command, args []string) error {
	var result struct {
		Bindings []models.ServerlessBinding `json:"bindings"`
		Count    int                        `json:"count"`
	}
	if err := getJSON("/api/v1/serverless", &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Bindings) == 0 {
		fmt.Println("No serverless bindings.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tMODE\tSTATE\tIDLE TIMEOUT\tSCALE-DOWNS\tSCALE-UPS")
	fmt.Fprintln(w, "--------\t----\t-----\t------------\t-----------\t---------")
	for _, b := range result.Bindings {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\n",
			b.InstanceID, b.Mode, b.State, b.IdleTimeout, b.ScaleDownCount, b.ScaleUpCount)
	}
	w.Flush()
	return nil
}

func runServerlessGet(cmd *cobra.Command, args []string) error {
	var binding models.ServerlessBinding
	if err := getJSON("/api/v1/serverless/"+args[0], &binding); err != nil {
		return err
	}
	return printJSON(binding)
}

func runServerlessEnable(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"mode":                  enableMode,
		"idle_timeout_seconds":  enableIdleSeconds,
		"destroy_after_seconds": enableDestroySeconds,
		"gpu_threshold":         enableThreshold,
		"keep_warm":             enableKeepWarm,
		"checkpoint_enabled":    enableCheckpoint,
	}

	var binding models.ServerlessBinding
	if err := postJSON("/api/v1/serverless/"+args[0]+"/enable", body, &binding); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(binding)
	}
	fmt.Printf("Serverless enabled for instance %d (%s mode, %s idle timeout)\n",
		binding.InstanceID, binding.Mode, binding.IdleTimeout)
	return nil
}

func runServerlessDisable(cmd *cobra.Command, args []string) error {
	if err := deleteJSON("/api/v1/serverless/"+args[0], nil); err != nil {
		return err
	}
	fmt.Printf("Serverless disabled for instance %s\n", args[0])
	return nil
}

func runServerlessWake(cmd *cobra.Command, args []string) error {
	body := map[string]any{"use_checkpoint": wakeUseCheckpoint}

	var result models.WakeResult
	if err := postJSON("/api/v1/serverless/"+args[0]+"/wake", body, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}
	fmt.Printf("Woke instance %s via %s in %s\n", args[0], result.Method, result.ColdStart)
	return nil
}
