package cmd

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gpufleet/gpufleet/pkg/models"
)

var (
	createOfferID        string
	createImage          string
	createDiskGB         float64
	createLabel          string
	createSkipValidation bool

	destroyStandbyToo bool
	destroyReason     string

	migrateGPUType  string
	migrateMaxPrice float64
	migrateKeepOld  bool
)

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List and manage GPU instances",
}

var instancesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances",
	RunE:  runInstancesList,
}

var instancesGetCmd = &cobra.Command{
	Use:   "get [instance-id]",
	Short: "Get instance details",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstancesGet,
}

var instancesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an instance from an offer",
	RunE:  runInstancesCreate,
}

var instancesDestroyCmd = &cobra.Command{
	Use:   "destroy [instance-id]",
	Short: "Destroy an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstancesDestroy,
}

var instancesPauseCmd = &cobra.Command{
	Use:   "pause [instance-id]",
	Short: "Pause a running instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstancesPause,
}

var instancesResumeCmd = &cobra.Command{
	Use:   "resume [instance-id]",
	Short: "Resume a paused instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstancesResume,
}

var instancesMigrateCmd = &cobra.Command{
	Use:   "migrate [instance-id]",
	Short: "Migrate an instance to a fresh offer via snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstancesMigrate,
}

var instancesCostCmd = &cobra.Command{
	Use:   "cost [instance-id]",
	Short: "Show accrued cost for an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstancesCost,
}

func init() {
	rootCmd.AddCommand(instancesCmd)
	instancesCmd.AddCommand(instancesListCmd, instancesGetCmd, instancesCreateCmd,
		instancesDestroyCmd, instancesPauseCmd, instancesResumeCmd,
		instancesMigrateCmd, instancesCostCmd)

	instancesCreateCmd.Flags().StringVar(&createOfferID, "offer", "", "Offer ID to purchase (required)")
	instancesCreateCmd.Flags().StringVar(&createImage, "image", "", "Container image (required)")
	instancesCreateCmd.Flags().Float64Var(&createDiskGB, "disk", 0, "Disk size in GB")
	instancesCreateCmd.Flags().StringVar(&createLabel, "label", "", "Instance label")
	instancesCreateCmd.Flags().BoolVar(&createSkipValidation, "skip-validation", false, "Skip pre-create checks")

	instancesDestroyCmd.Flags().BoolVar(&destroyStandbyToo, "destroy-standby", false, "Also destroy the standby VM")
	instancesDestroyCmd.Flags().StringVar(&destroyReason, "reason", "user_request",
		"Destroy reason (user_request, gpu_failure, spot_interruption)")

	instancesMigrateCmd.Flags().StringVar(&migrateGPUType, "gpu", "", "Target GPU type (default: same as source)")
	instancesMigrateCmd.Flags().Float64Var(&migrateMaxPrice, "max-price", 0, "Maximum price per hour for the target")
	instancesMigrateCmd.Flags().BoolVar(&migrateKeepOld, "keep-source", false, "Keep the source instance running")
}

func runInstancesList(cmd *cobra.Command, args []string) error {
	var result struct {
		Instances []models.Instance `json:"instances"`
		Count     int               `json:"count"`
	}
	if err := getJSON("/api/v1/instances", &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Instances) == 0 {
		fmt.Println("No instances.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tGPU\tPRICE/HR\tSSH\tLABEL")
	fmt.Fprintln(w, "--\t------\t---\t--------\t---\t-----")
	for _, inst := range result.Instances {
		ssh := ""
		if inst.Network.SSHHost != "" {
			ssh = fmt.Sprintf("%s:%d", inst.Network.SSHHost, inst.Network.SSHPort)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t$%.3f\t%s\t%s\n",
			inst.ID, inst.Status, inst.Hardware.GPUType, inst.PricePerHr, ssh, inst.Label)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d instances\n", result.Count)
	return nil
}

func runInstancesGet(cmd *cobra.Command, args []string) error {
	var inst models.Instance
	if err := getJSON("/api/v1/instances/"+args[0], &inst); err != nil {
		return err
	}
	return printJSON(inst)
}

func runInstancesCreate(cmd *cobra.Command, args []string) error {
	if createOfferID == "" || createImage == "" {
		return fmt.Errorf("--offer and --image are required")
	}

	body := map[string]any{
		"offer_id":        createOfferID,
		"image":           createImage,
		"skip_validation": createSkipValidation,
	}
	if createDiskGB > 0 {
		body["disk_gb"] = createDiskGB
	}
	if createLabel != "" {
		body["label"] = createLabel
	}

	var inst models.Instance
	if err := postJSON("/api/v1/instances", body, &inst); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(inst)
	}
	fmt.Printf("Created instance %d (%s) on %s at $%.3f/hr\n",
		inst.ID, inst.Hardware.GPUType, inst.Provider, inst.PricePerHr)
	return nil
}

func runInstancesDestroy(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	params.Set("reason", destroyReason)
	if destroyStandbyToo {
		params.Set("destroy_standby", "true")
	}

	if err := deleteJSON("/api/v1/instances/"+args[0]+"?"+params.Encode(), nil); err != nil {
		return err
	}
	fmt.Printf("Destroyed instance %s\n", args[0])
	return nil
}

func runInstancesPause(cmd *cobra.Command, args []string) error {
	if err := postJSON("/api/v1/instances/"+args[0]+"/pause", nil, nil); err != nil {
		return err
	}
	fmt.Printf("Paused instance %s\n", args[0])
	return nil
}

func runInstancesResume(cmd *cobra.Command, args []string) error {
	if err := postJSON("/api/v1/instances/"+args[0]+"/resume", nil, nil); err != nil {
		return err
	}
	fmt.Printf("Resumed instance %s\n", args[0])
	return nil
}

func runInstancesMigrate(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"destroy_source": !migrateKeepOld,
	}
	if migrateGPUType != "" {
		body["target_gpu_type"] = migrateGPUType
	}
	if migrateMaxPrice > 0 {
		body["max_price"] = migrateMaxPrice
	}

	var result struct {
		NewInstance     *models.Instance `json:"new_instance"`
		SnapshotID      string           `json:"snapshot_id"`
		SourceDestroyed bool             `json:"source_destroyed"`
	}
	if err := postJSON("/api/v1/instances/"+args[0]+"/migrate", body, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}
	fmt.Printf("Migrated instance %s via snapshot %s\n", args[0], result.SnapshotID)
	if result.NewInstance != nil {
		fmt.Printf("New instance: %d (%s)\n", result.NewInstance.ID, result.NewInstance.Hardware.GPUType)
	}
	if result.SourceDestroyed {
		fmt.Println("Source instance destroyed.")
	}
	return nil
}

func runInstancesCost(cmd *cobra.Command, args []string) error {
	var result struct {
		InstanceID  int64   `json:"instance_id"`
		AccruedCost float64 `json:"accrued_cost"`
	}
	if err := getJSON("/api/v1/instances/"+args[0]+"/cost", &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}
	fmt.Printf("Instance %d accrued cost: $%.4f\n", result.InstanceID, result.AccruedCost)
	return nil
}
