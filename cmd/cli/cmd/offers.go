package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gpufleet/gpufleet/pkg/models"
)

var (
	offersGPUType     string
	offersMaxPrice    float64
	offersMinVRAM     int
	offersMinGPUCount int
	offersRegion      string
	offersBlacklisted bool
)

var offersCmd = &cobra.Command{
	Use:   "offers",
	Short: "List purchasable GPU offers",
	Long:  `Display spot GPU offers annotated with machine history.`,
	RunE:  runOffers,
}

var offersValidateCmd = &cobra.Command{
	Use:   "validate [offer-id]",
	Short: "Check an offer before buying it",
	Args:  cobra.ExactArgs(1),
	RunE:  runOffersValidate,
}

func init() {
	rootCmd.AddCommand(offersCmd)
	offersCmd.AddCommand(offersValidateCmd)

	offersCmd.Flags().StringVarP(&offersGPUType, "gpu", "g", "", "Filter by GPU type (e.g. RTX 4090, H100)")
	offersCmd.Flags().Float64Var(&offersMaxPrice, "max-price", 0, "Maximum price per hour (USD)")
	offersCmd.Flags().IntVar(&offersMinVRAM, "min-vram", 0, "Minimum VRAM in GB")
	offersCmd.Flags().IntVar(&offersMinGPUCount, "min-gpus", 0, "Minimum GPU count")
	offersCmd.Flags().StringVar(&offersRegion, "region", "", "Filter by geolocation substring")
	offersCmd.Flags().BoolVar(&offersBlacklisted, "include-blacklisted", false, "Include blacklisted machines")
}

func runOffers(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if offersGPUType != "" {
		params.Set("gpu_type", offersGPUType)
	}
	if offersMaxPrice > 0 {
		params.Set("max_price", fmt.Sprintf("%.2f", offersMaxPrice))
	}
	if offersMinVRAM > 0 {
		params.Set("min_vram", fmt.Sprintf("%d", offersMinVRAM))
	}
	if offersMinGPUCount > 0 {
		params.Set("min_gpu_count", fmt.Sprintf("%d", offersMinGPUCount))
	}
	if offersRegion != "" {
		params.Set("region", offersRegion)
	}
	if offersBlacklisted {
		params.Set("include_blacklisted", "true")
	}

	path := "/api/v1/offers"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var result struct {
		Offers []models.Offer `json:"offers"`
		Count  int            `json:"count"`
	}
	if err := getJSON(path, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Offers) == 0 {
		fmt.Println("No offers found matching criteria.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMACHINE\tGPU\tCOUNT\tVRAM\tPRICE/HR\tLOCATION\tRELIABILITY")
	fmt.Fprintln(w, "--\t-------\t---\t-----\t----\t--------\t--------\t-----------")

	for _, offer := range result.Offers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%dGB\t$%.3f\t%s\t%s\n",
			offer.ID,
			offer.MachineID,
			offer.Hardware.GPUType,
			offer.Hardware.GPUCount,
			offer.Hardware.VRAM,
			offer.PricePerHr,
			offer.Geolocation,
			offer.ReliabilityStatus,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d offers\n", result.Count)
	return nil
}

func runOffersValidate(cmd *cobra.Command, args []string) error {
	var result struct {
		Valid  bool `json:"valid"`
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
		Warnings []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"warnings"`
	}

	// Validation failures come back as 422 with the issue list in the
	// body, so decode both outcomes instead of treating 422 as an error.
	resp, err := http.Post(serverURL+"/api/v1/offers/"+args[0]+"/validate", "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnprocessableEntity {
		return apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if result.Valid {
		fmt.Printf("Offer %s is valid.\n", args[0])
	} else {
		fmt.Printf("Offer %s failed validation:\n", args[0])
		for _, issue := range result.Errors {
			fmt.Printf("  [%s] %s\n", issue.Code, issue.Message)
		}
	}
	for _, warn := range result.Warnings {
		fmt.Printf("  warning [%s] %s\n", warn.Code, warn.Message)
	}
	return nil
}
