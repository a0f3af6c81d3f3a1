package models

import "time"

// ReliabilityStatus buckets a machine's historical success rate
type ReliabilityStatus string

const (
	ReliabilityExcellent ReliabilityStatus = "excellent" // success rate >= 0.95
	ReliabilityGood      ReliabilityStatus = "good"      // >= 0.80
	ReliabilityFair      ReliabilityStatus = "fair"      // >= 0.50
	ReliabilityPoor      ReliabilityStatus = "poor"
	ReliabilityUnknown   ReliabilityStatus = "unknown" // no recorded attempts
)

// ReliabilityBand maps a success rate and attempt count to a status
func ReliabilityBand(successRate float64, totalAttempts int) ReliabilityStatus {
	if totalAttempts == 0 {
		return ReliabilityUnknown
	}
	switch {
	case successRate >= 0.95:
		return ReliabilityExcellent
	case successRate >= 0.80:
		return ReliabilityGood
	case successRate >= 0.50:
		return ReliabilityFair
	default:
		return ReliabilityPoor
	}
}

// Offer represents an advertised unit of purchasable GPU capacity.
// The offer ID is consumable at most once.
type Offer struct {
	ID          string    `json:"id"`
	Provider    string    `json:"provider"`
	MachineID   string    `json:"machine_id"`
	Hardware    Hardware  `json:"hardware"`
	PricePerHr  float64   `json:"price_per_hour"`
	Geolocation string    `json:"geolocation,omitempty"`
	Reliability float64   `json:"reliability,omitempty"`
	Available   bool      `json:"available"`
	FetchedAt   time.Time `json:"fetched_at"`

	// Annotations from the machine history store
	IsBlacklisted     bool              `json:"is_blacklisted"`
	SuccessRate       float64           `json:"success_rate"`
	TotalAttempts     int               `json:"total_attempts"`
	ReliabilityStatus ReliabilityStatus `json:"reliability_status,omitempty"`
}

// OfferFilter defines criteria for filtering GPU offers
type OfferFilter struct {
	GPUType          string   `json:"gpu_type,omitempty"`
	MinVRAM          int      `json:"min_vram,omitempty"`
	MaxPrice         float64  `json:"max_price,omitempty"`
	Region           string   `json:"region,omitempty"` // geolocation substring
	MinReliability   float64  `json:"min_reliability,omitempty"`
	MinGPUCount      int      `json:"min_gpu_count,omitempty"`
	IncludeBlacklist bool     `json:"include_blacklisted,omitempty"`
	PreferredRegions []string `json:"preferred_regions,omitempty"` // recovery ordering
}

// Matches checks if the offer satisfies the filter
func (o *Offer) Matches(f OfferFilter) bool {
	if f.GPUType != "" && o.Hardware.GPUType != f.GPUType {
		return false
	}
	if f.MinVRAM > 0 && o.Hardware.VRAM < f.MinVRAM {
		return false
	}
	if f.MaxPrice > 0 && o.PricePerHr > f.MaxPrice {
		return false
	}
	if f.MinReliability > 0 && o.Reliability < f.MinReliability {
		return false
	}
	if f.MinGPUCount > 0 && o.Hardware.GPUCount < f.MinGPUCount {
		return false
	}
	return true
}

// Balance is the account credit state on a GPU provider
type Balance struct {
	Credit  float64 `json:"credit"`
	Balance float64 `json:"balance"`
}
