package models

import "time"

// UsageRecord accrues billable time for one instance. One open record
// exists per instance; TrackStop closes it with a final cost.
type UsageRecord struct {
	InstanceID     int64     `json:"instance_id"`
	Provider       string    `json:"provider"`
	GPUType        string    `json:"gpu_type,omitempty"`
	PricePerHr     float64   `json:"price_per_hour"`
	StartedAt      time.Time `json:"started_at"`
	StoppedAt      time.Time `json:"stopped_at,omitempty"`
	AccruedCost    float64   `json:"accrued_cost"`
	AccruedThrough time.Time `json:"accrued_through,omitempty"`
}

// Open reports whether the record is still accruing
func (r *UsageRecord) Open() bool {
	return r.StoppedAt.IsZero()
}

// UsageSummary aggregates the ledger
type UsageSummary struct {
	OpenInstances int     `json:"open_instances"`
	TotalAccrued  float64 `json:"total_accrued"`
	OpenRate      float64 `json:"open_hourly_rate"`
}
