package models

import "time"

// ServerlessMode selects the suspend/resume strategy for a binding
type ServerlessMode string

const (
	ModeFast     ServerlessMode = "fast"     // checkpoint before pause, restore after resume
	ModeEconomic ServerlessMode = "economic" // plain provider pause/resume
	ModeSpot     ServerlessMode = "spot"     // redeploy on a cheaper offer when the host is gone
	ModeDisabled ServerlessMode = "disabled"
)

// ServerlessState is the scheduler-side state of a binding
type ServerlessState string

const (
	ServerlessRunning   ServerlessState = "running"
	ServerlessPaused    ServerlessState = "paused"
	ServerlessWaking    ServerlessState = "waking"
	ServerlessDestroyed ServerlessState = "destroyed"
	ServerlessFailed    ServerlessState = "failed"
)

// MinIdleTimeout is the floor for the idle predicate window
const MinIdleTimeout = 2 * time.Second

// ServerlessBinding is a per-instance opt-in to auto-suspend
type ServerlessBinding struct {
	InstanceID       int64           `json:"instance_id"`
	UserID           string          `json:"user_id,omitempty"`
	Mode             ServerlessMode  `json:"mode"`
	IdleTimeout      time.Duration   `json:"idle_timeout"`
	GPUThreshold     float64         `json:"gpu_threshold"` // percent, 0-100
	KeepWarm         bool            `json:"keep_warm"`
	CheckpointOn     bool            `json:"checkpoint_enabled"`
	ScaleDownTimeout time.Duration   `json:"scale_down_timeout,omitempty"`
	DestroyAfter     time.Duration   `json:"destroy_after_paused,omitempty"` // 0 = disabled
	State            ServerlessState `json:"state"`

	// Counters
	ScaleDownCount int64         `json:"scale_down_count"`
	ScaleUpCount   int64         `json:"scale_up_count"`
	FallbackCount  int64         `json:"fallback_count"`
	TotalPaused    time.Duration `json:"total_paused"`
	TotalRuntime   time.Duration `json:"total_runtime"`
	TotalSavings   float64       `json:"total_savings"` // USD

	// Timestamps. IdleSince is non-zero only while State==running and GPU
	// utilization has been below GPUThreshold continuously since that instant.
	LastRequest time.Time `json:"last_request,omitempty"`
	IdleSince   time.Time `json:"idle_since,omitempty"`
	PausedAt    time.Time `json:"paused_at,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`

	LastCheckpointID string `json:"last_checkpoint_id,omitempty"`
	DiskID           string `json:"disk_id,omitempty"` // for disk-migration fallback
}

// WakeResult reports the outcome of a wake attempt
type WakeResult struct {
	Success            bool          `json:"success"`
	Method             string        `json:"method"` // "resume" | "snapshot" | "disk_migration"
	NewInstanceID      int64         `json:"new_instance_id,omitempty"`
	CheckpointRestored bool          `json:"checkpoint_restored"`
	Error              string        `json:"error,omitempty"`
	ColdStart          time.Duration `json:"cold_start,omitempty"`
}
