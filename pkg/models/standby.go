package models

import "time"

// PairState is the lifecycle state of a GPU/standby association
type PairState string

const (
	PairProvisioning   PairState = "provisioning"
	PairSyncing        PairState = "syncing"
	PairReady          PairState = "ready"
	PairFailoverActive PairState = "failover_active"
	PairRecovering     PairState = "recovering"
	PairError          PairState = "error"
)

// FailureReason classifies why a GPU half of a pair went away.
// The CPU half outlives the GPU for gpu_failure and spot_interruption.
type FailureReason string

const (
	FailureNone             FailureReason = ""
	FailureUserRequest      FailureReason = "user_request"
	FailureGPU              FailureReason = "gpu_failure"
	FailureSpotInterruption FailureReason = "spot_interruption"
)

// PreservesStandby reports whether the standby CPU must be kept alive
// as the data custodian for this failure reason.
func (r FailureReason) PreservesStandby() bool {
	return r == FailureGPU || r == FailureSpotInterruption
}

// StandbyAssociation pairs a GPU instance with its CPU standby.
// At most one association exists per GPU instance.
type StandbyAssociation struct {
	GPUInstanceID int64         `json:"gpu_instance_id"`
	CPUName       string        `json:"cpu_name"`
	CPUZone       string        `json:"cpu_zone"`
	CPUHost       string        `json:"cpu_host,omitempty"`
	CPUPort       int           `json:"cpu_port,omitempty"`
	CPUUser       string        `json:"cpu_user,omitempty"`
	State         PairState     `json:"state"`
	SyncEnabled   bool          `json:"sync_enabled"`
	SyncCount     int64         `json:"sync_count"`
	LastSyncAt    time.Time     `json:"last_sync_at,omitempty"`
	LastSyncBytes int64         `json:"last_sync_bytes,omitempty"`
	FailedHealth  int           `json:"failed_health_checks"`
	GPUFailed     bool          `json:"gpu_failed"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	WorkspacePath string        `json:"workspace_path"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Endpoint is the currently active shell endpoint for a pair
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`
}
