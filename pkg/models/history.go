package models

import "time"

// FailureStage identifies where in the creation pipeline an attempt died
type FailureStage string

const (
	StageSearch           FailureStage = "search"
	StageOfferTaken       FailureStage = "offer_taken"
	StageAPIError         FailureStage = "api_error"
	StageProvisionTimeout FailureStage = "provision_timeout"
	StageSSHTimeout       FailureStage = "ssh_timeout"
	StagePostStartFail    FailureStage = "post_start_fail"
)

// CreationAttempt is an append-only record of one create_instance call.
// Attempts are recorded before the provider call so the audit trail is
// complete even when the response is lost.
type CreationAttempt struct {
	ID            int64        `json:"id"`
	Provider      string       `json:"provider"`
	MachineID     string       `json:"machine_id"`
	OfferID       string       `json:"offer_id"`
	GPUType       string       `json:"gpu_type"`
	Price         float64      `json:"price"`
	AttemptedAt   time.Time    `json:"attempted_at"`
	Success       bool         `json:"success"`
	FailureStage  FailureStage `json:"failure_stage,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	TimeToReady   float64      `json:"time_to_ready_seconds,omitempty"`
	InstanceID    int64        `json:"instance_id,omitempty"`
}

// BlacklistType distinguishes how an entry got on the blacklist
type BlacklistType string

const (
	BlacklistAuto      BlacklistType = "auto"
	BlacklistManual    BlacklistType = "manual"
	BlacklistTemporary BlacklistType = "temporary"
)

// MachineBlacklistEntry bars a (provider, machine_id) pair from offer search
type MachineBlacklistEntry struct {
	ID             int64         `json:"id"`
	Provider       string        `json:"provider"`
	MachineID      string        `json:"machine_id"`
	Type           BlacklistType `json:"type"`
	TotalAttempts  int           `json:"total_attempts"`
	FailedAttempts int           `json:"failed_attempts"`
	FailureRate    float64       `json:"failure_rate"`
	LastFailure    string        `json:"last_failure_reason,omitempty"`
	GPUType        string        `json:"gpu_name,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	Active         bool          `json:"active"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"` // nil = never expires
}

// IsEffective reports whether the entry currently blocks the machine
func (e *MachineBlacklistEntry) IsEffective(now time.Time) bool {
	if !e.Active {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// MachineStats aggregates creation attempts for one (provider, machine_id)
type MachineStats struct {
	Provider       string    `json:"provider"`
	MachineID      string    `json:"machine_id"`
	TotalAttempts  int       `json:"total_attempts"`
	FailedAttempts int       `json:"failed_attempts"`
	SuccessRate    float64   `json:"success_rate"`
	LastAttemptAt  time.Time `json:"last_attempt_at,omitempty"`
	LastFailure    string    `json:"last_failure_reason,omitempty"`
}
