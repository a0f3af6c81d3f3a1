package models

import "time"

// InstanceStatus represents the current state of a rented machine
type InstanceStatus string

const (
	StatusCreating  InstanceStatus = "creating"  // Provider accepted the offer, machine booting
	StatusRunning   InstanceStatus = "running"   // Machine up and reachable
	StatusPaused    InstanceStatus = "paused"    // Suspended by user or serverless scheduler
	StatusStopped   InstanceStatus = "stopped"   // Stopped by the provider
	StatusExited    InstanceStatus = "exited"    // Container exited on the host
	StatusDestroyed InstanceStatus = "destroyed" // Terminal; no further transitions
)

// IsTerminal returns true once the instance can no longer change state
func (s InstanceStatus) IsTerminal() bool {
	return s == StatusDestroyed
}

// Hardware describes the compute resources of an instance or offer
type Hardware struct {
	GPUType  string  `json:"gpu_type"`  // "RTX 4090", "A100", etc.
	GPUCount int     `json:"gpu_count"` // Number of GPUs
	VRAM     int     `json:"vram_gb"`   // Per-GPU VRAM in GB
	CPUCores int     `json:"cpu_cores"`
	RAM      float64 `json:"ram_gb"`
	DiskGB   float64 `json:"disk_gb"`
}

// Network describes how to reach a running instance
type Network struct {
	PublicIP string         `json:"public_ip,omitempty"`
	SSHHost  string         `json:"ssh_host,omitempty"`
	SSHPort  int            `json:"ssh_port,omitempty"`
	PortMap  map[string]int `json:"port_map,omitempty"` // container port -> host port
}

// Instance represents a rented GPU or CPU machine on some provider
type Instance struct {
	ID          int64          `json:"id"`
	Provider    string         `json:"provider"` // "vastai" | "gcloud"
	MachineID   string         `json:"machine_id"`
	Status      InstanceStatus `json:"status"`
	Hardware    Hardware       `json:"hardware"`
	Network     Network        `json:"network"`
	PricePerHr  float64        `json:"price_per_hour"`
	Geolocation string         `json:"geolocation,omitempty"`
	Reliability float64        `json:"reliability,omitempty"` // provider-reported, 0-1
	Image       string         `json:"image,omitempty"`
	Label       string         `json:"label,omitempty"`
	DiskID      string         `json:"disk_id,omitempty"` // persistent disk, when the provider exposes one
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
}

// IsRunning is a convenience check used by health and scale loops
func (i *Instance) IsRunning() bool {
	return i.Status == StatusRunning
}

// CreateInstanceRequest carries everything needed to turn an offer into an instance
type CreateInstanceRequest struct {
	OfferID      string            `json:"offer_id"`
	Image        string            `json:"image"`
	DiskGB       float64           `json:"disk_gb,omitempty"`
	Label        string            `json:"label,omitempty"`
	Ports        []string          `json:"ports,omitempty"`
	OnStart      string            `json:"onstart,omitempty"`
	EnvVars      map[string]string `json:"env,omitempty"`
	DiskID       string            `json:"disk_id,omitempty"` // attach an existing persistent disk
	SSHPublicKey string            `json:"-"`
}

// CPUVMSpec describes a standby CPU VM to create on the stable cloud
type CPUVMSpec struct {
	Name          string            `json:"name"`
	Zone          string            `json:"zone"`
	MachineType   string            `json:"machine_type"`
	DiskGB        int               `json:"disk_gb"`
	ImageFamily   string            `json:"image_family"`
	Spot          bool              `json:"spot"`
	SSHPublicKey  string            `json:"-"`
	StartupScript string            `json:"-"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// CPUVM is a standby VM on the stable cloud
type CPUVM struct {
	Name      string    `json:"name"`
	Zone      string    `json:"zone"`
	Status    string    `json:"status"` // RUNNING | TERMINATED | ...
	PublicIP  string    `json:"public_ip,omitempty"`
	SSHPort   int       `json:"ssh_port,omitempty"`
	SSHUser   string    `json:"ssh_user,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
