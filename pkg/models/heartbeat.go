package models

// GPUMetrics carries per-GPU samples from the in-guest agent
type GPUMetrics struct {
	Utilization     float64   `json:"utilization"` // primary GPU, percent
	GPUCount        int       `json:"gpu_count"`
	GPUNames        []string  `json:"gpu_names,omitempty"`
	GPUUtilizations []float64 `json:"gpu_utilizations,omitempty"`
	GPUMemoryUsed   []int64   `json:"gpu_memory_used,omitempty"`
	GPUMemoryTotal  []int64   `json:"gpu_memory_total,omitempty"`
	GPUTemperatures []float64 `json:"gpu_temperatures,omitempty"`
}

// Heartbeat is the periodic status report posted by the in-guest agent
type Heartbeat struct {
	Agent          string      `json:"agent" binding:"required"`
	Version        string      `json:"version,omitempty"`
	InstanceID     string      `json:"instance_id" binding:"required"`
	Status         string      `json:"status"`
	Message        string      `json:"message,omitempty"`
	LastBackup     int64       `json:"last_backup,omitempty"` // unix seconds
	Timestamp      int64       `json:"timestamp,omitempty"`
	Uptime         float64     `json:"uptime,omitempty"`
	GPUMetrics     *GPUMetrics `json:"gpu_metrics,omitempty"`
	GPUUtilization *float64    `json:"gpu_utilization,omitempty"` // legacy single-value field
}

// AgentAction tells the agent what to do next
type AgentAction string

const (
	ActionNone             AgentAction = "none"
	ActionPrepareHibernate AgentAction = "prepare_hibernate"
	ActionShutdown         AgentAction = "shutdown"
)

// HeartbeatResponse acknowledges a heartbeat
type HeartbeatResponse struct {
	Received           bool        `json:"received"`
	InstanceID         int64       `json:"instance_id"`
	Action             AgentAction `json:"action"`
	Message            string      `json:"message,omitempty"`
	SecondsToHibernate int         `json:"seconds_until_hibernate,omitempty"`
}
