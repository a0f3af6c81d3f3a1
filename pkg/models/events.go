package models

import "time"

// EventType tags structured fleet events for observability
type EventType string

const (
	EventSyncOK           EventType = "sync_ok"
	EventSyncFail         EventType = "sync_fail"
	EventScaleDown        EventType = "scale_down"
	EventScaleUp          EventType = "scale_up"
	EventResumeFailed     EventType = "resume_failed"
	EventResumeOK         EventType = "resume_ok"
	EventFallbackSnapshot EventType = "fallback_snapshot"
	EventFallbackDisk     EventType = "fallback_disk"
	EventAutoDestroy      EventType = "auto_destroy"
	EventFailover         EventType = "failover"
	EventRecoveryStarted  EventType = "recovery_started"
	EventBlacklisted      EventType = "machine_blacklisted"
	EventMigrated         EventType = "instance_migrated"
)

// FleetEvent is an append-only structured event. Events are recorded
// after the corresponding state change commits.
type FleetEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	InstanceID int64          `json:"instance_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Duration   time.Duration  `json:"duration,omitempty"`
	CostSaved  float64        `json:"cost_saved,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// EventSink receives fleet events. Production sinks persist to the
// repository layer; tests swap in an in-memory collector.
type EventSink interface {
	Record(event FleetEvent)
}

// NopSink discards all events
type NopSink struct{}

func (NopSink) Record(FleetEvent) {}
