package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// EventStore appends fleet events. It satisfies models.EventSink so
// the control loops can record without knowing about SQL.
type EventStore struct {
	db *DB
}

// NewEventStore creates a new event store
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

// Record appends one event. Best-effort: events are observability, so
// a failed insert is logged and swallowed rather than failing the
// state change that produced it.
func (s *EventStore) Record(event models.FleetEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	detail := "{}"
	if len(event.Detail) > 0 {
		if encoded, err := json.Marshal(event.Detail); err == nil {
			detail = string(encoded)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	query := `
		INSERT INTO fleet_events (id, type, instance_id, user_id, duration_ms, cost_saved, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.Type, event.InstanceID, event.UserID,
		event.Duration.Milliseconds(), event.CostSaved, detail, event.CreatedAt)
	if err != nil {
		slog.Warn("failed to record fleet event",
			slog.String("type", string(event.Type)),
			slog.Int64("instance_id", event.InstanceID),
			slog.String("error", err.Error()))
	}
}

// ListRecent returns the newest events, optionally filtered by instance
func (s *EventStore) ListRecent(ctx context.Context, instanceID int64, limit int) ([]models.FleetEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, type, instance_id, user_id, duration_ms, cost_saved, detail, created_at
		FROM fleet_events
	`
	args := []any{}
	if instanceID != 0 {
		query += " WHERE instance_id = ?"
		args = append(args, instanceID)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("events.ListRecent", err)
	}
	defer rows.Close()

	var events []models.FleetEvent
	for rows.Next() {
		var e models.FleetEvent
		var durationMS int64
		var detail string
		if err := rows.Scan(&e.ID, &e.Type, &e.InstanceID, &e.UserID, &durationMS, &e.CostSaved, &detail, &e.CreatedAt); err != nil {
			return nil, wrapErr("events.ListRecent", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		if detail != "" && detail != "{}" {
			_ = json.Unmarshal([]byte(detail), &e.Detail)
		}
		events = append(events, e)
	}
	return events, wrapErr("events.ListRecent", rows.Err())
}
