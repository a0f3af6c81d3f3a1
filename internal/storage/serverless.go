package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// ServerlessStore persists per-instance serverless bindings
type ServerlessStore struct {
	db *DB
}

// NewServerlessStore creates a new serverless store
func NewServerlessStore(db *DB) *ServerlessStore {
	return &ServerlessStore{db: db}
}

// Upsert inserts or replaces a binding keyed by instance id
func (s *ServerlessStore) Upsert(ctx context.Context, b *models.ServerlessBinding) error {
	query := `
		INSERT OR REPLACE INTO serverless_bindings (
			instance_id, user_id, mode, idle_timeout_seconds, gpu_threshold,
			keep_warm, checkpoint_enabled, destroy_after_seconds, state,
			scale_down_count, scale_up_count, fallback_count,
			total_paused_seconds, total_runtime_seconds, total_savings,
			last_request, idle_since, paused_at, started_at,
			last_checkpoint_id, disk_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		b.InstanceID, b.UserID, b.Mode, int64(b.IdleTimeout.Seconds()), b.GPUThreshold,
		b.KeepWarm, b.CheckpointOn, int64(b.DestroyAfter.Seconds()), b.State,
		b.ScaleDownCount, b.ScaleUpCount, b.FallbackCount,
		int64(b.TotalPaused.Seconds()), int64(b.TotalRuntime.Seconds()), b.TotalSavings,
		nullTime(b.LastRequest), nullTime(b.IdleSince), nullTime(b.PausedAt), nullTime(b.StartedAt),
		b.LastCheckpointID, b.DiskID,
	)
	return wrapErr("serverless.Upsert", err)
}

// Get retrieves a binding by instance id
func (s *ServerlessStore) Get(ctx context.Context, instanceID int64) (*models.ServerlessBinding, error) {
	row := s.db.QueryRowContext(ctx, serverlessSelect+" WHERE instance_id = ?", instanceID)
	b, err := scanBinding(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("serverless.Get", err)
	}
	return b, nil
}

// List returns all bindings not in a terminal state
func (s *ServerlessStore) List(ctx context.Context) ([]*models.ServerlessBinding, error) {
	rows, err := s.db.QueryContext(ctx, serverlessSelect+" WHERE state != ?", models.ServerlessDestroyed)
	if err != nil {
		return nil, wrapErr("serverless.List", err)
	}
	defer rows.Close()

	var bindings []*models.ServerlessBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, wrapErr("serverless.List", err)
		}
		bindings = append(bindings, b)
	}
	return bindings, wrapErr("serverless.List", rows.Err())
}

// InstancesToDestroy returns paused bindings whose paused_at is older
// than their own destroy_after window
func (s *ServerlessStore) InstancesToDestroy(ctx context.Context, now time.Time) ([]*models.ServerlessBinding, error) {
	query := serverlessSelect + `
		WHERE state = ? AND destroy_after_seconds > 0 AND paused_at IS NOT NULL
	`
	rows, err := s.db.QueryContext(ctx, query, models.ServerlessPaused)
	if err != nil {
		return nil, wrapErr("serverless.InstancesToDestroy", err)
	}
	defer rows.Close()

	var due []*models.ServerlessBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, wrapErr("serverless.InstancesToDestroy", err)
		}
		if now.Sub(b.PausedAt) >= b.DestroyAfter {
			due = append(due, b)
		}
	}
	return due, wrapErr("serverless.InstancesToDestroy", rows.Err())
}

// Delete removes a binding
func (s *ServerlessStore) Delete(ctx context.Context, instanceID int64) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM serverless_bindings WHERE instance_id = ?", instanceID)
	if err != nil {
		return wrapErr("serverless.Delete", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return wrapErr("serverless.Delete", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const serverlessSelect = `
	SELECT
		instance_id, user_id, mode, idle_timeout_seconds, gpu_threshold,
		keep_warm, checkpoint_enabled, destroy_after_seconds, state,
		scale_down_count, scale_up_count, fallback_count,
		total_paused_seconds, total_runtime_seconds, total_savings,
		last_request, idle_since, paused_at, started_at,
		last_checkpoint_id, disk_id
	FROM serverless_bindings
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBinding(row rowScanner) (*models.ServerlessBinding, error) {
	b := &models.ServerlessBinding{}
	var idleTimeoutSec, destroyAfterSec, totalPausedSec, totalRuntimeSec int64
	var lastRequest, idleSince, pausedAt, startedAt sql.NullTime

	err := row.Scan(
		&b.InstanceID, &b.UserID, &b.Mode, &idleTimeoutSec, &b.GPUThreshold,
		&b.KeepWarm, &b.CheckpointOn, &destroyAfterSec, &b.State,
		&b.ScaleDownCount, &b.ScaleUpCount, &b.FallbackCount,
		&totalPausedSec, &totalRuntimeSec, &b.TotalSavings,
		&lastRequest, &idleSince, &pausedAt, &startedAt,
		&b.LastCheckpointID, &b.DiskID,
	)
	if err != nil {
		return nil, err
	}

	b.IdleTimeout = time.Duration(idleTimeoutSec) * time.Second
	b.DestroyAfter = time.Duration(destroyAfterSec) * time.Second
	b.TotalPaused = time.Duration(totalPausedSec) * time.Second
	b.TotalRuntime = time.Duration(totalRuntimeSec) * time.Second
	b.LastRequest = lastRequest.Time
	b.IdleSince = idleSince.Time
	b.PausedAt = pausedAt.Time
	b.StartedAt = startedAt.Time
	return b, nil
}

// nullTime converts a zero time to NULL for storage
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
