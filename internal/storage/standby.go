package storage

import (
	"context"
	"database/sql"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// StandbyStore persists GPU/CPU standby associations so pairs survive
// a control-plane restart
type StandbyStore struct {
	db *DB
}

// NewStandbyStore creates a new standby store
func NewStandbyStore(db *DB) *StandbyStore {
	return &StandbyStore{db: db}
}

// Upsert inserts or replaces an association keyed by GPU instance id
func (s *StandbyStore) Upsert(ctx context.Context, a *models.StandbyAssociation) error {
	query := `
		INSERT OR REPLACE INTO standby_associations (
			gpu_instance_id, cpu_name, cpu_zone, cpu_host, cpu_port, cpu_user,
			state, sync_enabled, sync_count, last_sync_at, last_sync_bytes,
			failed_health, gpu_failed, failure_reason, workspace_path, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		a.GPUInstanceID, a.CPUName, a.CPUZone, a.CPUHost, a.CPUPort, a.CPUUser,
		a.State, a.SyncEnabled, a.SyncCount, nullTime(a.LastSyncAt), a.LastSyncBytes,
		a.FailedHealth, a.GPUFailed, a.FailureReason, a.WorkspacePath, a.CreatedAt,
	)
	return wrapErr("standby.Upsert", err)
}

// Get retrieves an association by GPU instance id
func (s *StandbyStore) Get(ctx context.Context, gpuInstanceID int64) (*models.StandbyAssociation, error) {
	row := s.db.QueryRowContext(ctx, standbySelect+" WHERE gpu_instance_id = ?", gpuInstanceID)
	a, err := scanAssociation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("standby.Get", err)
	}
	return a, nil
}

// List returns all associations
func (s *StandbyStore) List(ctx context.Context) ([]*models.StandbyAssociation, error) {
	rows, err := s.db.QueryContext(ctx, standbySelect)
	if err != nil {
		return nil, wrapErr("standby.List", err)
	}
	defer rows.Close()

	var assocs []*models.StandbyAssociation
	for rows.Next() {
		a, err := scanAssociation(rows)
		if err != nil {
			return nil, wrapErr("standby.List", err)
		}
		assocs = append(assocs, a)
	}
	return assocs, wrapErr("standby.List", rows.Err())
}

// Delete removes an association
func (s *StandbyStore) Delete(ctx context.Context, gpuInstanceID int64) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM standby_associations WHERE gpu_instance_id = ?", gpuInstanceID)
	if err != nil {
		return wrapErr("standby.Delete", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return wrapErr("standby.Delete", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const standbySelect = `
	SELECT
		gpu_instance_id, cpu_name, cpu_zone, cpu_host, cpu_port, cpu_user,
		state, sync_enabled, sync_count, last_sync_at, last_sync_bytes,
		failed_health, gpu_failed, failure_reason, workspace_path, created_at
	FROM standby_associations
`

func scanAssociation(row rowScanner) (*models.StandbyAssociation, error) {
	a := &models.StandbyAssociation{}
	var cpuHost, cpuUser sql.NullString
	var lastSyncAt sql.NullTime

	err := row.Scan(
		&a.GPUInstanceID, &a.CPUName, &a.CPUZone, &cpuHost, &a.CPUPort, &cpuUser,
		&a.State, &a.SyncEnabled, &a.SyncCount, &lastSyncAt, &a.LastSyncBytes,
		&a.FailedHealth, &a.GPUFailed, &a.FailureReason, &a.WorkspacePath, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.CPUHost = cpuHost.String
	a.CPUUser = cpuUser.String
	a.LastSyncAt = lastSyncAt.Time
	return a, nil
}
