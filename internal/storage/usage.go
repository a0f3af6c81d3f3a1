package storage

import (
	"context"
	"database/sql"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// UsageStore persists the billing ledger
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new usage store
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// Upsert inserts or replaces a usage record keyed by instance id
func (s *UsageStore) Upsert(ctx context.Context, r *models.UsageRecord) error {
	query := `
		INSERT OR REPLACE INTO usage_records (
			instance_id, provider, gpu_type, price_per_hour,
			started_at, stopped_at, accrued_cost, accrued_through
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		r.InstanceID, r.Provider, r.GPUType, r.PricePerHr,
		r.StartedAt, nullTime(r.StoppedAt), r.AccruedCost, nullTime(r.AccruedThrough),
	)
	return wrapErr("usage.Upsert", err)
}

// Get retrieves one usage record
func (s *UsageStore) Get(ctx context.Context, instanceID int64) (*models.UsageRecord, error) {
	row := s.db.QueryRowContext(ctx, usageSelect+" WHERE instance_id = ?", instanceID)
	r, err := scanUsage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("usage.Get", err)
	}
	return r, nil
}

// ListOpen returns records still accruing cost
func (s *UsageStore) ListOpen(ctx context.Context) ([]*models.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, usageSelect+" WHERE stopped_at IS NULL")
	if err != nil {
		return nil, wrapErr("usage.ListOpen", err)
	}
	defer rows.Close()

	var records []*models.UsageRecord
	for rows.Next() {
		r, err := scanUsage(rows)
		if err != nil {
			return nil, wrapErr("usage.ListOpen", err)
		}
		records = append(records, r)
	}
	return records, wrapErr("usage.ListOpen", rows.Err())
}

// Summary aggregates the whole ledger in one query
func (s *UsageStore) Summary(ctx context.Context) (*models.UsageSummary, error) {
	query := `
		SELECT
			COUNT(CASE WHEN stopped_at IS NULL THEN 1 END),
			COALESCE(SUM(accrued_cost), 0),
			COALESCE(SUM(CASE WHEN stopped_at IS NULL THEN price_per_hour END), 0)
		FROM usage_records
	`
	sum := &models.UsageSummary{}
	err := s.db.QueryRowContext(ctx, query).Scan(&sum.OpenInstances, &sum.TotalAccrued, &sum.OpenRate)
	if err != nil {
		return nil, wrapErr("usage.Summary", err)
	}
	return sum, nil
}

const usageSelect = `
	SELECT
		instance_id, provider, gpu_type, price_per_hour,
		started_at, stopped_at, accrued_cost, accrued_through
	FROM usage_records
`

func scanUsage(row rowScanner) (*models.UsageRecord, error) {
	r := &models.UsageRecord{}
	var stoppedAt, accruedThrough sql.NullTime

	err := row.Scan(
		&r.InstanceID, &r.Provider, &r.GPUType, &r.PricePerHr,
		&r.StartedAt, &stoppedAt, &r.AccruedCost, &accruedThrough,
	)
	if err != nil {
		return nil, err
	}

	r.StoppedAt = stoppedAt.Time
	r.AccruedThrough = accruedThrough.Time
	return r, nil
}
