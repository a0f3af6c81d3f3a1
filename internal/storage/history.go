package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// HistoryStore persists creation attempts and the machine blacklist
type HistoryStore struct {
	db *DB
}

// NewHistoryStore creates a new history store
func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// RecordAttempt appends one creation attempt and returns its id
func (s *HistoryStore) RecordAttempt(ctx context.Context, a *models.CreationAttempt) (int64, error) {
	query := `
		INSERT INTO creation_attempts (
			provider, machine_id, offer_id, gpu_type, price, attempted_at,
			success, failure_stage, failure_reason, time_to_ready, instance_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		a.Provider, a.MachineID, a.OfferID, a.GPUType, a.Price, a.AttemptedAt,
		a.Success, a.FailureStage, a.FailureReason, a.TimeToReady, a.InstanceID,
	)
	if err != nil {
		return 0, wrapErr("history.RecordAttempt", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, wrapErr("history.RecordAttempt", err)
	}
	return id, nil
}

// MarkAttemptOutcome settles a previously recorded attempt by id
func (s *HistoryStore) MarkAttemptOutcome(ctx context.Context, a *models.CreationAttempt) error {
	query := `
		UPDATE creation_attempts
		SET success = ?, failure_stage = ?, failure_reason = ?, time_to_ready = ?, instance_id = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		a.Success, a.FailureStage, a.FailureReason, a.TimeToReady, a.InstanceID, a.ID)
	if err != nil {
		return wrapErr("history.MarkAttemptOutcome", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return wrapErr("history.MarkAttemptOutcome", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStats aggregates attempts for one machine
func (s *HistoryStore) GetStats(ctx context.Context, provider, machineID string) (*models.MachineStats, error) {
	stats, err := s.GetStatsBatch(ctx, provider, []string{machineID})
	if err != nil {
		return nil, err
	}
	st, ok := stats[machineID]
	if !ok {
		return &models.MachineStats{Provider: provider, MachineID: machineID}, nil
	}
	return st, nil
}

// GetStatsBatch aggregates attempts for many machines in one query.
// Machines with no history are absent from the result map.
func (s *HistoryStore) GetStatsBatch(ctx context.Context, provider string, machineIDs []string) (map[string]*models.MachineStats, error) {
	stats := make(map[string]*models.MachineStats, len(machineIDs))
	if len(machineIDs) == 0 {
		return stats, nil
	}

	placeholders := strings.Repeat("?,", len(machineIDs)-1) + "?"
	query := fmt.Sprintf(`
		SELECT
			machine_id,
			COUNT(*),
			SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
			MAX(attempted_at),
			MAX(CASE WHEN success = 0 THEN failure_reason ELSE '' END)
		FROM creation_attempts
		WHERE provider = ? AND machine_id IN (%s)
		GROUP BY machine_id
	`, placeholders)

	args := make([]any, 0, len(machineIDs)+1)
	args = append(args, provider)
	for _, id := range machineIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("history.GetStatsBatch", err)
	}
	defer rows.Close()

	for rows.Next() {
		st := &models.MachineStats{Provider: provider}
		// MAX() strips the column's declared type, so the driver hands
		// the timestamp back as its raw string form.
		var lastAttempt sql.NullString
		var lastFailure sql.NullString
		if err := rows.Scan(&st.MachineID, &st.TotalAttempts, &st.FailedAttempts, &lastAttempt, &lastFailure); err != nil {
			return nil, wrapErr("history.GetStatsBatch", err)
		}
		if lastAttempt.Valid {
			if ts, ok := parseStoredTime(lastAttempt.String); ok {
				st.LastAttemptAt = ts
			}
		}
		st.LastFailure = lastFailure.String
		if st.TotalAttempts > 0 {
			st.SuccessRate = float64(st.TotalAttempts-st.FailedAttempts) / float64(st.TotalAttempts)
		}
		stats[st.MachineID] = st
	}
	return stats, wrapErr("history.GetStatsBatch", rows.Err())
}

// UpsertBlacklist inserts or refreshes a blacklist entry for a machine
func (s *HistoryStore) UpsertBlacklist(ctx context.Context, e *models.MachineBlacklistEntry) error {
	query := `
		INSERT INTO machine_blacklist (
			provider, machine_id, type, total_attempts, failed_attempts,
			failure_rate, last_failure, gpu_type, reason, active, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, machine_id) DO UPDATE SET
			type = excluded.type,
			total_attempts = excluded.total_attempts,
			failed_attempts = excluded.failed_attempts,
			failure_rate = excluded.failure_rate,
			last_failure = excluded.last_failure,
			gpu_type = excluded.gpu_type,
			reason = excluded.reason,
			active = excluded.active,
			expires_at = excluded.expires_at
	`

	var expiresAt any
	if e.ExpiresAt != nil {
		expiresAt = *e.ExpiresAt
	}

	_, err := s.db.ExecContext(ctx, query,
		e.Provider, e.MachineID, e.Type, e.TotalAttempts, e.FailedAttempts,
		e.FailureRate, e.LastFailure, e.GPUType, e.Reason, e.Active, e.CreatedAt, expiresAt,
	)
	return wrapErr("history.UpsertBlacklist", err)
}

// GetBlacklistEntry returns the entry for one machine, effective or not
func (s *HistoryStore) GetBlacklistEntry(ctx context.Context, provider, machineID string) (*models.MachineBlacklistEntry, error) {
	row := s.db.QueryRowContext(ctx,
		blacklistSelect+" WHERE provider = ? AND machine_id = ?", provider, machineID)
	e, err := scanBlacklistEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("history.GetBlacklistEntry", err)
	}
	return e, nil
}

// ListBlacklist returns all entries, active first, newest first
func (s *HistoryStore) ListBlacklist(ctx context.Context) ([]*models.MachineBlacklistEntry, error) {
	rows, err := s.db.QueryContext(ctx, blacklistSelect+" ORDER BY active DESC, created_at DESC")
	if err != nil {
		return nil, wrapErr("history.ListBlacklist", err)
	}
	defer rows.Close()

	var entries []*models.MachineBlacklistEntry
	for rows.Next() {
		e, err := scanBlacklistEntry(rows)
		if err != nil {
			return nil, wrapErr("history.ListBlacklist", err)
		}
		entries = append(entries, e)
	}
	return entries, wrapErr("history.ListBlacklist", rows.Err())
}

// EffectiveBlacklist returns the set of machine ids currently blocked
// for a provider
func (s *HistoryStore) EffectiveBlacklist(ctx context.Context, provider string, now time.Time) (map[string]struct{}, error) {
	query := `
		SELECT machine_id FROM machine_blacklist
		WHERE provider = ? AND active = 1 AND (expires_at IS NULL OR expires_at > ?)
	`
	rows, err := s.db.QueryContext(ctx, query, provider, now)
	if err != nil {
		return nil, wrapErr("history.EffectiveBlacklist", err)
	}
	defer rows.Close()

	blocked := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("history.EffectiveBlacklist", err)
		}
		blocked[id] = struct{}{}
	}
	return blocked, wrapErr("history.EffectiveBlacklist", rows.Err())
}

// DeactivateBlacklist turns off an entry without deleting its history
func (s *HistoryStore) DeactivateBlacklist(ctx context.Context, provider, machineID string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE machine_blacklist SET active = 0 WHERE provider = ? AND machine_id = ?",
		provider, machineID)
	if err != nil {
		return wrapErr("history.DeactivateBlacklist", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return wrapErr("history.DeactivateBlacklist", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// storedTimeLayouts covers the formats the sqlite driver writes
// timestamps in, plus CURRENT_TIMESTAMP defaults.
var storedTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
}

func parseStoredTime(s string) (time.Time, bool) {
	for _, layout := range storedTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

const blacklistSelect = `
	SELECT
		id, provider, machine_id, type, total_attempts, failed_attempts,
		failure_rate, last_failure, gpu_type, reason, active, created_at, expires_at
	FROM machine_blacklist
`

func scanBlacklistEntry(row rowScanner) (*models.MachineBlacklistEntry, error) {
	e := &models.MachineBlacklistEntry{}
	var expiresAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.Provider, &e.MachineID, &e.Type, &e.TotalAttempts, &e.FailedAttempts,
		&e.FailureRate, &e.LastFailure, &e.GPUType, &e.Reason, &e.Active, &e.CreatedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Time
	}
	return e, nil
}
