// Package history tracks per-machine creation outcomes and maintains
// the machine blacklist that keeps chronically failing hosts out of
// offer search results.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/storage"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	// DefaultFailureRateThreshold triggers auto-blacklisting
	DefaultFailureRateThreshold = 0.6

	// DefaultMinAttempts is how much history a machine needs before the
	// rate is trusted
	DefaultMinAttempts = 3

	// DefaultBaseTTL scales with failed attempts; the resulting TTL is
	// capped at MaxBlacklistTTL
	DefaultBaseTTL  = 6 * time.Hour
	MaxBlacklistTTL = 7 * 24 * time.Hour
)

// Tracker records attempts and answers blacklist queries. Writes for
// the same (provider, machine) are serialized by a keyed mutex so the
// read-aggregate-decide-write sequence never races with itself.
type Tracker struct {
	store  *storage.HistoryStore
	events models.EventSink

	failureRateThreshold float64
	minAttempts          int
	baseTTL              time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// Option configures the Tracker
type Option func(*Tracker)

// WithFailureRateThreshold overrides the auto-blacklist rate
func WithFailureRateThreshold(rate float64) Option {
	return func(t *Tracker) {
		t.failureRateThreshold = rate
	}
}

// WithMinAttempts overrides the minimum history size
func WithMinAttempts(n int) Option {
	return func(t *Tracker) {
		t.minAttempts = n
	}
}

// WithBaseTTL overrides the blacklist TTL scaling base
func WithBaseTTL(d time.Duration) Option {
	return func(t *Tracker) {
		t.baseTTL = d
	}
}

// WithEventSink sets where blacklist events are recorded
func WithEventSink(sink models.EventSink) Option {
	return func(t *Tracker) {
		t.events = sink
	}
}

// WithClock overrides the time source (for testing)
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a tracker over the history store
func NewTracker(store *storage.HistoryStore, opts ...Option) *Tracker {
	t := &Tracker{
		store:                store,
		events:               models.NopSink{},
		failureRateThreshold: DefaultFailureRateThreshold,
		minAttempts:          DefaultMinAttempts,
		baseTTL:              DefaultBaseTTL,
		locks:                make(map[string]*sync.Mutex),
		now:                  time.Now,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// RecordAttempt appends one attempt and applies the auto-blacklist
// rule: with enough history and a failure rate at or above the
// threshold, the machine is blacklisted for base_ttl x failed_attempts,
// capped at seven days. Returns the attempt id.
func (t *Tracker) RecordAttempt(ctx context.Context, attempt *models.CreationAttempt) (int64, error) {
	if attempt.Provider == "" || attempt.MachineID == "" {
		return 0, fmt.Errorf("attempt requires provider and machine id")
	}
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = t.now()
	}

	lock := t.machineLock(attempt.Provider, attempt.MachineID)
	lock.Lock()
	defer lock.Unlock()

	id, err := t.store.RecordAttempt(ctx, attempt)
	if err != nil {
		return 0, err
	}
	metrics.CreationAttemptsTotal.WithLabelValues(attempt.Provider, outcomeLabel(attempt.Success)).Inc()

	stats, err := t.store.GetStats(ctx, attempt.Provider, attempt.MachineID)
	if err != nil {
		// The attempt itself is recorded; blacklist evaluation can wait
		// for the next one.
		slog.Warn("failed to aggregate machine stats",
			slog.String("provider", attempt.Provider),
			slog.String("machine_id", attempt.MachineID),
			slog.String("error", err.Error()))
		return id, nil
	}

	if err := t.evaluate(ctx, attempt, stats); err != nil {
		slog.Warn("failed to apply auto-blacklist",
			slog.String("provider", attempt.Provider),
			slog.String("machine_id", attempt.MachineID),
			slog.String("error", err.Error()))
	}
	return id, nil
}

// BeginAttempt records an in-flight attempt before the provider call
// so the audit survives a lost response. The row starts unsuccessful;
// FinishAttempt settles it. Blacklist evaluation waits for the outcome.
func (t *Tracker) BeginAttempt(ctx context.Context, attempt *models.CreationAttempt) (int64, error) {
	if attempt.Provider == "" || attempt.MachineID == "" {
		return 0, fmt.Errorf("attempt requires provider and machine id")
	}
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = t.now()
	}
	attempt.Success = false

	lock := t.machineLock(attempt.Provider, attempt.MachineID)
	lock.Lock()
	defer lock.Unlock()

	return t.store.RecordAttempt(ctx, attempt)
}

// FinishAttempt settles an attempt begun with BeginAttempt and applies
// the auto-blacklist rule to the updated history
func (t *Tracker) FinishAttempt(ctx context.Context, attempt *models.CreationAttempt) error {
	if attempt.ID == 0 {
		return fmt.Errorf("attempt has no id; was it begun?")
	}

	lock := t.machineLock(attempt.Provider, attempt.MachineID)
	lock.Lock()
	defer lock.Unlock()

	if err := t.store.MarkAttemptOutcome(ctx, attempt); err != nil {
		return err
	}
	metrics.CreationAttemptsTotal.WithLabelValues(attempt.Provider, outcomeLabel(attempt.Success)).Inc()

	stats, err := t.store.GetStats(ctx, attempt.Provider, attempt.MachineID)
	if err != nil {
		slog.Warn("failed to aggregate machine stats",
			slog.String("provider", attempt.Provider),
			slog.String("machine_id", attempt.MachineID),
			slog.String("error", err.Error()))
		return nil
	}
	if err := t.evaluate(ctx, attempt, stats); err != nil {
		slog.Warn("failed to apply auto-blacklist",
			slog.String("provider", attempt.Provider),
			slog.String("machine_id", attempt.MachineID),
			slog.String("error", err.Error()))
	}
	return nil
}

// evaluate applies the auto-blacklist rule to fresh stats
func (t *Tracker) evaluate(ctx context.Context, attempt *models.CreationAttempt, stats *models.MachineStats) error {
	if stats.TotalAttempts < t.minAttempts {
		return nil
	}
	failureRate := float64(stats.FailedAttempts) / float64(stats.TotalAttempts)
	if failureRate < t.failureRateThreshold {
		return nil
	}

	ttl := t.baseTTL * time.Duration(stats.FailedAttempts)
	if ttl > MaxBlacklistTTL {
		ttl = MaxBlacklistTTL
	}
	now := t.now()
	expires := now.Add(ttl)

	entry := &models.MachineBlacklistEntry{
		Provider:       attempt.Provider,
		MachineID:      attempt.MachineID,
		Type:           models.BlacklistAuto,
		TotalAttempts:  stats.TotalAttempts,
		FailedAttempts: stats.FailedAttempts,
		FailureRate:    failureRate,
		LastFailure:    stats.LastFailure,
		GPUType:        attempt.GPUType,
		Active:         true,
		CreatedAt:      now,
		ExpiresAt:      &expires,
	}
	if err := t.store.UpsertBlacklist(ctx, entry); err != nil {
		return err
	}

	metrics.BlacklistInserts.WithLabelValues(attempt.Provider, string(models.BlacklistAuto)).Inc()
	t.events.Record(models.FleetEvent{
		Type: models.EventBlacklisted,
		Detail: map[string]any{
			"provider":     attempt.Provider,
			"machine_id":   attempt.MachineID,
			"failure_rate": failureRate,
			"ttl":          ttl.String(),
		},
	})
	slog.Info("machine auto-blacklisted",
		slog.String("provider", attempt.Provider),
		slog.String("machine_id", attempt.MachineID),
		slog.Float64("failure_rate", failureRate),
		slog.Duration("ttl", ttl))
	return nil
}

// IsBlacklisted reports whether a machine is currently blocked
func (t *Tracker) IsBlacklisted(ctx context.Context, provider, machineID string) (bool, error) {
	entry, err := t.store.GetBlacklistEntry(ctx, provider, machineID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return entry.IsEffective(t.now()), nil
}

// AnnotateOffers decorates offers with blacklist state and reliability
// history in a single batched query per provider
func (t *Tracker) AnnotateOffers(ctx context.Context, offers []models.Offer) ([]models.Offer, error) {
	byProvider := make(map[string][]string)
	for _, o := range offers {
		byProvider[o.Provider] = append(byProvider[o.Provider], o.MachineID)
	}

	now := t.now()
	stats := make(map[string]map[string]*models.MachineStats, len(byProvider))
	blocked := make(map[string]map[string]struct{}, len(byProvider))
	for provider, ids := range byProvider {
		s, err := t.store.GetStatsBatch(ctx, provider, ids)
		if err != nil {
			return nil, err
		}
		stats[provider] = s

		b, err := t.store.EffectiveBlacklist(ctx, provider, now)
		if err != nil {
			return nil, err
		}
		blocked[provider] = b
	}

	annotated := make([]models.Offer, len(offers))
	for i, o := range offers {
		_, o.IsBlacklisted = blocked[o.Provider][o.MachineID]
		if st, ok := stats[o.Provider][o.MachineID]; ok {
			o.SuccessRate = st.SuccessRate
			o.TotalAttempts = st.TotalAttempts
		}
		o.ReliabilityStatus = models.ReliabilityBand(o.SuccessRate, o.TotalAttempts)
		annotated[i] = o
	}
	return annotated, nil
}

// AddManual blacklists a machine at operator request, optionally with
// an expiry (zero ttl means permanent)
func (t *Tracker) AddManual(ctx context.Context, provider, machineID, reason string, ttl time.Duration) error {
	if provider == "" || machineID == "" {
		return fmt.Errorf("provider and machine id are required")
	}

	now := t.now()
	entry := &models.MachineBlacklistEntry{
		Provider:  provider,
		MachineID: machineID,
		Type:      models.BlacklistManual,
		Reason:    reason,
		Active:    true,
		CreatedAt: now,
	}
	if ttl > 0 {
		entry.Type = models.BlacklistTemporary
		expires := now.Add(ttl)
		entry.ExpiresAt = &expires
	}

	if err := t.store.UpsertBlacklist(ctx, entry); err != nil {
		return err
	}
	metrics.BlacklistInserts.WithLabelValues(provider, string(entry.Type)).Inc()
	return nil
}

// Remove deactivates a blacklist entry, keeping its history
func (t *Tracker) Remove(ctx context.Context, provider, machineID string) error {
	return t.store.DeactivateBlacklist(ctx, provider, machineID)
}

// List returns all blacklist entries
func (t *Tracker) List(ctx context.Context) ([]*models.MachineBlacklistEntry, error) {
	return t.store.ListBlacklist(ctx)
}

// Stats returns the aggregated history for one machine
func (t *Tracker) Stats(ctx context.Context, provider, machineID string) (*models.MachineStats, error) {
	return t.store.GetStats(ctx, provider, machineID)
}

func (t *Tracker) machineLock(provider, machineID string) *sync.Mutex {
	key := provider + "/" + machineID
	t.mu.Lock()
	defer t.mu.Unlock()

	lock, ok := t.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[key] = lock
	}
	return lock
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
