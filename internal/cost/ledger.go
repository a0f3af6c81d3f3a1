// Package cost keeps the billing ledger: one usage record per
// instance, accrued on an interval while the instance runs and closed
// with a final figure when it stops.
package cost

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gpufleet/gpufleet/internal/storage"
	"github.com/gpufleet/gpufleet/pkg/models"
)

// DefaultAccrualInterval is how often open records are rolled forward
const DefaultAccrualInterval = 1 * time.Minute

// Ledger accrues instance cost. TrackStart and TrackStop are safe to
// call from any goroutine; the accrual loop runs until Stop.
type Ledger struct {
	store *storage.UsageStore

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	accrualInterval time.Duration
	now             func() time.Time
}

// Option configures the Ledger
type Option func(*Ledger)

// WithAccrualInterval overrides the roll-forward interval
func WithAccrualInterval(d time.Duration) Option {
	return func(l *Ledger) {
		l.accrualInterval = d
	}
}

// WithClock overrides the time source (for testing)
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a ledger over the usage store
func New(store *storage.UsageStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:           store,
		accrualInterval: DefaultAccrualInterval,
		now:             time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start begins the accrual loop. Idempotent.
func (l *Ledger) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.mu.Unlock()

	slog.Info("usage ledger starting",
		slog.Duration("accrual_interval", l.accrualInterval))
	go l.run(ctx)
	return nil
}

// Stop halts the accrual loop and waits for it to drain
func (l *Ledger) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	stopCh := l.stopCh
	doneCh := l.doneCh
	l.mu.Unlock()

	close(stopCh)
	<-doneCh

	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
}

// IsRunning reports whether the accrual loop is active
func (l *Ledger) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Ledger) run(ctx context.Context) {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.accrualInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.accrueOpen(ctx)
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// accrueOpen rolls every open record forward to now
func (l *Ledger) accrueOpen(ctx context.Context) {
	records, err := l.store.ListOpen(ctx)
	if err != nil {
		slog.Error("failed to list open usage records",
			slog.String("error", err.Error()))
		return
	}

	now := l.now().UTC()
	for _, r := range records {
		l.accrue(r, now)
		if err := l.store.Upsert(ctx, r); err != nil {
			slog.Error("failed to roll usage record forward",
				slog.Int64("instance_id", r.InstanceID),
				slog.String("error", err.Error()))
		}
	}
}

// accrue advances one record's cost to the given instant
func (l *Ledger) accrue(r *models.UsageRecord, now time.Time) {
	from := r.AccruedThrough
	if from.IsZero() {
		from = r.StartedAt
	}
	if !now.After(from) {
		return
	}
	r.AccruedCost += r.PricePerHr * now.Sub(from).Hours()
	r.AccruedThrough = now
}

// TrackStart opens a usage record for a freshly created instance
func (l *Ledger) TrackStart(ctx context.Context, inst *models.Instance) error {
	now := l.now().UTC()
	return l.store.Upsert(ctx, &models.UsageRecord{
		InstanceID:     inst.ID,
		Provider:       inst.Provider,
		GPUType:        inst.Hardware.GPUType,
		PricePerHr:     inst.PricePerHr,
		StartedAt:      now,
		AccruedThrough: now,
	})
}

// TrackStop closes the record with a final accrual. Unknown instances
// are a no-op so teardown paths can call this unconditionally.
func (l *Ledger) TrackStop(ctx context.Context, instanceID int64) error {
	r, err := l.store.Get(ctx, instanceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !r.Open() {
		return nil
	}

	now := l.now().UTC()
	l.accrue(r, now)
	r.StoppedAt = now
	if err := l.store.Upsert(ctx, r); err != nil {
		return err
	}

	slog.Info("usage record closed",
		slog.Int64("instance_id", instanceID),
		slog.Float64("accrued_cost", r.AccruedCost))
	return nil
}

// InstanceCost returns what one instance has accrued so far, including
// time since the last roll-forward
func (l *Ledger) InstanceCost(ctx context.Context, instanceID int64) (float64, error) {
	r, err := l.store.Get(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	if r.Open() {
		l.accrue(r, l.now().UTC())
	}
	return r.AccruedCost, nil
}

// Summary aggregates the ledger
func (l *Ledger) Summary(ctx context.Context) (*models.UsageSummary, error) {
	return l.store.Summary(ctx)
}
