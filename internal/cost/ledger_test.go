package cost

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/internal/storage"
	"github.com/gpufleet/gpufleet/pkg/models"
)

func newTestLedger(t *testing.T, clock *time.Time) *Ledger {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	return New(storage.NewUsageStore(db), WithClock(func() time.Time { return *clock }))
}

func testInstance(id int64, rate float64) *models.Instance {
	return &models.Instance{
		ID:         id,
		Provider:   "vastai",
		PricePerHr: rate,
		Hardware:   models.Hardware{GPUType: "RTX 4090"},
	}
}

func TestLedgerAccruesOverLifetime(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := newTestLedger(t, &clock)
	ctx := context.Background()

	require.NoError(t, ledger.TrackStart(ctx, testInstance(1, 0.50)))

	// 90 minutes at 0.50/hr
	clock = clock.Add(90 * time.Minute)
	got, err := ledger.InstanceCost(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got, 0.001)

	require.NoError(t, ledger.TrackStop(ctx, 1))

	// A closed record stops accruing
	clock = clock.Add(24 * time.Hour)
	got, err = ledger.InstanceCost(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got, 0.001)
}

func TestLedgerRollForwardDoesNotDoubleCount(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := newTestLedger(t, &clock)
	ctx := context.Background()

	require.NoError(t, ledger.TrackStart(ctx, testInstance(1, 1.00)))

	clock = clock.Add(30 * time.Minute)
	ledger.accrueOpen(ctx)
	clock = clock.Add(30 * time.Minute)
	ledger.accrueOpen(ctx)

	require.NoError(t, ledger.TrackStop(ctx, 1))
	got, err := ledger.InstanceCost(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.00, got, 0.001)
}

func TestLedgerStopUnknownInstance(t *testing.T) {
	clock := time.Now()
	ledger := newTestLedger(t, &clock)

	require.NoError(t, ledger.TrackStop(context.Background(), 999))
}

func TestLedgerStopIsIdempotent(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := newTestLedger(t, &clock)
	ctx := context.Background()

	require.NoError(t, ledger.TrackStart(ctx, testInstance(1, 2.00)))
	clock = clock.Add(time.Hour)
	require.NoError(t, ledger.TrackStop(ctx, 1))

	clock = clock.Add(time.Hour)
	require.NoError(t, ledger.TrackStop(ctx, 1))

	got, err := ledger.InstanceCost(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 2.00, got, 0.001)
}

func TestLedgerSummary(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := newTestLedger(t, &clock)
	ctx := context.Background()

	require.NoError(t, ledger.TrackStart(ctx, testInstance(1, 0.40)))
	require.NoError(t, ledger.TrackStart(ctx, testInstance(2, 0.60)))

	clock = clock.Add(time.Hour)
	ledger.accrueOpen(ctx)
	require.NoError(t, ledger.TrackStop(ctx, 2))

	sum, err := ledger.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.OpenInstances)
	assert.InDelta(t, 1.00, sum.TotalAccrued, 0.001)
	assert.InDelta(t, 0.40, sum.OpenRate, 0.001)
}

func TestLedgerStartStop(t *testing.T) {
	clock := time.Now()
	ledger := newTestLedger(t, &clock)

	require.NoError(t, ledger.Start(context.Background()))
	assert.True(t, ledger.IsRunning())
	require.NoError(t, ledger.Start(context.Background()))

	ledger.Stop()
	assert.False(t, ledger.IsRunning())
	ledger.Stop()
}
