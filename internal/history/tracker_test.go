package history

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/internal/storage"
	"github.com/gpufleet/gpufleet/pkg/models"
)

type captureSink struct {
	mu     sync.Mutex
	events []models.FleetEvent
}

func (s *captureSink) Record(e models.FleetEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *captureSink) byType(t models.EventType) []models.FleetEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FleetEvent
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestTracker(t *testing.T, opts ...Option) *Tracker {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })

	return NewTracker(storage.NewHistoryStore(db), opts...)
}

func failedAttempt(machineID string) *models.CreationAttempt {
	return &models.CreationAttempt{
		Provider:      "vastai",
		MachineID:     machineID,
		OfferID:       "offer-1",
		GPUType:       "RTX 4090",
		Success:       false,
		FailureStage:  models.StageSSHTimeout,
		FailureReason: "ssh verification timed out",
	}
}

func TestRecordAttempt_AutoBlacklistAfterRepeatedFailures(t *testing.T) {
	sink := &captureSink{}
	tracker := newTestTracker(t, WithEventSink(sink))
	ctx := context.Background()

	// Two failures: below min_attempts, no blacklist yet
	for i := 0; i < 2; i++ {
		_, err := tracker.RecordAttempt(ctx, failedAttempt("m1"))
		require.NoError(t, err)
	}
	blocked, err := tracker.IsBlacklisted(ctx, "vastai", "m1")
	require.NoError(t, err)
	assert.False(t, blocked)

	// Third failure: 3 attempts, 100% failure rate, blacklist kicks in
	_, err = tracker.RecordAttempt(ctx, failedAttempt("m1"))
	require.NoError(t, err)

	blocked, err = tracker.IsBlacklisted(ctx, "vastai", "m1")
	require.NoError(t, err)
	assert.True(t, blocked)

	events := sink.byType(models.EventBlacklisted)
	require.NotEmpty(t, events)
	assert.Equal(t, "m1", events[0].Detail["machine_id"])
}

func TestBeginAndFinishAttempt(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	attempt := failedAttempt("m1")
	attempt.FailureStage = ""
	attempt.FailureReason = ""

	id, err := tracker.BeginAttempt(ctx, attempt)
	require.NoError(t, err)
	require.Positive(t, id)
	attempt.ID = id

	// In flight: recorded, not yet successful
	stats, err := tracker.Stats(ctx, "vastai", "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalAttempts)
	assert.Equal(t, 1, stats.FailedAttempts)

	attempt.Success = true
	attempt.InstanceID = 900
	attempt.TimeToReady = 33.0
	require.NoError(t, tracker.FinishAttempt(ctx, attempt))

	stats, err = tracker.Stats(ctx, "vastai", "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalAttempts)
	assert.Equal(t, 0, stats.FailedAttempts)

	err = tracker.FinishAttempt(ctx, &models.CreationAttempt{Provider: "vastai", MachineID: "m1"})
	assert.Error(t, err, "finish without begin")
}

func TestFinishAttempt_FailureTriggersAutoBlacklist(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		attempt := failedAttempt("m1")
		id, err := tracker.BeginAttempt(ctx, attempt)
		require.NoError(t, err)
		attempt.ID = id
		attempt.FailureStage = models.StageSSHTimeout
		attempt.FailureReason = "ssh verification timed out"
		require.NoError(t, tracker.FinishAttempt(ctx, attempt))
	}

	blocked, err := tracker.IsBlacklisted(ctx, "vastai", "m1")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestRecordAttempt_HealthyMachineNotBlacklisted(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	// One failure among many successes stays under the threshold
	for i := 0; i < 9; i++ {
		attempt := failedAttempt("m1")
		attempt.Success = true
		attempt.FailureStage = ""
		attempt.FailureReason = ""
		_, err := tracker.RecordAttempt(ctx, attempt)
		require.NoError(t, err)
	}
	_, err := tracker.RecordAttempt(ctx, failedAttempt("m1"))
	require.NoError(t, err)

	blocked, err := tracker.IsBlacklisted(ctx, "vastai", "m1")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestRecordAttempt_TTLScalesWithFailures(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tracker := newTestTracker(t, WithClock(func() time.Time { return base }))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := tracker.RecordAttempt(ctx, failedAttempt("m1"))
		require.NoError(t, err)
	}

	entries, err := tracker.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// 4 failed attempts x 6h base
	require.NotNil(t, entries[0].ExpiresAt)
	assert.Equal(t, base.Add(4*DefaultBaseTTL), entries[0].ExpiresAt.UTC())
}

func TestRecordAttempt_TTLCapped(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tracker := newTestTracker(t, WithClock(func() time.Time { return base }))
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		_, err := tracker.RecordAttempt(ctx, failedAttempt("m1"))
		require.NoError(t, err)
	}

	entries, err := tracker.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, base.Add(MaxBlacklistTTL), entries[0].ExpiresAt.UTC())
}

func TestBlacklistExpiryReopensMachine(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	tracker := newTestTracker(t, WithClock(func() time.Time { return *clock }))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := tracker.RecordAttempt(ctx, failedAttempt("m1"))
		require.NoError(t, err)
	}

	blocked, err := tracker.IsBlacklisted(ctx, "vastai", "m1")
	require.NoError(t, err)
	assert.True(t, blocked)

	// Jump past the TTL
	later := now.Add(MaxBlacklistTTL + time.Hour)
	clock = &later

	blocked, err = tracker.IsBlacklisted(ctx, "vastai", "m1")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestAnnotateOffers(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	// m-bad: 3 failures -> blacklisted, 0% success
	for i := 0; i < 3; i++ {
		_, err := tracker.RecordAttempt(ctx, failedAttempt("m-bad"))
		require.NoError(t, err)
	}
	// m-good: 20 successes, 1 failure
	for i := 0; i < 20; i++ {
		attempt := failedAttempt("m-good")
		attempt.Success = true
		_, err := tracker.RecordAttempt(ctx, attempt)
		require.NoError(t, err)
	}
	_, err := tracker.RecordAttempt(ctx, failedAttempt("m-good"))
	require.NoError(t, err)

	offers := []models.Offer{
		{ID: "1", Provider: "vastai", MachineID: "m-bad"},
		{ID: "2", Provider: "vastai", MachineID: "m-good"},
		{ID: "3", Provider: "vastai", MachineID: "m-new"},
	}

	annotated, err := tracker.AnnotateOffers(ctx, offers)
	require.NoError(t, err)
	require.Len(t, annotated, 3)

	assert.True(t, annotated[0].IsBlacklisted)
	assert.Equal(t, models.ReliabilityPoor, annotated[0].ReliabilityStatus)

	assert.False(t, annotated[1].IsBlacklisted)
	assert.Equal(t, models.ReliabilityExcellent, annotated[1].ReliabilityStatus)
	assert.InDelta(t, 20.0/21.0, annotated[1].SuccessRate, 0.001)

	assert.False(t, annotated[2].IsBlacklisted)
	assert.Equal(t, models.ReliabilityUnknown, annotated[2].ReliabilityStatus)
	assert.Zero(t, annotated[2].TotalAttempts)
}

func TestAddManualAndRemove(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.AddManual(ctx, "vastai", "m1", "flaky network", 0))

	blocked, err := tracker.IsBlacklisted(ctx, "vastai", "m1")
	require.NoError(t, err)
	assert.True(t, blocked)

	entries, err := tracker.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.BlacklistManual, entries[0].Type)
	assert.Nil(t, entries[0].ExpiresAt)

	require.NoError(t, tracker.Remove(ctx, "vastai", "m1"))
	blocked, err = tracker.IsBlacklisted(ctx, "vastai", "m1")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestAddManual_Temporary(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tracker := newTestTracker(t, WithClock(func() time.Time { return base }))
	ctx := context.Background()

	require.NoError(t, tracker.AddManual(ctx, "vastai", "m1", "maintenance", 2*time.Hour))

	entries, err := tracker.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.BlacklistTemporary, entries[0].Type)
	require.NotNil(t, entries[0].ExpiresAt)
	assert.Equal(t, base.Add(2*time.Hour), entries[0].ExpiresAt.UTC())
}

func TestRecordAttempt_ConcurrentSameMachine(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tracker.RecordAttempt(ctx, failedAttempt("m1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stats, err := tracker.Stats(ctx, "vastai", "m1")
	require.NoError(t, err)
	assert.Equal(t, 10, stats.TotalAttempts)

	blocked, err := tracker.IsBlacklisted(ctx, "vastai", "m1")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestRecordAttempt_RequiresIdentity(t *testing.T) {
	tracker := newTestTracker(t)

	_, err := tracker.RecordAttempt(context.Background(), &models.CreationAttempt{})
	assert.Error(t, err)
}
