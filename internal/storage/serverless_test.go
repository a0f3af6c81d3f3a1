package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/pkg/models"
)

func TestServerlessStore_UpsertAndGet(t *testing.T) {
	store := NewServerlessStore(newTestDB(t))
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	binding := &models.ServerlessBinding{
		InstanceID:   5555,
		UserID:       "user@example.com",
		Mode:         models.ModeFast,
		IdleTimeout:  5 * time.Minute,
		GPUThreshold: 10,
		CheckpointOn: true,
		DestroyAfter: 12 * time.Hour,
		State:        models.ServerlessRunning,
		StartedAt:    now,
		LastRequest:  now,
	}

	require.NoError(t, store.Upsert(ctx, binding))

	got, err := store.Get(ctx, 5555)
	require.NoError(t, err)
	assert.Equal(t, models.ModeFast, got.Mode)
	assert.Equal(t, 5*time.Minute, got.IdleTimeout)
	assert.Equal(t, 12*time.Hour, got.DestroyAfter)
	assert.True(t, got.CheckpointOn)
	assert.True(t, got.IdleSince.IsZero())
	assert.WithinDuration(t, now, got.LastRequest, time.Second)
}

func TestServerlessStore_Get_NotFound(t *testing.T) {
	store := NewServerlessStore(newTestDB(t))

	_, err := store.Get(context.Background(), 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServerlessStore_UpsertReplacesCounters(t *testing.T) {
	store := NewServerlessStore(newTestDB(t))
	ctx := context.Background()

	binding := &models.ServerlessBinding{
		InstanceID: 1, Mode: models.ModeEconomic, IdleTimeout: time.Minute,
		GPUThreshold: 5, State: models.ServerlessRunning,
	}
	require.NoError(t, store.Upsert(ctx, binding))

	binding.State = models.ServerlessPaused
	binding.ScaleDownCount = 3
	binding.TotalSavings = 1.25
	binding.PausedAt = time.Now()
	require.NoError(t, store.Upsert(ctx, binding))

	got, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ServerlessPaused, got.State)
	assert.Equal(t, int64(3), got.ScaleDownCount)
	assert.Equal(t, 1.25, got.TotalSavings)
	assert.False(t, got.PausedAt.IsZero())
}

func TestServerlessStore_ListExcludesDestroyed(t *testing.T) {
	store := NewServerlessStore(newTestDB(t))
	ctx := context.Background()

	for id, state := range map[int64]models.ServerlessState{
		1: models.ServerlessRunning,
		2: models.ServerlessPaused,
		3: models.ServerlessDestroyed,
	} {
		require.NoError(t, store.Upsert(ctx, &models.ServerlessBinding{
			InstanceID: id, Mode: models.ModeEconomic, IdleTimeout: time.Minute,
			GPUThreshold: 5, State: state,
		}))
	}

	bindings, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, bindings, 2)
}

func TestServerlessStore_InstancesToDestroy(t *testing.T) {
	store := NewServerlessStore(newTestDB(t))
	ctx := context.Background()
	now := time.Now()

	// Paused long enough
	require.NoError(t, store.Upsert(ctx, &models.ServerlessBinding{
		InstanceID: 1, Mode: models.ModeEconomic, IdleTimeout: time.Minute,
		GPUThreshold: 5, State: models.ServerlessPaused,
		DestroyAfter: time.Hour, PausedAt: now.Add(-2 * time.Hour),
	}))
	// Paused recently
	require.NoError(t, store.Upsert(ctx, &models.ServerlessBinding{
		InstanceID: 2, Mode: models.ModeEconomic, IdleTimeout: time.Minute,
		GPUThreshold: 5, State: models.ServerlessPaused,
		DestroyAfter: time.Hour, PausedAt: now.Add(-10 * time.Minute),
	}))
	// Auto-destroy disabled
	require.NoError(t, store.Upsert(ctx, &models.ServerlessBinding{
		InstanceID: 3, Mode: models.ModeEconomic, IdleTimeout: time.Minute,
		GPUThreshold: 5, State: models.ServerlessPaused,
		PausedAt: now.Add(-48 * time.Hour),
	}))

	due, err := store.InstancesToDestroy(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(1), due[0].InstanceID)
}

func TestServerlessStore_Delete(t *testing.T) {
	store := NewServerlessStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &models.ServerlessBinding{
		InstanceID: 1, Mode: models.ModeEconomic, IdleTimeout: time.Minute,
		GPUThreshold: 5, State: models.ServerlessRunning,
	}))

	require.NoError(t, store.Delete(ctx, 1))
	_, err := store.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.Delete(ctx, 1), ErrNotFound)
}
