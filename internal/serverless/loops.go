package serverless

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/pkg/models"
)

// scaleDownLoop scans running bindings every check interval and pauses
// the ones that satisfy the idle predicate
func (s *Scheduler) scaleDownLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config().CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanForIdle(ctx)
		}
	}
}

func (s *Scheduler) scanForIdle(ctx context.Context) {
	bindings, err := s.store.List(ctx)
	if err != nil {
		slog.Warn("scale-down scan failed", slog.String("error", err.Error()))
		return
	}

	now := s.now().UTC()
	cfg := s.config()
	for _, binding := range bindings {
		if binding.State != models.ServerlessRunning || binding.KeepWarm {
			continue
		}
		if s.inflightCount(binding.InstanceID) > 0 {
			continue
		}
		if now.Sub(binding.StartedAt) < cfg.MinRuntime {
			continue
		}
		if !isIdle(binding, now) {
			continue
		}
		s.scaleDown(ctx, binding)
	}
}

// isIdle applies the idle predicate: no request within the window, or
// utilization continuously at or below the threshold for the window
func isIdle(b *models.ServerlessBinding, now time.Time) bool {
	if !b.LastRequest.IsZero() && now.Sub(b.LastRequest) > b.IdleTimeout {
		return true
	}
	if !b.IdleSince.IsZero() && now.Sub(b.IdleSince) >= b.IdleTimeout {
		return true
	}
	return false
}

// scaleDown pauses one instance, checkpointing first in fast mode
func (s *Scheduler) scaleDown(ctx context.Context, binding *models.ServerlessBinding) {
	guard := s.guard(binding.InstanceID)
	guard.Lock()
	defer guard.Unlock()

	// Re-read under the guard; a request may have arrived
	binding, err := s.store.Get(ctx, binding.InstanceID)
	if err != nil || binding.State != models.ServerlessRunning {
		return
	}
	if s.inflightCount(binding.InstanceID) > 0 {
		return
	}

	checkpointed := false
	if binding.Mode == models.ModeFast && binding.CheckpointOn && s.ckpt != nil {
		if inst, err := s.gpu.GetInstance(ctx, binding.InstanceID); err == nil {
			cp, err := s.ckpt.CreateCheckpoint(ctx, binding.InstanceID,
				inst.Network.SSHHost, inst.Network.SSHPort, "")
			if err != nil {
				// Checkpoint failure does not block the pause
				slog.Warn("pre-pause checkpoint failed",
					slog.Int64("instance_id", binding.InstanceID),
					slog.String("error", err.Error()))
			} else {
				binding.LastCheckpointID = cp.ID
				checkpointed = true
			}
		}
	}

	if err := s.gpu.PauseInstance(ctx, binding.InstanceID); err != nil {
		slog.Error("scale-down pause failed",
			slog.Int64("instance_id", binding.InstanceID),
			slog.String("error", err.Error()))
		return
	}

	now := s.now().UTC()
	binding.State = models.ServerlessPaused
	binding.PausedAt = now
	binding.IdleSince = time.Time{}
	binding.ScaleDownCount++
	if !binding.StartedAt.IsZero() {
		binding.TotalRuntime += now.Sub(binding.StartedAt)
	}
	if err := s.store.Upsert(ctx, binding); err != nil {
		slog.Error("failed to persist scale-down",
			slog.Int64("instance_id", binding.InstanceID),
			slog.String("error", err.Error()))
		return
	}

	metrics.ScaleDownsTotal.Inc()
	s.events.Record(models.FleetEvent{
		Type:       models.EventScaleDown,
		InstanceID: binding.InstanceID,
		Detail: map[string]any{
			"mode":         string(binding.Mode),
			"checkpointed": checkpointed,
		},
	})
	slog.Info("instance scaled down",
		slog.Int64("instance_id", binding.InstanceID),
		slog.String("mode", string(binding.Mode)),
		slog.Bool("checkpointed", checkpointed))
}

// Wake resumes a paused instance. Linearized per instance; a second
// concurrent wake observes the state left by the first.
func (s *Scheduler) Wake(ctx context.Context, instanceID int64, useCheckpoint bool) (*models.WakeResult, error) {
	if err := s.requireConfigured(); err != nil {
		return nil, err
	}

	guard := s.guard(instanceID)
	guard.Lock()
	defer guard.Unlock()

	binding, err := s.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	switch binding.State {
	case models.ServerlessRunning:
		return &models.WakeResult{Success: true, Method: "noop"}, nil
	case models.ServerlessPaused:
	default:
		return nil, fmt.Errorf("instance %d is %s, cannot wake", instanceID, binding.State)
	}

	start := s.now()
	binding.State = models.ServerlessWaking
	if err := s.store.Upsert(ctx, binding); err != nil {
		return nil, err
	}

	result := s.tryResume(ctx, binding, useCheckpoint)
	if !result.Success {
		result = s.runFallbacks(ctx, binding, result)
	}
	result.ColdStart = s.now().Sub(start)

	if result.Success {
		s.finishWake(ctx, binding, result, start)
	} else {
		binding.State = models.ServerlessPaused
		s.store.Upsert(ctx, binding)
		s.events.Record(models.FleetEvent{
			Type:       models.EventResumeFailed,
			InstanceID: instanceID,
			Detail:     map[string]any{"error": result.Error},
		})
	}
	return result, nil
}

// tryResume is the plain provider resume path
func (s *Scheduler) tryResume(ctx context.Context, binding *models.ServerlessBinding, useCheckpoint bool) *models.WakeResult {
	result := &models.WakeResult{Method: "resume"}
	cfg := s.config()

	if err := s.gpu.ResumeInstance(ctx, binding.InstanceID); err != nil {
		result.Error = fmt.Sprintf("resume: %v", err)
		return result
	}

	inst, err := s.waitRunning(ctx, binding.InstanceID, cfg.SSHVerifyTimeout)
	if err != nil {
		result.Error = fmt.Sprintf("instance not ready after resume: %v", err)
		return result
	}
	result.Success = true

	// Fast mode: restore is best effort, a failed restore still yields
	// a usable instance without the warm process
	if useCheckpoint && binding.Mode == models.ModeFast && binding.LastCheckpointID != "" && s.ckpt != nil {
		_, err := s.ckpt.RestoreCheckpoint(ctx, binding.InstanceID,
			inst.Network.SSHHost, inst.Network.SSHPort, binding.LastCheckpointID)
		if err != nil {
			slog.Warn("checkpoint restore failed, instance woke cold",
				slog.Int64("instance_id", binding.InstanceID),
				slog.String("checkpoint_id", binding.LastCheckpointID),
				slog.String("error", err.Error()))
		} else {
			result.CheckpointRestored = true
		}
	}
	return result
}

// runFallbacks tries each strategy in order after a failed resume
func (s *Scheduler) runFallbacks(ctx context.Context, binding *models.ServerlessBinding, failed *models.WakeResult) *models.WakeResult {
	s.mu.RLock()
	strategies := s.strategies
	s.mu.RUnlock()

	for _, strategy := range strategies {
		slog.Info("trying fallback strategy",
			slog.Int64("instance_id", binding.InstanceID),
			slog.String("strategy", strategy.Name()))

		inst, err := strategy.Execute(ctx, binding)
		if err != nil {
			slog.Warn("fallback strategy failed",
				slog.Int64("instance_id", binding.InstanceID),
				slog.String("strategy", strategy.Name()),
				slog.String("error", err.Error()))
			continue
		}

		eventType := models.EventFallbackSnapshot
		if strategy.Name() == StrategyDiskMigration {
			eventType = models.EventFallbackDisk
		}
		s.events.Record(models.FleetEvent{
			Type:       eventType,
			InstanceID: binding.InstanceID,
			Detail:     map[string]any{"new_instance_id": inst.ID},
		})

		return &models.WakeResult{
			Success:       true,
			Method:        strategy.Name(),
			NewInstanceID: inst.ID,
		}
	}

	failed.Error = "all_failed: " + failed.Error
	return failed
}

// finishWake commits counters and, for fallbacks, re-keys the binding
// to the replacement instance
func (s *Scheduler) finishWake(ctx context.Context, binding *models.ServerlessBinding, result *models.WakeResult, start time.Time) {
	cfg := s.config()
	now := s.now().UTC()

	var pausedFor time.Duration
	if !binding.PausedAt.IsZero() {
		pausedFor = now.Sub(binding.PausedAt)
	}
	binding.TotalPaused += pausedFor
	binding.ScaleUpCount++
	binding.State = models.ServerlessRunning
	binding.StartedAt = now
	binding.LastRequest = now
	binding.PausedAt = time.Time{}
	binding.IdleSince = time.Time{}

	// Savings accrue at the rate difference for the paused span
	if rate := s.instanceRate(ctx, binding.InstanceID, result.NewInstanceID); rate > 0 {
		saved := rate * (1 - cfg.IdleRateFraction) * pausedFor.Hours()
		binding.TotalSavings += saved
		metrics.SavingsDollars.Add(saved)
	}

	if result.NewInstanceID != 0 && result.NewInstanceID != binding.InstanceID {
		oldID := binding.InstanceID
		binding.FallbackCount++
		// The replaced instance keeps billing until the provider drops it.
		// DELETE on an already-gone instance reports success.
		if err := s.gpu.DestroyInstance(ctx, oldID); err != nil {
			slog.Warn("failed to destroy replaced instance after fallback",
				slog.Int64("instance_id", oldID),
				slog.String("error", err.Error()))
		}
		s.store.Delete(ctx, oldID)
		binding.InstanceID = result.NewInstanceID
	}

	if err := s.store.Upsert(ctx, binding); err != nil {
		slog.Error("failed to persist wake",
			slog.Int64("instance_id", binding.InstanceID),
			slog.String("error", err.Error()))
	}

	metrics.ScaleUpsTotal.WithLabelValues(result.Method).Inc()
	metrics.WakeDuration.WithLabelValues(result.Method).Observe(s.now().Sub(start).Seconds())
	s.events.Record(models.FleetEvent{
		Type:       models.EventScaleUp,
		InstanceID: binding.InstanceID,
		Duration:   result.ColdStart,
		Detail: map[string]any{
			"method":              result.Method,
			"checkpoint_restored": result.CheckpointRestored,
		},
	})
	slog.Info("instance woke",
		slog.Int64("instance_id", binding.InstanceID),
		slog.String("method", result.Method),
		slog.Bool("checkpoint_restored", result.CheckpointRestored),
		slog.Duration("cold_start", result.ColdStart))
}

// instanceRate reads the hourly price off whichever instance survived
func (s *Scheduler) instanceRate(ctx context.Context, instanceID, newInstanceID int64) float64 {
	id := instanceID
	if newInstanceID != 0 {
		id = newInstanceID
	}
	inst, err := s.gpu.GetInstance(ctx, id)
	if err != nil {
		return 0
	}
	return inst.PricePerHr
}

// waitRunning polls until the instance is running and its shell
// answers, bounded by timeout
func (s *Scheduler) waitRunning(ctx context.Context, instanceID int64, timeout time.Duration) (*models.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := s.config()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		inst, err := s.gpu.GetInstance(ctx, instanceID)
		if err == nil && inst.IsRunning() && inst.Network.SSHHost != "" {
			if verr := s.verifyShell(ctx, inst.Network.SSHHost, inst.Network.SSHPort, cfg.SSHUser, cfg.SSHPrivateKey); verr == nil {
				return inst, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// autoDestroyLoop destroys instances that stayed paused past their
// destroy-after window
func (s *Scheduler) autoDestroyLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config().AutoDestroyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.destroyExpired(ctx)
		}
	}
}

func (s *Scheduler) destroyExpired(ctx context.Context) {
	expired, err := s.store.InstancesToDestroy(ctx, s.now().UTC())
	if err != nil {
		slog.Warn("auto-destroy scan failed", slog.String("error", err.Error()))
		return
	}

	for _, binding := range expired {
		s.destroyIfStillPaused(ctx, binding.InstanceID)
	}
}

// destroyIfStillPaused destroys one expired instance unless a wake won
// the race between the scan and the guard
func (s *Scheduler) destroyIfStillPaused(ctx context.Context, instanceID int64) {
	guard := s.guard(instanceID)
	guard.Lock()

	// Re-read under the guard; a wake may have raced the scan
	binding, err := s.store.Get(ctx, instanceID)
	if err != nil || binding.State != models.ServerlessPaused {
		guard.Unlock()
		return
	}

	if err := s.gpu.DestroyInstance(ctx, binding.InstanceID); err != nil {
		slog.Error("auto-destroy failed",
			slog.Int64("instance_id", binding.InstanceID),
			slog.String("error", err.Error()))
		guard.Unlock()
		return
	}

	binding.State = models.ServerlessDestroyed
	s.store.Upsert(ctx, binding)
	guard.Unlock()

	metrics.AutoDestroysTotal.Inc()
	s.events.Record(models.FleetEvent{
		Type:       models.EventAutoDestroy,
		InstanceID: binding.InstanceID,
		Detail:     map[string]any{"paused_at": binding.PausedAt},
	})
	slog.Info("paused instance auto-destroyed",
		slog.Int64("instance_id", binding.InstanceID))

	// The CPU standby survives only while it is holding data for a
	// failed GPU
	if s.standby != nil {
		if assoc, err := s.standby.GetAssociation(ctx, binding.InstanceID); err == nil && !assoc.GPUFailed {
			if err := s.standby.OnGPUDestroyed(ctx, binding.InstanceID); err != nil {
				slog.Warn("failed to release standby after auto-destroy",
					slog.Int64("instance_id", binding.InstanceID),
					slog.String("error", err.Error()))
			}
		}
	}
}
