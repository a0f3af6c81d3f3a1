package standby

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gpufleet/gpufleet/internal/filetransfer"
	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/ssh"
	"github.com/gpufleet/gpufleet/internal/syncloop"
	"github.com/gpufleet/gpufleet/pkg/models"
)

// startSyncLoop launches the workspace mirror for a pair
func (m *Manager) startSyncLoop(inst *models.Instance, assoc *models.StandbyAssociation) error {
	if !assoc.SyncEnabled {
		return nil
	}

	m.mu.Lock()
	if existing, ok := m.loops[assoc.GPUInstanceID]; ok {
		m.mu.Unlock()
		existing.Stop()
		m.mu.Lock()
	}
	cfg := m.cfg
	m.mu.Unlock()

	loop, err := m.newLoop(syncloop.Config{
		GPUInstanceID: assoc.GPUInstanceID,
		Source: filetransfer.Credentials{
			Host:       inst.Network.SSHHost,
			Port:       inst.Network.SSHPort,
			User:       cfg.SSHUser,
			PrivateKey: []byte(cfg.SSHPrivateKey),
		},
		Dest: filetransfer.Credentials{
			Host:       assoc.CPUHost,
			Port:       assoc.CPUPort,
			User:       assoc.CPUUser,
			PrivateKey: []byte(cfg.SSHPrivateKey),
		},
		SourcePath:   assoc.WorkspacePath,
		DestPath:     assoc.WorkspacePath,
		RelayDir:     filepath.Join(cfg.RelayRoot, fmt.Sprintf("gpufleet-relay-%d", assoc.GPUInstanceID)),
		Interval:     cfg.SyncInterval,
		BandwidthCap: cfg.BandwidthCap,
		DestSpace:    ssh.NewDiskProbe(assoc.CPUHost, assoc.CPUPort, assoc.CPUUser, cfg.SSHPrivateKey),
		MinFreeGB:    cfg.MinFreeGB,
		Events:       m.events,
		OnRound:      m.persistRound,
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.loops[assoc.GPUInstanceID] = loop
	m.mu.Unlock()

	loop.Start(context.Background())
	return nil
}

// persistRound folds sync counters back into the association row
func (m *Manager) persistRound(result syncloop.RoundResult) {
	if result.Err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	assoc, err := m.store.Get(ctx, result.GPUInstanceID)
	if err != nil {
		return
	}
	assoc.SyncCount++
	assoc.LastSyncAt = m.now().UTC()
	assoc.LastSyncBytes = result.BytesCopied
	// provisioning and syncing are transitional: the pair has no
	// complete mirror round yet. The first completed round establishes
	// the mirror, so both promote to ready.
	if assoc.State == models.PairProvisioning || assoc.State == models.PairSyncing {
		assoc.State = models.PairReady
	}
	if err := m.store.Upsert(ctx, assoc); err != nil {
		slog.Warn("failed to persist sync counters",
			slog.Int64("gpu_instance_id", result.GPUInstanceID),
			slog.String("error", err.Error()))
	}
}

// startHealthLoop polls GPU instance status and triggers failover when
// the instance stays unhealthy past the threshold
func (m *Manager) startHealthLoop(gpuInstanceID int64) {
	m.mu.Lock()
	if cancel, ok := m.healthCancels[gpuInstanceID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.healthCancels[gpuInstanceID] = cancel
	interval := m.cfg.HealthCheckInterval
	threshold := m.cfg.FailoverThreshold
	autoFailover := m.cfg.AutoFailover
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		failed := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				healthy := m.checkHealth(ctx, gpuInstanceID)
				if healthy {
					failed = 0
					continue
				}
				failed++
				m.recordFailedCheck(ctx, gpuInstanceID, failed)
				if failed >= threshold && autoFailover {
					slog.Warn("gpu instance unhealthy past threshold, triggering failover",
						slog.Int64("gpu_instance_id", gpuInstanceID),
						slog.Int("failed_checks", failed))
					// Fresh context: MarkGPUFailed cancels this loop's own
					if err := m.MarkGPUFailed(context.Background(), gpuInstanceID, models.FailureGPU); err != nil {
						slog.Error("failover failed",
							slog.Int64("gpu_instance_id", gpuInstanceID),
							slog.String("error", err.Error()))
						continue
					}
					return
				}
			}
		}
	}()
}

func (m *Manager) checkHealth(ctx context.Context, gpuInstanceID int64) bool {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	inst, err := m.gpu.GetInstance(cctx, gpuInstanceID)
	if err != nil {
		return false
	}
	return inst.IsRunning()
}

func (m *Manager) recordFailedCheck(ctx context.Context, gpuInstanceID int64, failed int) {
	assoc, err := m.store.Get(ctx, gpuInstanceID)
	if err != nil {
		return
	}
	assoc.FailedHealth = failed
	m.store.Upsert(ctx, assoc)
}

// runRecovery replaces a failed GPU: find an offer, create, wait for
// shell, relay the workspace from the CPU custodian, re-key the
// association, restart sync. Bounded attempts; on exhaustion the CPU
// stays the sole endpoint.
func (m *Manager) runRecovery(ctx context.Context, assoc *models.StandbyAssociation) {
	m.events.Record(models.FleetEvent{
		Type:       models.EventRecoveryStarted,
		InstanceID: assoc.GPUInstanceID,
	})

	assoc.State = models.PairRecovering
	m.store.Upsert(ctx, assoc)

	for attempt := 1; attempt <= recoveryMaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		newInst, err := m.recoverOnce(ctx, assoc)
		if err != nil {
			slog.Warn("recovery attempt failed",
				slog.Int64("gpu_instance_id", assoc.GPUInstanceID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			metrics.RecoveriesTotal.WithLabelValues("failure").Inc()

			select {
			case <-ctx.Done():
				return
			case <-time.After(recoveryRetryDelay):
			}
			continue
		}

		// Re-key: the association follows the replacement GPU. The CPU
		// standby is retained as-is; it already holds the data.
		oldID := assoc.GPUInstanceID
		m.store.Delete(ctx, oldID)
		assoc.GPUInstanceID = newInst.ID
		assoc.State = models.PairSyncing
		assoc.GPUFailed = false
		assoc.FailureReason = models.FailureNone
		assoc.FailedHealth = 0
		if err := m.store.Upsert(ctx, assoc); err != nil {
			slog.Error("recovered gpu but failed to persist association",
				slog.Int64("new_gpu_instance_id", newInst.ID),
				slog.String("error", err.Error()))
			return
		}

		if err := m.startSyncLoop(newInst, assoc); err != nil {
			slog.Warn("recovered gpu but sync loop failed to start",
				slog.Int64("gpu_instance_id", newInst.ID),
				slog.String("error", err.Error()))
		}
		m.startHealthLoop(newInst.ID)

		metrics.RecoveriesTotal.WithLabelValues("success").Inc()
		m.events.Record(models.FleetEvent{
			Type:       models.EventResumeOK,
			InstanceID: newInst.ID,
			Detail:     map[string]any{"replaced_gpu_instance_id": oldID, "attempts": attempt},
		})
		m.updatePairMetrics(ctx)

		slog.Info("gpu recovered",
			slog.Int64("old_gpu_instance_id", oldID),
			slog.Int64("new_gpu_instance_id", newInst.ID),
			slog.Int("attempts", attempt))
		return
	}

	slog.Error("recovery exhausted, cpu standby remains the active endpoint",
		slog.Int64("gpu_instance_id", assoc.GPUInstanceID),
		slog.Int("attempts", recoveryMaxAttempts))
	assoc.State = models.PairFailoverActive
	m.store.Upsert(ctx, assoc)
}

func (m *Manager) recoverOnce(ctx context.Context, assoc *models.StandbyAssociation) (*models.Instance, error) {
	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()

	offers, err := m.gpu.SearchOffers(ctx, models.OfferFilter{
		MinVRAM:  cfg.RecoveryMinVRAM,
		MaxPrice: cfg.RecoveryMaxPrice,
	})
	if err != nil {
		return nil, fmt.Errorf("searching replacement offers: %w", err)
	}
	offers = orderByRegionPreference(offers, cfg.RecoveryRegions)

	var offer *models.Offer
	for i := range offers {
		o := &offers[i]
		if !o.Available {
			continue
		}
		if m.blacklist != nil {
			if blocked, err := m.blacklist.IsBlacklisted(ctx, o.Provider, o.MachineID); err == nil && blocked {
				continue
			}
		}
		offer = o
		break
	}
	if offer == nil {
		return nil, fmt.Errorf("no acceptable replacement offer")
	}

	inst, err := m.gpu.CreateInstance(ctx, models.CreateInstanceRequest{
		OfferID:      offer.ID,
		Image:        cfg.RecoveryImage,
		Label:        fmt.Sprintf("recovered-%d", assoc.GPUInstanceID),
		SSHPublicKey: cfg.SSHPublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("creating replacement instance: %w", err)
	}

	ready, err := m.waitRunning(ctx, inst.ID)
	if err != nil {
		m.gpu.DestroyInstance(ctx, inst.ID)
		return nil, fmt.Errorf("replacement instance never became ready: %w", err)
	}

	if err := m.verifyShell(ctx, ready.Network.SSHHost, ready.Network.SSHPort, cfg.SSHUser, cfg.SSHPrivateKey); err != nil {
		m.gpu.DestroyInstance(ctx, inst.ID)
		return nil, fmt.Errorf("replacement instance shell unreachable: %w", err)
	}

	// Relay the custodian's workspace onto the fresh GPU
	from := filetransfer.Credentials{
		Host: assoc.CPUHost, Port: assoc.CPUPort, User: assoc.CPUUser,
		PrivateKey: []byte(cfg.SSHPrivateKey),
	}
	to := filetransfer.Credentials{
		Host: ready.Network.SSHHost, Port: ready.Network.SSHPort, User: cfg.SSHUser,
		PrivateKey: []byte(cfg.SSHPrivateKey),
	}
	if err := m.relay(ctx, from, to, assoc.WorkspacePath); err != nil {
		m.gpu.DestroyInstance(ctx, inst.ID)
		return nil, fmt.Errorf("relaying workspace to replacement: %w", err)
	}

	return ready, nil
}

// waitRunning polls until the instance reports running
func (m *Manager) waitRunning(ctx context.Context, id int64) (*models.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, provisionTimeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		inst, err := m.gpu.GetInstance(ctx, id)
		if err == nil && inst.IsRunning() && inst.Network.SSHHost != "" {
			return inst, nil
		}

		select {
		case <-ctx.Done():
			if err != nil {
				return nil, err
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// relayWorkspace copies a directory between two instances through the
// control host
func (m *Manager) relayWorkspace(ctx context.Context, from, to filetransfer.Credentials, path string) error {
	relay, err := os.MkdirTemp("", "gpufleet-recovery-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(relay)

	src := filetransfer.New(from, filetransfer.WithExcludes(filetransfer.DefaultExcludes))
	if _, err := src.Pull(ctx, path, relay); err != nil {
		return fmt.Errorf("pulling workspace from custodian: %w", err)
	}

	dst := filetransfer.New(to, filetransfer.WithExcludes(filetransfer.DefaultExcludes))
	if _, err := dst.Push(ctx, relay, path); err != nil {
		return fmt.Errorf("pushing workspace to replacement: %w", err)
	}
	return nil
}

// orderByRegionPreference stably sorts offers so that geolocations
// matching earlier preferred regions come first
func orderByRegionPreference(offers []models.Offer, preferred []string) []models.Offer {
	if len(preferred) == 0 {
		return offers
	}

	rank := func(o models.Offer) int {
		geo := strings.ToLower(o.Geolocation)
		for i, region := range preferred {
			if strings.Contains(geo, strings.ToLower(region)) {
				return i
			}
		}
		return len(preferred)
	}

	sorted := append([]models.Offer(nil), offers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return rank(sorted[i]) < rank(sorted[j])
	})
	return sorted
}

func (m *Manager) updatePairMetrics(ctx context.Context) {
	assocs, err := m.store.List(ctx)
	if err != nil {
		return
	}
	counts := make(map[models.PairState]int)
	for _, a := range assocs {
		counts[a.State]++
	}
	for _, state := range []models.PairState{
		models.PairProvisioning, models.PairSyncing, models.PairReady,
		models.PairFailoverActive, models.PairRecovering, models.PairError,
	} {
		metrics.StandbyPairs.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
