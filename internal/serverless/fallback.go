package serverless

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	StrategySnapshot      = "snapshot"
	StrategyDiskMigration = "disk_migration"

	fallbackWaitTimeout = 5 * time.Minute
)

// FallbackStrategy revives a workload whose instance cannot be
// resumed, typically because the spot host was reclaimed. Strategies
// run in order; the first success wins.
type FallbackStrategy interface {
	Name() string
	Execute(ctx context.Context, binding *models.ServerlessBinding) (*models.Instance, error)
}

// snapshotter is the slice of the snapshot engine the fallback needs
type snapshotter interface {
	List(ctx context.Context, host string, port int, hostFilter string) ([]models.Snapshot, error)
	Restore(ctx context.Context, snapshotID, host string, port int, targetPath string, verify bool) (*models.RestoreResult, error)
}

// endpointSource locates the host currently holding the workload's
// data, letting the strategy confirm a snapshot exists before a
// replacement is paid for
type endpointSource interface {
	GetActiveEndpoint(ctx context.Context, gpuInstanceID int64) (*models.Endpoint, error)
}

// FallbackConfig is shared by the built-in strategies
type FallbackConfig struct {
	PriceCap      float64 // max hourly price for replacement offers
	Image         string
	WorkspacePath string
	SSHPublicKey  string
}

// SnapshotStrategy redeploys onto a fresh offer and restores the most
// recent workspace snapshot
type SnapshotStrategy struct {
	gpu       provider.GPUProvider
	snaps     snapshotter
	endpoints endpointSource
	cfg       FallbackConfig
}

// NewSnapshotStrategy builds the snapshot fallback
func NewSnapshotStrategy(gpu provider.GPUProvider, snaps snapshotter, cfg FallbackConfig) *SnapshotStrategy {
	return &SnapshotStrategy{gpu: gpu, snaps: snaps, cfg: cfg}
}

// WithEndpointSource points the strategy at the host holding the
// snapshot repository so it can fail fast when no snapshot exists
func (s *SnapshotStrategy) WithEndpointSource(src endpointSource) *SnapshotStrategy {
	s.endpoints = src
	return s
}

func (s *SnapshotStrategy) Name() string { return StrategySnapshot }

func (s *SnapshotStrategy) Execute(ctx context.Context, binding *models.ServerlessBinding) (*models.Instance, error) {
	tag := fmt.Sprintf("instance-%d", binding.InstanceID)

	// With an endpoint source the snapshot is located before any
	// replacement is created; a missing snapshot costs nothing.
	var located *models.Snapshot
	if s.endpoints != nil {
		ep, err := s.endpoints.GetActiveEndpoint(ctx, binding.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("locating snapshot host: %w", err)
		}
		snapshots, err := s.snaps.List(ctx, ep.Host, ep.Port, "")
		if err != nil {
			return nil, fmt.Errorf("listing snapshots: %w", err)
		}
		if located = latestTagged(snapshots, tag); located == nil {
			return nil, fmt.Errorf("no snapshot tagged %s", tag)
		}
	}

	inst, err := deployReplacement(ctx, s.gpu, binding, s.cfg)
	if err != nil {
		return nil, err
	}

	if located == nil {
		// No source configured; the repository is only reachable from
		// the replacement itself
		snapshots, err := s.snaps.List(ctx, inst.Network.SSHHost, inst.Network.SSHPort, "")
		if err != nil {
			s.gpu.DestroyInstance(ctx, inst.ID)
			return nil, fmt.Errorf("listing snapshots: %w", err)
		}
		if located = latestTagged(snapshots, tag); located == nil {
			s.gpu.DestroyInstance(ctx, inst.ID)
			return nil, fmt.Errorf("no snapshot tagged %s", tag)
		}
	}

	if _, err := s.snaps.Restore(ctx, located.ID, inst.Network.SSHHost, inst.Network.SSHPort, s.cfg.WorkspacePath, false); err != nil {
		s.gpu.DestroyInstance(ctx, inst.ID)
		return nil, fmt.Errorf("restoring snapshot %s: %w", located.ShortID, err)
	}
	return inst, nil
}

// DiskMigrationStrategy moves the instance's persistent disk to a new
// host. Only usable on providers that expose detachable disks.
type DiskMigrationStrategy struct {
	gpu provider.GPUProvider
	cfg FallbackConfig
}

// NewDiskMigrationStrategy builds the disk-migration fallback
func NewDiskMigrationStrategy(gpu provider.GPUProvider, cfg FallbackConfig) *DiskMigrationStrategy {
	return &DiskMigrationStrategy{gpu: gpu, cfg: cfg}
}

func (s *DiskMigrationStrategy) Name() string { return StrategyDiskMigration }

func (s *DiskMigrationStrategy) Execute(ctx context.Context, binding *models.ServerlessBinding) (*models.Instance, error) {
	diskID := binding.DiskID
	if diskID == "" {
		if inst, err := s.gpu.GetInstance(ctx, binding.InstanceID); err == nil {
			diskID = inst.DiskID
		}
	}
	if diskID == "" {
		return nil, fmt.Errorf("instance %d has no detachable disk", binding.InstanceID)
	}

	return deployReplacement(ctx, s.gpu, binding, s.cfg, func(req *models.CreateInstanceRequest) {
		req.DiskID = diskID
	})
}

// deployReplacement finds an offer under the price cap, creates an
// instance, and waits for it to come up. Partial creations are torn
// down before returning an error.
func deployReplacement(ctx context.Context, gpu provider.GPUProvider, binding *models.ServerlessBinding, cfg FallbackConfig, mutate ...func(*models.CreateInstanceRequest)) (*models.Instance, error) {
	offers, err := gpu.SearchOffers(ctx, models.OfferFilter{MaxPrice: cfg.PriceCap})
	if err != nil {
		return nil, fmt.Errorf("searching replacement offers: %w", err)
	}

	var offer *models.Offer
	for i := range offers {
		if offers[i].Available {
			offer = &offers[i]
			break
		}
	}
	if offer == nil {
		return nil, fmt.Errorf("no replacement offer under price cap %.2f", cfg.PriceCap)
	}

	req := models.CreateInstanceRequest{
		OfferID:      offer.ID,
		Image:        cfg.Image,
		Label:        fmt.Sprintf("fallback-%d", binding.InstanceID),
		SSHPublicKey: cfg.SSHPublicKey,
	}
	for _, fn := range mutate {
		fn(&req)
	}

	inst, err := gpu.CreateInstance(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("creating replacement: %w", err)
	}

	ready, err := waitInstanceRunning(ctx, gpu, inst.ID, fallbackWaitTimeout)
	if err != nil {
		gpu.DestroyInstance(ctx, inst.ID)
		return nil, fmt.Errorf("replacement never became ready: %w", err)
	}
	return ready, nil
}

func waitInstanceRunning(ctx context.Context, gpu provider.GPUProvider, id int64, timeout time.Duration) (*models.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		inst, err := gpu.GetInstance(ctx, id)
		if err == nil && inst.IsRunning() && inst.Network.SSHHost != "" {
			return inst, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// latestTagged picks the newest snapshot carrying the tag
func latestTagged(snapshots []models.Snapshot, tag string) *models.Snapshot {
	tagged := snapshots[:0:0]
	for _, s := range snapshots {
		for _, t := range s.Tags {
			if t == tag {
				tagged = append(tagged, s)
				break
			}
		}
	}
	if len(tagged) == 0 {
		return nil
	}
	sort.Slice(tagged, func(i, j int) bool { return tagged[i].Time.After(tagged[j].Time) })
	return &tagged[0]
}
