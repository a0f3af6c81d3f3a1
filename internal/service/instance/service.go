// Package instance orchestrates the instance lifecycle: offer search
// with reliability annotation, pre-create validation, creation with
// attempt recording and standby enqueue, reason-aware teardown, and
// snapshot-based migration between hosts.
package instance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	// DefaultProvisionTimeout bounds the wait for a new instance to
	// reach running with a shell endpoint
	DefaultProvisionTimeout = 5 * time.Minute

	// teardownTimeout bounds best-effort destroys of partial creations
	teardownTimeout = 30 * time.Second
)

// historyTracker is the slice of the machine history tracker the
// service drives
type historyTracker interface {
	AnnotateOffers(ctx context.Context, offers []models.Offer) ([]models.Offer, error)
	RecordAttempt(ctx context.Context, attempt *models.CreationAttempt) (int64, error)
	BeginAttempt(ctx context.Context, attempt *models.CreationAttempt) (int64, error)
	FinishAttempt(ctx context.Context, attempt *models.CreationAttempt) error
}

// standbyHooks is what the lifecycle path needs from the standby manager
type standbyHooks interface {
	IsConfigured() bool
	IsAutoStandbyEnabled() bool
	OnGPUCreated(ctx context.Context, gpuInstanceID int64, label string) (*models.StandbyAssociation, error)
	OnGPUDestroyed(ctx context.Context, gpuInstanceID int64) error
	MarkGPUFailed(ctx context.Context, gpuInstanceID int64, reason models.FailureReason) error
	GetAssociation(ctx context.Context, gpuInstanceID int64) (*models.StandbyAssociation, error)
}

// snapshotEngine is the slice of the snapshot engine migration uses
type snapshotEngine interface {
	Create(ctx context.Context, host string, port int, sourcePath string, tags []string) (*models.SnapshotSummary, error)
	Restore(ctx context.Context, snapshotID, host string, port int, targetPath string, verify bool) (*models.RestoreResult, error)
}

// usageTracker feeds the billing ledger. Failures here never fail the
// lifecycle call.
type usageTracker interface {
	TrackStart(ctx context.Context, inst *models.Instance) error
	TrackStop(ctx context.Context, instanceID int64) error
}

// Config holds the service defaults
type Config struct {
	Image            string // default container image for migrations
	WorkspacePath    string
	SSHPublicKey     string
	ProvisionTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.WorkspacePath == "" {
		c.WorkspacePath = "/workspace"
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = DefaultProvisionTimeout
	}
}

// Service composes the providers and trackers behind the instance API
type Service struct {
	gpu     provider.GPUProvider
	history historyTracker
	standby standbyHooks
	snaps   snapshotEngine
	usage   usageTracker
	events  models.EventSink
	cfg     Config

	now func() time.Time
}

// Option configures the Service
type Option func(*Service)

// WithStandby enables automatic standby provisioning on create
func WithStandby(hooks standbyHooks) Option {
	return func(s *Service) {
		s.standby = hooks
	}
}

// WithSnapshots enables snapshot-based migration
func WithSnapshots(engine snapshotEngine) Option {
	return func(s *Service) {
		s.snaps = engine
	}
}

// WithUsageTracking enables best-effort billing
func WithUsageTracking(usage usageTracker) Option {
	return func(s *Service) {
		s.usage = usage
	}
}

// WithEventSink sets where lifecycle events are recorded
func WithEventSink(sink models.EventSink) Option {
	return func(s *Service) {
		s.events = sink
	}
}

// WithClock overrides the time source (for testing)
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New wires the instance service over a GPU provider and the machine
// history tracker
func New(gpu provider.GPUProvider, history historyTracker, cfg Config, opts ...Option) *Service {
	cfg.applyDefaults()
	s := &Service{
		gpu:     gpu,
		history: history,
		events:  models.NopSink{},
		cfg:     cfg,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SearchOffers returns annotated offers. Blacklisted machines are
// dropped unless the filter opts in; the region filter matches a
// geolocation substring case-insensitively.
func (s *Service) SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error) {
	offers, err := s.gpu.SearchOffers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("searching offers: %w", err)
	}

	if filter.Region != "" {
		region := strings.ToLower(filter.Region)
		kept := offers[:0]
		for _, o := range offers {
			if strings.Contains(strings.ToLower(o.Geolocation), region) {
				kept = append(kept, o)
			}
		}
		offers = kept
	}

	offers, err = s.history.AnnotateOffers(ctx, offers)
	if err != nil {
		return nil, fmt.Errorf("annotating offers: %w", err)
	}

	if !filter.IncludeBlacklist {
		kept := offers[:0]
		for _, o := range offers {
			if !o.IsBlacklisted {
				kept = append(kept, o)
			}
		}
		offers = kept
	}
	return offers, nil
}

// ValidateBeforeCreate runs the pre-create checks in order: provider
// reachability, balance covering at least one hour of the offer, offer
// still available. The returned Validation carries classified issues;
// the error return is reserved for internal failures.
func (s *Service) ValidateBeforeCreate(ctx context.Context, offerID string) (*Validation, error) {
	v := &Validation{}

	balance, err := s.gpu.GetBalance(ctx)
	if err != nil {
		v.addError(CodeServiceUnavailable, "provider %s is unreachable: %v", s.gpu.Name(), err)
		return v, nil
	}

	offer, err := s.findOffer(ctx, offerID)
	if err != nil {
		v.addError(CodeServiceUnavailable, "offer lookup failed: %v", err)
		return v, nil
	}

	if offer != nil {
		available := balance.Credit + balance.Balance
		if available < offer.PricePerHr {
			v.addError(CodeInsufficientBalance,
				"balance %.2f does not cover one hour at %.2f/hr", available, offer.PricePerHr)
		}
	}

	switch {
	case offer == nil:
		v.addError(CodeOfferUnavailable, "offer %s not found", offerID)
	case !offer.Available:
		v.addError(CodeOfferUnavailable, "offer %s is no longer available", offerID)
	default:
		if offer.IsBlacklisted {
			v.addWarning("machine %s is blacklisted", offer.MachineID)
		}
		if offer.ReliabilityStatus == models.ReliabilityPoor {
			v.addWarning("machine %s has a poor creation history (%.0f%% success over %d attempts)",
				offer.MachineID, offer.SuccessRate*100, offer.TotalAttempts)
		}
	}

	v.Valid = len(v.Errors) == 0
	return v, nil
}

// CreateInstance turns an offer into a running instance. Every call
// leaves a creation attempt in the history store, success or not. When
// the standby manager is armed, CPU provisioning is enqueued in the
// background; its failure never fails the create.
func (s *Service) CreateInstance(ctx context.Context, req models.CreateInstanceRequest, skipValidation bool) (*models.Instance, error) {
	if req.OfferID == "" {
		return nil, fmt.Errorf("offer id is required")
	}

	if !skipValidation {
		v, err := s.ValidateBeforeCreate(ctx, req.OfferID)
		if err != nil {
			return nil, err
		}
		if !v.Valid {
			return nil, &ValidationError{Issues: v.Errors}
		}
	}

	started := s.now()
	attempt := &models.CreationAttempt{
		Provider:    s.gpu.Name(),
		OfferID:     req.OfferID,
		AttemptedAt: started.UTC(),
	}
	if offer, err := s.findOffer(ctx, req.OfferID); err == nil && offer != nil {
		attempt.MachineID = offer.MachineID
		attempt.GPUType = offer.Hardware.GPUType
		attempt.Price = offer.PricePerHr
	}

	// The pending row goes in before the provider call so the audit
	// survives a lost response
	s.beginAttempt(attempt)

	inst, err := s.gpu.CreateInstance(ctx, req)
	if err != nil {
		attempt.FailureStage = classifyCreateFailure(err)
		attempt.FailureReason = err.Error()
		s.finishAttempt(attempt)
		return nil, fmt.Errorf("creating instance from offer %s: %w", req.OfferID, err)
	}
	if attempt.MachineID == "" {
		attempt.MachineID = inst.MachineID
	}

	if ctx.Err() != nil {
		// The caller gave up mid-create; do not leak the instance.
		dctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if derr := s.gpu.DestroyInstance(dctx, inst.ID); derr != nil {
			slog.Error("failed to tear down canceled creation",
				slog.Int64("instance_id", inst.ID),
				slog.String("error", derr.Error()))
		}
		attempt.FailureStage = models.StageProvisionTimeout
		attempt.FailureReason = ctx.Err().Error()
		s.finishAttempt(attempt)
		return nil, ctx.Err()
	}

	attempt.Success = true
	attempt.InstanceID = inst.ID
	attempt.TimeToReady = s.now().Sub(started).Seconds()
	s.finishAttempt(attempt)

	if s.usage != nil {
		if err := s.usage.TrackStart(ctx, inst); err != nil {
			slog.Warn("usage tracking failed to start",
				slog.Int64("instance_id", inst.ID),
				slog.String("error", err.Error()))
		}
	}

	if s.standby != nil && s.standby.IsConfigured() && s.standby.IsAutoStandbyEnabled() {
		go func(id int64, label string) {
			if _, err := s.standby.OnGPUCreated(context.Background(), id, label); err != nil {
				slog.Warn("standby provisioning failed; instance continues without standby",
					slog.Int64("instance_id", id),
					slog.String("error", err.Error()))
			}
		}(inst.ID, req.Label)
	}

	slog.Info("instance created",
		slog.Int64("instance_id", inst.ID),
		slog.String("provider", inst.Provider),
		slog.String("offer_id", req.OfferID),
		slog.Float64("price_per_hour", inst.PricePerHr))
	return inst, nil
}

// DestroyInstance tears down an instance. Usage tracking always stops.
// When a standby pair exists the reason decides its fate: a failure
// reason preserves the CPU as the data custodian, a user request
// destroys it if asked.
func (s *Service) DestroyInstance(ctx context.Context, id int64, destroyStandby bool, reason models.FailureReason) error {
	if reason == models.FailureNone {
		reason = models.FailureUserRequest
	}

	destroyErr := s.gpu.DestroyInstance(ctx, id)

	if s.usage != nil {
		if err := s.usage.TrackStop(ctx, id); err != nil {
			slog.Warn("usage tracking failed to stop",
				slog.Int64("instance_id", id),
				slog.String("error", err.Error()))
		}
	}
	if destroyErr != nil {
		return fmt.Errorf("destroying instance %d: %w", id, destroyErr)
	}

	if s.standby != nil && s.standby.IsConfigured() {
		if _, err := s.standby.GetAssociation(ctx, id); err == nil {
			switch {
			case reason.PreservesStandby():
				if err := s.standby.MarkGPUFailed(ctx, id, reason); err != nil {
					slog.Warn("failed to mark gpu failed on standby pair",
						slog.Int64("instance_id", id),
						slog.String("error", err.Error()))
				}
			case destroyStandby:
				if err := s.standby.OnGPUDestroyed(ctx, id); err != nil {
					slog.Warn("failed to tear down standby pair",
						slog.Int64("instance_id", id),
						slog.String("error", err.Error()))
				}
			}
		}
	}

	slog.Info("instance destroyed",
		slog.Int64("instance_id", id),
		slog.String("reason", string(reason)))
	return nil
}

// PauseInstance suspends a running instance
func (s *Service) PauseInstance(ctx context.Context, id int64) error {
	if err := s.gpu.PauseInstance(ctx, id); err != nil {
		return fmt.Errorf("pausing instance %d: %w", id, err)
	}
	slog.Info("instance paused", slog.Int64("instance_id", id))
	return nil
}

// ResumeInstance resumes a paused instance
func (s *Service) ResumeInstance(ctx context.Context, id int64) error {
	if err := s.gpu.ResumeInstance(ctx, id); err != nil {
		return fmt.Errorf("resuming instance %d: %w", id, err)
	}
	slog.Info("instance resumed", slog.Int64("instance_id", id))
	return nil
}

// GetInstance returns one instance from the provider
func (s *Service) GetInstance(ctx context.Context, id int64) (*models.Instance, error) {
	return s.gpu.GetInstance(ctx, id)
}

// ListInstances returns all instances owned by the account
func (s *Service) ListInstances(ctx context.Context) ([]models.Instance, error) {
	return s.gpu.ListInstances(ctx)
}

// MigrateRequest describes a workspace move to a different host
type MigrateRequest struct {
	InstanceID    int64
	TargetGPUType string
	MaxPrice      float64
	DestroySource bool
}

// MigrationResult reports where the workload landed
type MigrationResult struct {
	NewInstance     *models.Instance `json:"new_instance"`
	SnapshotID      string           `json:"snapshot_id"`
	SourceDestroyed bool             `json:"source_destroyed"`
}

// MigrateInstance snapshots the source workspace, provisions a fresh
// instance on a matching offer, and restores the snapshot onto it. The
// source survives unless the request says otherwise.
func (s *Service) MigrateInstance(ctx context.Context, req MigrateRequest) (*MigrationResult, error) {
	if s.snaps == nil {
		return nil, fmt.Errorf("migration requires a snapshot engine")
	}

	src, err := s.gpu.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("looking up source instance %d: %w", req.InstanceID, err)
	}
	if !src.IsRunning() || src.Network.SSHHost == "" {
		return nil, fmt.Errorf("source instance %d is not running with a shell endpoint", req.InstanceID)
	}

	tags := []string{fmt.Sprintf("instance-%d", src.ID), "migrate"}
	summary, err := s.snaps.Create(ctx, src.Network.SSHHost, src.Network.SSHPort, s.cfg.WorkspacePath, tags)
	if err != nil {
		return nil, fmt.Errorf("snapshotting source workspace: %w", err)
	}

	offers, err := s.SearchOffers(ctx, models.OfferFilter{
		GPUType:  req.TargetGPUType,
		MaxPrice: req.MaxPrice,
	})
	if err != nil {
		return nil, err
	}
	var target *models.Offer
	for i := range offers {
		if offers[i].Available {
			target = &offers[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("no available offer for migration target")
	}

	image := src.Image
	if image == "" {
		image = s.cfg.Image
	}
	dst, err := s.CreateInstance(ctx, models.CreateInstanceRequest{
		OfferID:      target.ID,
		Image:        image,
		DiskGB:       src.Hardware.DiskGB,
		Label:        fmt.Sprintf("migrated-%d", src.ID),
		SSHPublicKey: s.cfg.SSHPublicKey,
	}, true)
	if err != nil {
		return nil, fmt.Errorf("creating migration target: %w", err)
	}

	ready, err := s.waitRunning(ctx, dst.ID)
	if err != nil {
		s.teardown(dst.ID)
		return nil, fmt.Errorf("migration target never became ready: %w", err)
	}

	if _, err := s.snaps.Restore(ctx, summary.SnapshotID, ready.Network.SSHHost, ready.Network.SSHPort, s.cfg.WorkspacePath, false); err != nil {
		s.teardown(dst.ID)
		return nil, fmt.Errorf("restoring workspace onto target: %w", err)
	}

	result := &MigrationResult{NewInstance: ready, SnapshotID: summary.SnapshotID}
	if req.DestroySource {
		if err := s.DestroyInstance(ctx, src.ID, true, models.FailureUserRequest); err != nil {
			slog.Warn("migration succeeded but source teardown failed",
				slog.Int64("source_id", src.ID),
				slog.String("error", err.Error()))
		} else {
			result.SourceDestroyed = true
		}
	}

	s.events.Record(models.FleetEvent{
		Type:       models.EventMigrated,
		InstanceID: src.ID,
		Detail: map[string]any{
			"new_instance_id": ready.ID,
			"snapshot_id":     summary.SnapshotID,
		},
	})
	slog.Info("instance migrated",
		slog.Int64("source_id", src.ID),
		slog.Int64("new_instance_id", ready.ID),
		slog.String("snapshot_id", summary.SnapshotID))
	return result, nil
}

// findOffer locates one offer by id, annotated with history
func (s *Service) findOffer(ctx context.Context, offerID string) (*models.Offer, error) {
	offers, err := s.gpu.SearchOffers(ctx, models.OfferFilter{})
	if err != nil {
		return nil, err
	}
	for i := range offers {
		if offers[i].ID == offerID {
			annotated, err := s.history.AnnotateOffers(ctx, offers[i:i+1])
			if err != nil {
				return nil, err
			}
			return &annotated[0], nil
		}
	}
	return nil, nil
}

func (s *Service) waitRunning(ctx context.Context, id int64) (*models.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProvisionTimeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		inst, err := s.gpu.GetInstance(ctx, id)
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

func (s *Service) teardown(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := s.gpu.DestroyInstance(ctx, id); err != nil {
		slog.Warn("failed to tear down partial migration target",
			slog.Int64("instance_id", id),
			slog.String("error", err.Error()))
	}
}

func (s *Service) beginAttempt(attempt *models.CreationAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := s.history.BeginAttempt(ctx, attempt)
	if err != nil {
		slog.Warn("failed to record pending creation attempt",
			slog.String("provider", attempt.Provider),
			slog.String("machine_id", attempt.MachineID),
			slog.String("error", err.Error()))
		return
	}
	attempt.ID = id
}

func (s *Service) finishAttempt(attempt *models.CreationAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if attempt.ID == 0 {
		// The pending row never landed, usually because the machine id
		// was unknown until the provider answered. Record the settled
		// attempt whole.
		if _, err := s.history.RecordAttempt(ctx, attempt); err != nil {
			slog.Warn("failed to record creation attempt",
				slog.String("provider", attempt.Provider),
				slog.String("machine_id", attempt.MachineID),
				slog.String("error", err.Error()))
		}
		return
	}

	if err := s.history.FinishAttempt(ctx, attempt); err != nil {
		slog.Warn("failed to settle creation attempt",
			slog.String("provider", attempt.Provider),
			slog.String("machine_id", attempt.MachineID),
			slog.String("error", err.Error()))
	}
}

func classifyCreateFailure(err error) models.FailureStage {
	if provider.IsOfferUnavailable(err) {
		return models.StageOfferTaken
	}
	return models.StageAPIError
}
