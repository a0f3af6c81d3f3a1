// Package serverless suspends idle GPU instances and wakes them on
// demand. Paused instances bill at the provider's storage rate instead
// of the full GPU rate; the difference is credited as savings.
package serverless

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/internal/ssh"
	"github.com/gpufleet/gpufleet/internal/storage"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	DefaultCheckInterval       = 1 * time.Second
	DefaultAutoDestroyInterval = 5 * time.Minute
	DefaultMinRuntime          = 60 * time.Second
	DefaultSSHVerifyTimeout    = 2 * time.Minute
	DefaultGPUThreshold        = 10.0 // percent
	DefaultIdleRateFraction    = 0.1  // storage rate as a fraction of the GPU rate
)

// checkpointer is the slice of the checkpoint engine fast mode needs
type checkpointer interface {
	CreateCheckpoint(ctx context.Context, instanceID int64, host string, port int, id string) (*models.Checkpoint, error)
	RestoreCheckpoint(ctx context.Context, instanceID int64, host string, port int, id string) (int, error)
}

// standbyManager is the slice of the standby manager auto-destroy needs
type standbyManager interface {
	GetAssociation(ctx context.Context, gpuInstanceID int64) (*models.StandbyAssociation, error)
	OnGPUDestroyed(ctx context.Context, gpuInstanceID int64) error
}

// Config is the one-time scheduler configuration
type Config struct {
	CheckInterval       time.Duration
	AutoDestroyInterval time.Duration
	MinRuntime          time.Duration
	SSHVerifyTimeout    time.Duration

	SSHUser       string
	SSHPrivateKey string

	// IdleRateFraction is what a paused instance still costs, as a
	// fraction of its running rate
	IdleRateFraction float64

	// FallbackPriceCap bounds offers considered by fallback strategies
	FallbackPriceCap float64

	WorkspacePath string
	Image         string // template image for fallback redeploys
}

func (c *Config) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.AutoDestroyInterval <= 0 {
		c.AutoDestroyInterval = DefaultAutoDestroyInterval
	}
	if c.MinRuntime <= 0 {
		c.MinRuntime = DefaultMinRuntime
	}
	if c.SSHVerifyTimeout <= 0 {
		c.SSHVerifyTimeout = DefaultSSHVerifyTimeout
	}
	if c.IdleRateFraction <= 0 || c.IdleRateFraction >= 1 {
		c.IdleRateFraction = DefaultIdleRateFraction
	}
	if c.WorkspacePath == "" {
		c.WorkspacePath = "/workspace"
	}
}

// Scheduler owns all serverless bindings. Process-wide singleton; all
// operations except Configure fail until Configure succeeds.
type Scheduler struct {
	mu         sync.RWMutex
	configured bool
	cfg        Config

	gpu        provider.GPUProvider
	store      *storage.ServerlessStore
	events     models.EventSink
	ckpt       checkpointer
	standby    standbyManager
	strategies []FallbackStrategy

	// per-instance guards: paused -> waking -> running is linearized
	guardMu sync.Mutex
	guards  map[int64]*sync.Mutex

	// inflight requests per instance
	inflightMu sync.Mutex
	inflight   map[int64]int

	cancel context.CancelFunc
	wg     sync.WaitGroup

	verifyShell func(ctx context.Context, host string, port int, user, privateKey string) error
	now         func() time.Time
}

// Option configures the Scheduler
type Option func(*Scheduler)

// WithCheckpointer enables fast-mode checkpointing
func WithCheckpointer(c checkpointer) Option {
	return func(s *Scheduler) {
		s.ckpt = c
	}
}

// WithStandby lets auto-destroy consult the standby association
func WithStandby(m standbyManager) Option {
	return func(s *Scheduler) {
		s.standby = m
	}
}

// WithFallbacks sets the ordered strategy chain for failed resumes
func WithFallbacks(strategies ...FallbackStrategy) Option {
	return func(s *Scheduler) {
		s.strategies = strategies
	}
}

// WithClock overrides the time source (for testing)
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// NewScheduler wires the scheduler; Configure arms it
func NewScheduler(store *storage.ServerlessStore, events models.EventSink, opts ...Option) *Scheduler {
	if events == nil {
		events = models.NopSink{}
	}
	s := &Scheduler{
		store:    store,
		events:   events,
		guards:   make(map[int64]*sync.Mutex),
		inflight: make(map[int64]int),
		now:      time.Now,
	}
	s.verifyShell = func(ctx context.Context, host string, port int, user, privateKey string) error {
		return ssh.NewVerifier().VerifyOnce(ctx, host, port, user, privateKey)
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configure arms the scheduler and starts its loops
func (s *Scheduler) Configure(cfg Config, gpu provider.GPUProvider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.configured {
		return fmt.Errorf("serverless scheduler already configured")
	}
	if gpu == nil {
		return fmt.Errorf("gpu provider is required")
	}
	cfg.applyDefaults()

	s.cfg = cfg
	s.gpu = gpu
	s.configured = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go s.scaleDownLoop(ctx)
	go s.autoDestroyLoop(ctx)

	slog.Info("serverless scheduler configured",
		slog.Duration("check_interval", cfg.CheckInterval),
		slog.Duration("min_runtime", cfg.MinRuntime))
	return nil
}

// Shutdown stops the loops; in-flight wakes complete
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Enable opts an instance into auto-suspend. A non-zero destroyAfter
// arms the auto-destroy loop for the binding.
func (s *Scheduler) Enable(ctx context.Context, instanceID int64, mode models.ServerlessMode, idleTimeout, destroyAfter time.Duration, gpuThreshold float64, keepWarm, checkpointEnabled bool) (*models.ServerlessBinding, error) {
	if err := s.requireConfigured(); err != nil {
		return nil, err
	}

	switch mode {
	case models.ModeFast, models.ModeEconomic, models.ModeSpot:
	case "":
		mode = models.ModeEconomic
	default:
		return nil, fmt.Errorf("unknown serverless mode %q", mode)
	}
	if idleTimeout < models.MinIdleTimeout {
		return nil, fmt.Errorf("idle timeout must be at least %s", models.MinIdleTimeout)
	}
	if destroyAfter < 0 {
		return nil, fmt.Errorf("destroy-after window must not be negative")
	}
	if gpuThreshold <= 0 {
		gpuThreshold = DefaultGPUThreshold
	}
	if mode == models.ModeFast && checkpointEnabled && s.ckpt == nil {
		return nil, fmt.Errorf("fast mode requires a checkpoint engine")
	}

	now := s.now().UTC()
	binding := &models.ServerlessBinding{
		InstanceID:   instanceID,
		Mode:         mode,
		IdleTimeout:  idleTimeout,
		DestroyAfter: destroyAfter,
		GPUThreshold: gpuThreshold,
		KeepWarm:     keepWarm,
		CheckpointOn: checkpointEnabled,
		State:        models.ServerlessRunning,
		LastRequest:  now,
		StartedAt:    now,
	}
	if err := s.store.Upsert(ctx, binding); err != nil {
		return nil, err
	}

	slog.Info("serverless enabled",
		slog.Int64("instance_id", instanceID),
		slog.String("mode", string(mode)),
		slog.Duration("idle_timeout", idleTimeout),
		slog.Duration("destroy_after", destroyAfter))
	return binding, nil
}

// Disable opts an instance out; a paused instance stays paused
func (s *Scheduler) Disable(ctx context.Context, instanceID int64) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}
	return s.store.Delete(ctx, instanceID)
}

// UpdateGPUUtilization feeds an observed utilization sample into the
// idle predicate. IdleSince starts when utilization drops to or below
// the threshold and resets only when strictly above it.
func (s *Scheduler) UpdateGPUUtilization(ctx context.Context, instanceID int64, utilization float64) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}

	binding, err := s.store.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if binding.State != models.ServerlessRunning {
		return nil
	}

	if utilization > binding.GPUThreshold {
		if binding.IdleSince.IsZero() {
			return nil
		}
		binding.IdleSince = time.Time{}
	} else if binding.IdleSince.IsZero() {
		binding.IdleSince = s.now().UTC()
	} else {
		return nil
	}
	return s.store.Upsert(ctx, binding)
}

// OnRequestStart records an incoming request and wakes the instance if
// it is paused. Blocks until the instance is usable or wake fails.
func (s *Scheduler) OnRequestStart(ctx context.Context, instanceID int64) (*models.WakeResult, error) {
	if err := s.requireConfigured(); err != nil {
		return nil, err
	}

	s.inflightMu.Lock()
	s.inflight[instanceID]++
	s.inflightMu.Unlock()

	binding, err := s.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	binding.LastRequest = s.now().UTC()
	binding.IdleSince = time.Time{}
	if err := s.store.Upsert(ctx, binding); err != nil {
		return nil, err
	}

	if binding.State == models.ServerlessPaused {
		return s.Wake(ctx, instanceID, binding.Mode == models.ModeFast)
	}
	return &models.WakeResult{Success: true, Method: "noop"}, nil
}

// OnRequestEnd records a finished request
func (s *Scheduler) OnRequestEnd(ctx context.Context, instanceID int64) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}

	s.inflightMu.Lock()
	if s.inflight[instanceID] > 0 {
		s.inflight[instanceID]--
	}
	s.inflightMu.Unlock()

	binding, err := s.store.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	binding.LastRequest = s.now().UTC()
	return s.store.Upsert(ctx, binding)
}

// GetStatus returns one binding
func (s *Scheduler) GetStatus(ctx context.Context, instanceID int64) (*models.ServerlessBinding, error) {
	if err := s.requireConfigured(); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, instanceID)
}

// ListAll returns every non-destroyed binding
func (s *Scheduler) ListAll(ctx context.Context) ([]*models.ServerlessBinding, error) {
	if err := s.requireConfigured(); err != nil {
		return nil, err
	}
	return s.store.List(ctx)
}

func (s *Scheduler) requireConfigured() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.configured {
		return fmt.Errorf("serverless scheduler is not configured")
	}
	return nil
}

func (s *Scheduler) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// guard returns the per-instance mutex; two wakes for the same
// instance must not race
func (s *Scheduler) guard(instanceID int64) *sync.Mutex {
	s.guardMu.Lock()
	defer s.guardMu.Unlock()

	g, ok := s.guards[instanceID]
	if !ok {
		g = &sync.Mutex{}
		s.guards[instanceID] = g
	}
	return g
}

func (s *Scheduler) inflightCount(instanceID int64) int {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return s.inflight[instanceID]
}
