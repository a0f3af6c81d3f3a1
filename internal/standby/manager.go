// Package standby pairs each GPU instance with a cheap CPU VM that
// mirrors its workspace. When the GPU dies the CPU holds the data and
// serves as the active endpoint until a replacement GPU is recovered.
package standby

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gpufleet/gpufleet/internal/filetransfer"
	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/internal/region"
	"github.com/gpufleet/gpufleet/internal/ssh"
	"github.com/gpufleet/gpufleet/internal/storage"
	"github.com/gpufleet/gpufleet/internal/syncloop"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	DefaultHealthCheckInterval = 10 * time.Second
	DefaultFailoverThreshold   = 3
	DefaultMachineType         = "e2-medium"
	DefaultDiskGB              = 100
	DefaultWorkspacePath       = "/workspace"
	DefaultMinFreeGB           = 5.0

	// provisionTimeout bounds VM creation plus shell readiness
	provisionTimeout = 5 * time.Minute

	// recovery loop bounds
	recoveryMaxAttempts = 10
	recoveryRetryDelay  = 30 * time.Second

	// hibernateGraceSeconds is how long the agent gets to flush state
	// before its host is considered gone
	hibernateGraceSeconds = 30
)

// Config is the one-time manager configuration
type Config struct {
	AutoStandbyEnabled bool
	Zone               string // fixed zone; empty means resolve per GPU region
	MachineType        string
	DiskGB             int
	ImageFamily        string
	WorkspacePath      string
	RelayRoot          string // control-host directory for relay copies
	SyncInterval       time.Duration
	BandwidthCap       int64
	MinFreeGB          float64 // standby free-space floor before each sync round
	AutoFailover       bool
	AutoRecovery       bool

	HealthCheckInterval time.Duration
	FailoverThreshold   int

	SSHUser       string
	SSHPublicKey  string
	SSHPrivateKey string

	// Recovery offer filters
	RecoveryMinVRAM  int
	RecoveryMaxPrice float64
	RecoveryRegions  []string // preferred, in order
	RecoveryImage    string
}

func (c *Config) applyDefaults() {
	if c.MachineType == "" {
		c.MachineType = DefaultMachineType
	}
	if c.DiskGB <= 0 {
		c.DiskGB = DefaultDiskGB
	}
	if c.WorkspacePath == "" {
		c.WorkspacePath = DefaultWorkspacePath
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.FailoverThreshold <= 0 {
		c.FailoverThreshold = DefaultFailoverThreshold
	}
	if c.RelayRoot == "" {
		c.RelayRoot = os.TempDir()
	}
	if c.MinFreeGB <= 0 {
		c.MinFreeGB = DefaultMinFreeGB
	}
	c.SyncInterval = syncloop.ClampInterval(c.SyncInterval)
}

// blacklistChecker is the slice of the history tracker recovery needs
type blacklistChecker interface {
	IsBlacklisted(ctx context.Context, provider, machineID string) (bool, error)
}

// pairLoop is what the manager needs from a running sync loop
type pairLoop interface {
	Start(ctx context.Context)
	Stop()
	IsRunning() bool
}

// Status summarizes the manager for the API layer
type Status struct {
	Configured         bool           `json:"configured"`
	AutoStandbyEnabled bool           `json:"auto_standby_enabled"`
	AutoFailover       bool           `json:"auto_failover"`
	AutoRecovery       bool           `json:"auto_recovery"`
	Associations       int            `json:"associations"`
	States             map[string]int `json:"states"`
}

// Manager owns all standby associations. Process-wide singleton; all
// methods except Configure return an error until Configure succeeds.
type Manager struct {
	mu         sync.RWMutex
	configured bool
	cfg        Config

	gpu       provider.GPUProvider
	cpu       provider.CPUProvider
	zones     *region.Resolver
	store     *storage.StandbyStore
	events    models.EventSink
	blacklist blacklistChecker

	loops         map[int64]pairLoop
	healthCancels map[int64]context.CancelFunc

	// injection points for tests
	newLoop     func(syncloop.Config) (pairLoop, error)
	verifyShell func(ctx context.Context, host string, port int, user, privateKey string) error
	relay       func(ctx context.Context, from, to filetransfer.Credentials, path string) error
	now         func() time.Time
}

// NewManager wires the manager; Configure arms it
func NewManager(store *storage.StandbyStore, zones *region.Resolver, events models.EventSink) *Manager {
	if events == nil {
		events = models.NopSink{}
	}
	m := &Manager{
		store:         store,
		zones:         zones,
		events:        events,
		loops:         make(map[int64]pairLoop),
		healthCancels: make(map[int64]context.CancelFunc),
		now:           time.Now,
	}
	m.newLoop = func(cfg syncloop.Config) (pairLoop, error) {
		return syncloop.New(cfg)
	}
	m.verifyShell = func(ctx context.Context, host string, port int, user, privateKey string) error {
		verifier := ssh.NewVerifier(ssh.WithVerifyTimeout(provisionTimeout))
		_, err := verifier.Verify(ctx, host, port, user, privateKey)
		return err
	}
	m.relay = m.relayWorkspace
	return m
}

// WithBlacklist lets recovery skip known-bad machines
func (m *Manager) WithBlacklist(b blacklistChecker) *Manager {
	m.blacklist = b
	return m
}

// Configure arms the manager. Must be called exactly once before any
// other operation.
func (m *Manager) Configure(cfg Config, gpu provider.GPUProvider, cpu provider.CPUProvider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.configured {
		return fmt.Errorf("standby manager already configured")
	}
	if gpu == nil || cpu == nil {
		return fmt.Errorf("gpu and cpu providers are required")
	}
	if cfg.SSHUser == "" || cfg.SSHPrivateKey == "" {
		return fmt.Errorf("ssh user and private key are required")
	}
	cfg.applyDefaults()

	m.cfg = cfg
	m.gpu = gpu
	m.cpu = cpu
	m.configured = true

	slog.Info("standby manager configured",
		slog.Bool("auto_standby", cfg.AutoStandbyEnabled),
		slog.Bool("auto_failover", cfg.AutoFailover),
		slog.Bool("auto_recovery", cfg.AutoRecovery),
		slog.String("machine_type", cfg.MachineType))
	return nil
}

// IsConfigured reports whether Configure has succeeded
func (m *Manager) IsConfigured() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configured
}

// IsAutoStandbyEnabled reports whether new GPUs get standbys
func (m *Manager) IsAutoStandbyEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configured && m.cfg.AutoStandbyEnabled
}

// OnGPUCreated provisions a standby for a new GPU instance. Best
// effort from the caller's point of view: GPU creation already
// succeeded, so the caller should log and continue on error.
func (m *Manager) OnGPUCreated(ctx context.Context, gpuInstanceID int64, label string) (*models.StandbyAssociation, error) {
	if err := m.requireConfigured(); err != nil {
		return nil, err
	}
	if !m.IsAutoStandbyEnabled() {
		return nil, fmt.Errorf("auto standby is disabled")
	}

	inst, err := m.gpu.GetInstance(ctx, gpuInstanceID)
	if err != nil {
		return nil, fmt.Errorf("looking up gpu instance %d: %w", gpuInstanceID, err)
	}

	zone := m.cfg.Zone
	if zone == "" {
		zone = m.zones.ResolveZone(ctx, inst.Geolocation, inst.Network.PublicIP)
	}

	name := standbyName(gpuInstanceID, m.now())
	spec := models.CPUVMSpec{
		Name:         name,
		Zone:         zone,
		MachineType:  m.cfg.MachineType,
		DiskGB:       m.cfg.DiskGB,
		ImageFamily:  m.cfg.ImageFamily,
		SSHPublicKey: m.cfg.SSHPublicKey,
		Labels: map[string]string{
			"role":   "standby",
			"gpu-id": fmt.Sprintf("%d", gpuInstanceID),
		},
	}

	assoc := &models.StandbyAssociation{
		GPUInstanceID: gpuInstanceID,
		CPUName:       name,
		CPUZone:       zone,
		State:         models.PairProvisioning,
		SyncEnabled:   true,
		WorkspacePath: m.cfg.WorkspacePath,
		CreatedAt:     m.now().UTC(),
	}
	if err := m.store.Upsert(ctx, assoc); err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, provisionTimeout)
	defer cancel()

	vm, err := m.cpu.CreateVM(pctx, spec)
	if err != nil {
		m.store.Delete(ctx, gpuInstanceID)
		return nil, fmt.Errorf("provisioning standby vm: %w", err)
	}

	assoc.CPUHost = vm.PublicIP
	assoc.CPUPort = vm.SSHPort
	assoc.CPUUser = m.cfg.SSHUser
	if assoc.CPUPort == 0 {
		assoc.CPUPort = 22
	}

	if err := m.verifyShell(pctx, assoc.CPUHost, assoc.CPUPort, m.cfg.SSHUser, m.cfg.SSHPrivateKey); err != nil {
		m.cpu.DeleteVM(ctx, zone, name)
		m.store.Delete(ctx, gpuInstanceID)
		return nil, fmt.Errorf("standby vm never became reachable: %w", err)
	}

	assoc.State = models.PairReady
	if err := m.store.Upsert(ctx, assoc); err != nil {
		m.cpu.DeleteVM(ctx, zone, name)
		return nil, err
	}

	if err := m.startSyncLoop(inst, assoc); err != nil {
		slog.Warn("standby created but sync loop failed to start",
			slog.Int64("gpu_instance_id", gpuInstanceID),
			slog.String("error", err.Error()))
	}
	m.startHealthLoop(assoc.GPUInstanceID)
	m.updatePairMetrics(ctx)

	slog.Info("standby provisioned",
		slog.Int64("gpu_instance_id", gpuInstanceID),
		slog.String("cpu_name", name),
		slog.String("zone", zone),
		slog.String("label", label))
	return assoc, nil
}

// OnGPUDestroyed tears down the pair. Idempotent; a missing
// association is success.
func (m *Manager) OnGPUDestroyed(ctx context.Context, gpuInstanceID int64) error {
	if err := m.requireConfigured(); err != nil {
		return err
	}

	m.stopLoops(gpuInstanceID)

	assoc, err := m.store.Get(ctx, gpuInstanceID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}

	if err := m.cpu.DeleteVM(ctx, assoc.CPUZone, assoc.CPUName); err != nil {
		return fmt.Errorf("deleting standby vm %s: %w", assoc.CPUName, err)
	}
	if err := m.store.Delete(ctx, gpuInstanceID); err != nil && !isNotFound(err) {
		return err
	}
	m.updatePairMetrics(ctx)

	slog.Info("standby destroyed", slog.Int64("gpu_instance_id", gpuInstanceID))
	return nil
}

// MarkGPUFailed flips the pair into failover. The CPU stays alive as
// the data custodian; recovery is scheduled when enabled.
func (m *Manager) MarkGPUFailed(ctx context.Context, gpuInstanceID int64, reason models.FailureReason) error {
	if err := m.requireConfigured(); err != nil {
		return err
	}

	assoc, err := m.store.Get(ctx, gpuInstanceID)
	if err != nil {
		return err
	}

	m.stopLoops(gpuInstanceID)

	assoc.State = models.PairFailoverActive
	assoc.GPUFailed = true
	assoc.FailureReason = reason
	if err := m.store.Upsert(ctx, assoc); err != nil {
		return err
	}

	metrics.FailoversTotal.Inc()
	m.events.Record(models.FleetEvent{
		Type:       models.EventFailover,
		InstanceID: gpuInstanceID,
		Detail:     map[string]any{"reason": string(reason)},
	})
	m.updatePairMetrics(ctx)

	if m.autoRecovery() {
		go m.runRecovery(context.Background(), assoc)
	}
	return nil
}

// HibernateDecision tells the heartbeat path whether the agent on a
// GPU instance should start persisting state for an imminent stop
type HibernateDecision struct {
	ShouldHibernate bool   `json:"should_hibernate"`
	SecondsUntil    int    `json:"seconds_until_hibernate,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// UpdateInstanceStatus feeds an agent-reported status into the pair
// state. A healthy report clears accumulated failed health checks; an
// interruption report triggers failover and tells the agent to flush.
// Instances without an association always get a no-op decision.
func (m *Manager) UpdateInstanceStatus(ctx context.Context, gpuInstanceID int64, agentStatus string) (*HibernateDecision, error) {
	none := &HibernateDecision{}
	if err := m.requireConfigured(); err != nil {
		return none, nil
	}

	assoc, err := m.store.Get(ctx, gpuInstanceID)
	if isNotFound(err) {
		return none, nil
	}
	if err != nil {
		return none, err
	}

	switch agentStatus {
	case "interrupted", "stopping":
		if !assoc.GPUFailed {
			if err := m.MarkGPUFailed(ctx, gpuInstanceID, models.FailureSpotInterruption); err != nil {
				return none, err
			}
		}
		return &HibernateDecision{
			ShouldHibernate: true,
			SecondsUntil:    hibernateGraceSeconds,
			Reason:          "spot interruption reported",
		}, nil
	}

	if assoc.GPUFailed {
		// The pair already failed over; a late heartbeat from the old
		// host should still flush whatever it can.
		return &HibernateDecision{
			ShouldHibernate: true,
			SecondsUntil:    hibernateGraceSeconds,
			Reason:          "failover active",
		}, nil
	}

	if assoc.FailedHealth > 0 {
		assoc.FailedHealth = 0
		if err := m.store.Upsert(ctx, assoc); err != nil {
			return none, err
		}
	}
	return none, nil
}

// StartSync manually resumes syncing for a pair
func (m *Manager) StartSync(ctx context.Context, gpuInstanceID int64) error {
	if err := m.requireConfigured(); err != nil {
		return err
	}

	assoc, err := m.store.Get(ctx, gpuInstanceID)
	if err != nil {
		return err
	}
	inst, err := m.gpu.GetInstance(ctx, gpuInstanceID)
	if err != nil {
		return err
	}

	assoc.SyncEnabled = true
	if err := m.store.Upsert(ctx, assoc); err != nil {
		return err
	}
	return m.startSyncLoop(inst, assoc)
}

// StopSync manually pauses syncing for a pair
func (m *Manager) StopSync(ctx context.Context, gpuInstanceID int64) error {
	if err := m.requireConfigured(); err != nil {
		return err
	}

	assoc, err := m.store.Get(ctx, gpuInstanceID)
	if err != nil {
		return err
	}
	assoc.SyncEnabled = false
	if err := m.store.Upsert(ctx, assoc); err != nil {
		return err
	}

	m.mu.Lock()
	loop, ok := m.loops[gpuInstanceID]
	delete(m.loops, gpuInstanceID)
	m.mu.Unlock()
	if ok {
		loop.Stop()
	}
	return nil
}

// GetAssociation returns one pair
func (m *Manager) GetAssociation(ctx context.Context, gpuInstanceID int64) (*models.StandbyAssociation, error) {
	if err := m.requireConfigured(); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, gpuInstanceID)
}

// ListAssociations returns all pairs
func (m *Manager) ListAssociations(ctx context.Context) ([]*models.StandbyAssociation, error) {
	if err := m.requireConfigured(); err != nil {
		return nil, err
	}
	return m.store.List(ctx)
}

// GetStatus summarizes the manager
func (m *Manager) GetStatus(ctx context.Context) (*Status, error) {
	m.mu.RLock()
	status := &Status{
		Configured:         m.configured,
		AutoStandbyEnabled: m.configured && m.cfg.AutoStandbyEnabled,
		AutoFailover:       m.configured && m.cfg.AutoFailover,
		AutoRecovery:       m.configured && m.cfg.AutoRecovery,
		States:             make(map[string]int),
	}
	m.mu.RUnlock()

	if !status.Configured {
		return status, nil
	}

	assocs, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	status.Associations = len(assocs)
	for _, a := range assocs {
		status.States[string(a.State)]++
	}
	return status, nil
}

// GetActiveEndpoint returns where the workload currently lives: the
// CPU standby during failover, the GPU otherwise.
func (m *Manager) GetActiveEndpoint(ctx context.Context, gpuInstanceID int64) (*models.Endpoint, error) {
	if err := m.requireConfigured(); err != nil {
		return nil, err
	}

	assoc, err := m.store.Get(ctx, gpuInstanceID)
	if err != nil {
		return nil, err
	}

	if assoc.State == models.PairFailoverActive || assoc.State == models.PairRecovering {
		return &models.Endpoint{Host: assoc.CPUHost, Port: assoc.CPUPort, User: assoc.CPUUser}, nil
	}

	inst, err := m.gpu.GetInstance(ctx, gpuInstanceID)
	if err != nil {
		return nil, err
	}
	return &models.Endpoint{
		Host: inst.Network.SSHHost,
		Port: inst.Network.SSHPort,
		User: m.cfg.SSHUser,
	}, nil
}

// Shutdown stops all loops without touching any VM
func (m *Manager) Shutdown() {
	m.mu.Lock()
	loops := m.loops
	cancels := m.healthCancels
	m.loops = make(map[int64]pairLoop)
	m.healthCancels = make(map[int64]context.CancelFunc)
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, loop := range loops {
		loop.Stop()
	}
}

func (m *Manager) requireConfigured() error {
	if !m.IsConfigured() {
		return fmt.Errorf("standby manager is not configured")
	}
	return nil
}

func (m *Manager) autoRecovery() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.AutoRecovery
}

func (m *Manager) stopLoops(gpuInstanceID int64) {
	m.mu.Lock()
	loop, hasLoop := m.loops[gpuInstanceID]
	cancel, hasHealth := m.healthCancels[gpuInstanceID]
	delete(m.loops, gpuInstanceID)
	delete(m.healthCancels, gpuInstanceID)
	m.mu.Unlock()

	if hasHealth {
		cancel()
	}
	if hasLoop {
		loop.Stop()
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

// standbyName builds a VM name bounded to GCE's 63-char limit
func standbyName(gpuInstanceID int64, t time.Time) string {
	name := fmt.Sprintf("gpufleet-standby-%d-%d", gpuInstanceID, t.Unix())
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}
