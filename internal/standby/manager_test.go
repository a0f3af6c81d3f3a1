package standby

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/internal/filetransfer"
	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/internal/region"
	"github.com/gpufleet/gpufleet/internal/storage"
	"github.com/gpufleet/gpufleet/internal/syncloop"
	"github.com/gpufleet/gpufleet/pkg/models"
)

type fakeGPU struct {
	mu        sync.Mutex
	instances map[int64]*models.Instance
	offers    []models.Offer
	nextID    int64
	destroyed []int64
	created   []models.CreateInstanceRequest
}

func newFakeGPU() *fakeGPU {
	return &fakeGPU{instances: make(map[int64]*models.Instance), nextID: 9000}
}

func (f *fakeGPU) Name() string { return "vastai" }

func (f *fakeGPU) SearchOffers(_ context.Context, _ models.OfferFilter) ([]models.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Offer(nil), f.offers...), nil
}

func (f *fakeGPU) CreateInstance(_ context.Context, req models.CreateInstanceRequest) (*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	f.nextID++
	inst := &models.Instance{
		ID:       f.nextID,
		Provider: "vastai",
		Status:   models.StatusRunning,
		Network:  models.Network{SSHHost: "10.0.0.9", SSHPort: 2222},
	}
	f.instances[inst.ID] = inst
	return inst, nil
}

func (f *fakeGPU) GetInstance(_ context.Context, id int64) (*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, errors.New("instance not found")
	}
	out := *inst
	return &out, nil
}

func (f *fakeGPU) ListInstances(context.Context) ([]models.Instance, error) { return nil, nil }

func (f *fakeGPU) DestroyInstance(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, id)
	delete(f.instances, id)
	return nil
}

func (f *fakeGPU) PauseInstance(context.Context, int64) error  { return nil }
func (f *fakeGPU) ResumeInstance(context.Context, int64) error { return nil }
func (f *fakeGPU) GetBalance(context.Context) (*models.Balance, error) {
	return &models.Balance{Credit: 100}, nil
}

func (f *fakeGPU) setStatus(id int64, status models.InstanceStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[id]; ok {
		inst.Status = status
	}
}

type fakeCPU struct {
	mu        sync.Mutex
	createErr error
	created   []models.CPUVMSpec
	deleted   []string
}

func (f *fakeCPU) Name() string { return "gcloud" }

func (f *fakeCPU) CreateVM(_ context.Context, spec models.CPUVMSpec) (*models.CPUVM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, spec)
	return &models.CPUVM{
		Name: spec.Name, Zone: spec.Zone, Status: "RUNNING",
		PublicIP: "35.9.9.9", SSHPort: 22,
	}, nil
}

func (f *fakeCPU) DeleteVM(_ context.Context, _, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeCPU) StartVM(context.Context, string, string) error { return nil }
func (f *fakeCPU) StopVM(context.Context, string, string) error  { return nil }
func (f *fakeCPU) GetVM(context.Context, string, string) (*models.CPUVM, error) {
	return nil, errors.New("not found")
}
func (f *fakeCPU) ListVMs(context.Context, string) ([]models.CPUVM, error) { return nil, nil }

type fakePairLoop struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (l *fakePairLoop) Start(context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started++
}

func (l *fakePairLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped++
}

func (l *fakePairLoop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started > l.stopped
}

type testHarness struct {
	manager *Manager
	gpu     *fakeGPU
	cpu     *fakeCPU
	store   *storage.StandbyStore
	sink    *recordingSink
	loops   []*fakePairLoop
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.FleetEvent
}

func (s *recordingSink) Record(e models.FleetEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) byType(t models.EventType) []models.FleetEvent {
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

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })

	h := &testHarness{
		gpu:   newFakeGPU(),
		cpu:   &fakeCPU{},
		store: storage.NewStandbyStore(db),
		sink:  &recordingSink{},
	}

	h.manager = NewManager(h.store, region.NewResolver(), h.sink)
	h.manager.newLoop = func(syncloop.Config) (pairLoop, error) {
		loop := &fakePairLoop{}
		h.loops = append(h.loops, loop)
		return loop, nil
	}
	h.manager.verifyShell = func(context.Context, string, int, string, string) error { return nil }
	h.manager.relay = func(context.Context, filetransfer.Credentials, filetransfer.Credentials, string) error {
		return nil
	}

	if cfg.SSHUser == "" {
		cfg.SSHUser = "gpufleet"
	}
	if cfg.SSHPrivateKey == "" {
		cfg.SSHPrivateKey = "key"
	}
	require.NoError(t, h.manager.Configure(cfg, h.gpu, h.cpu))
	t.Cleanup(h.manager.Shutdown)
	return h
}

func (h *testHarness) addGPU(id int64, geo string) {
	h.gpu.mu.Lock()
	defer h.gpu.mu.Unlock()
	h.gpu.instances[id] = &models.Instance{
		ID:          id,
		Provider:    "vastai",
		Status:      models.StatusRunning,
		Geolocation: geo,
		Network:     models.Network{SSHHost: "5.6.7.8", SSHPort: 2200, PublicIP: "5.6.7.8"},
	}
}

func TestConfigure(t *testing.T) {
	h := newHarness(t, Config{AutoStandbyEnabled: true})

	assert.True(t, h.manager.IsConfigured())
	assert.True(t, h.manager.IsAutoStandbyEnabled())

	err := h.manager.Configure(Config{SSHUser: "u", SSHPrivateKey: "k"}, h.gpu, h.cpu)
	assert.Error(t, err, "second configure must fail")
}

func TestUnconfiguredManagerRejectsOperations(t *testing.T) {
	m := NewManager(nil, region.NewResolver(), nil)

	assert.False(t, m.IsConfigured())
	assert.False(t, m.IsAutoStandbyEnabled())

	_, err := m.OnGPUCreated(context.Background(), 1, "")
	assert.Error(t, err)
	assert.Error(t, m.OnGPUDestroyed(context.Background(), 1))
}

func TestOnGPUCreated(t *testing.T) {
	h := newHarness(t, Config{AutoStandbyEnabled: true})
	h.addGPU(100, "Quebec, CA")

	assoc, err := h.manager.OnGPUCreated(context.Background(), 100, "training")
	require.NoError(t, err)

	assert.Equal(t, models.PairReady, assoc.State)
	assert.Equal(t, "35.9.9.9", assoc.CPUHost)
	assert.Equal(t, "northamerica-northeast1-a", assoc.CPUZone)
	assert.True(t, assoc.SyncEnabled)

	require.Len(t, h.cpu.created, 1)
	assert.Equal(t, "standby", h.cpu.created[0].Labels["role"])
	assert.LessOrEqual(t, len(h.cpu.created[0].Name), 63)

	require.Len(t, h.loops, 1)
	assert.True(t, h.loops[0].IsRunning())

	stored, err := h.store.Get(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, models.PairReady, stored.State)
}

func TestOnGPUCreated_VMFailureCleansUp(t *testing.T) {
	h := newHarness(t, Config{AutoStandbyEnabled: true})
	h.addGPU(100, "Texas, US")
	h.cpu.createErr = errors.New("quota exceeded")

	_, err := h.manager.OnGPUCreated(context.Background(), 100, "")
	require.Error(t, err)

	_, err = h.store.Get(context.Background(), 100)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOnGPUCreated_UnreachableVMDeleted(t *testing.T) {
	h := newHarness(t, Config{AutoStandbyEnabled: true})
	h.addGPU(100, "Texas, US")
	h.manager.verifyShell = func(context.Context, string, int, string, string) error {
		return errors.New("timeout")
	}

	_, err := h.manager.OnGPUCreated(context.Background(), 100, "")
	require.Error(t, err)
	assert.Len(t, h.cpu.deleted, 1)
}

func TestOnGPUCreated_DisabledByConfig(t *testing.T) {
	h := newHarness(t, Config{AutoStandbyEnabled: false})
	h.addGPU(100, "")

	_, err := h.manager.OnGPUCreated(context.Background(), 100, "")
	assert.Error(t, err)
}

func TestOnGPUDestroyed(t *testing.T) {
	h := newHarness(t, Config{AutoStandbyEnabled: true})
	h.addGPU(100, "Quebec, CA")

	_, err := h.manager.OnGPUCreated(context.Background(), 100, "")
	require.NoError(t, err)

	require.NoError(t, h.manager.OnGPUDestroyed(context.Background(), 100))
	assert.Len(t, h.cpu.deleted, 1)
	assert.False(t, h.loops[0].IsRunning())

	_, err = h.store.Get(context.Background(), 100)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Second destroy is a no-op
	require.NoError(t, h.manager.OnGPUDestroyed(context.Background(), 100))
	assert.Len(t, h.cpu.deleted, 1)
}

func TestMarkGPUFailed(t *testing.T) {
	h := newHarness(t, Config{AutoStandbyEnabled: true, AutoRecovery: false})
	h.addGPU(100, "Quebec, CA")

	_, err := h.manager.OnGPUCreated(context.Background(), 100, "")
	require.NoError(t, err)

	require.NoError(t, h.manager.MarkGPUFailed(context.Background(), 100, models.FailureSpotInterruption))

	assoc, err := h.store.Get(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, models.PairFailoverActive, assoc.State)
	assert.True(t, assoc.GPUFailed)
	assert.Equal(t, models.FailureSpotInterruption, assoc.FailureReason)

	// CPU must survive as the data custodian
	assert.Empty(t, h.cpu.deleted)
	assert.False(t, h.loops[0].IsRunning())

	events := h.sink.byType(models.EventFailover)
	require.Len(t, events, 1)
	assert.Equal(t, int64(100), events[0].InstanceID)
}

func TestGetActiveEndpoint(t *testing.T) {
	h := newHarness(t, Config{AutoStandbyEnabled: true})
	h.addGPU(100, "Quebec, CA")

	_, err := h.manager.OnGPUCreated(context.Background(), 100, "")
	require.NoError(t, err)

	ep, err := h.manager.GetActiveEndpoint(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, "5.6.7.8", ep.Host)
	assert.Equal(t, 2200, ep.Port)

	require.NoError(t, h.manager.MarkGPUFailed(context.Background(), 100, models.FailureGPU))

	ep, err = h.manager.GetActiveEndpoint(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, "35.9.9.9", ep.Host)
	assert.Equal(t, 22, ep.Port)
}

func TestRecovery(t *testing.T) {
	h := newHarness(t, Config{
		AutoStandbyEnabled: true,
		AutoRecovery:       false, // drive recovery synchronously below
		RecoveryRegions:    []string{"Canada"},
	})
	h.addGPU(100, "Quebec, CA")
	h.gpu.offers = []models.Offer{
		{ID: "o-us", Provider: "vastai", MachineID: "m-us", Geolocation: "Texas, US", Available: true},
		{ID: "o-ca", Provider: "vastai", MachineID: "m-ca", Geolocation: "Montreal, Canada", Available: true},
	}

	_, err := h.manager.OnGPUCreated(context.Background(), 100, "")
	require.NoError(t, err)
	require.NoError(t, h.manager.MarkGPUFailed(context.Background(), 100, models.FailureGPU))

	assoc, err := h.store.Get(context.Background(), 100)
	require.NoError(t, err)
	h.manager.runRecovery(context.Background(), assoc)

	// Preferred-region offer wins
	require.Len(t, h.gpu.created, 1)
	assert.Equal(t, "o-ca", h.gpu.created[0].OfferID)

	// Association re-keyed to the replacement GPU, standby preserved
	_, err = h.store.Get(context.Background(), 100)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	recovered, err := h.store.Get(context.Background(), 9001)
	require.NoError(t, err)
	assert.Equal(t, models.PairSyncing, recovered.State)
	assert.False(t, recovered.GPUFailed)
	assert.Equal(t, "35.9.9.9", recovered.CPUHost)
	assert.Empty(t, h.cpu.deleted)

	assert.NotEmpty(t, h.sink.byType(models.EventRecoveryStarted))
	assert.NotEmpty(t, h.sink.byType(models.EventResumeOK))
}

func TestPersistRound_EstablishesMirrorAfterRecovery(t *testing.T) {
	h := newHarness(t, Config{AutoStandbyEnabled: true, AutoRecovery: false})
	h.addGPU(100, "Quebec, CA")
	h.gpu.offers = []models.Offer{{ID: "o1", Provider: "vastai", MachineID: "m1", Available: true}}

	_, err := h.manager.OnGPUCreated(context.Background(), 100, "")
	require.NoError(t, err)
	require.NoError(t, h.manager.MarkGPUFailed(context.Background(), 100, models.FailureGPU))

	assoc, err := h.store.Get(context.Background(), 100)
	require.NoError(t, err)
	h.manager.runRecovery(context.Background(), assoc)

	recovered, err := h.store.Get(context.Background(), 9001)
	require.NoError(t, err)
	require.Equal(t, models.PairSyncing, recovered.State)

	// A failed round keeps the pair in syncing
	h.manager.persistRound(syncloop.RoundResult{GPUInstanceID: 9001, Err: errors.New("pull failed")})
	stored, err := h.store.Get(context.Background(), 9001)
	require.NoError(t, err)
	assert.Equal(t, models.PairSyncing, stored.State)

	// The first completed round establishes the mirror
	h.manager.persistRound(syncloop.RoundResult{GPUInstanceID: 9001, BytesCopied: 2048})
	stored, err = h.store.Get(context.Background(), 9001)
	require.NoError(t, err)
	assert.Equal(t, models.PairReady, stored.State)
	assert.Equal(t, int64(1), stored.SyncCount)
	assert.Equal(t, int64(2048), stored.LastSyncBytes)
}

func TestRecovery_SkipsBlacklistedMachines(t *testing.T) {
	h := newHarness(t, Config{AutoStandbyEnabled: true})
	h.manager.WithBlacklist(blacklistFunc(func(_ context.Context, _, machineID string) (bool, error) {
		return machineID == "m-bad", nil
	}))
	h.addGPU(100, "Quebec, CA")
	h.gpu.offers = []models.Offer{
		{ID: "o-bad", Provider: "vastai", MachineID: "m-bad", Available: true},
		{ID: "o-good", Provider: "vastai", MachineID: "m-good", Available: true},
	}

	_, err := h.manager.OnGPUCreated(context.Background(), 100, "")
	require.NoError(t, err)
	require.NoError(t, h.manager.MarkGPUFailed(context.Background(), 100, models.FailureGPU))

	assoc, err := h.store.Get(context.Background(), 100)
	require.NoError(t, err)
	h.manager.runRecovery(context.Background(), assoc)

	require.Len(t, h.gpu.created, 1)
	assert.Equal(t, "o-good", h.gpu.created[0].OfferID)
}

type blacklistFunc func(ctx context.Context, provider, machineID string) (bool, error)

func (f blacklistFunc) IsBlacklisted(ctx context.Context, provider, machineID string) (bool, error) {
	return f(ctx, provider, machineID)
}

func TestHealthLoopTriggersFailover(t *testing.T) {
	h := newHarness(t, Config{
		AutoStandbyEnabled:  true,
		AutoFailover:        true,
		HealthCheckInterval: 10 * time.Millisecond,
		FailoverThreshold:   3,
	})
	h.addGPU(100, "Quebec, CA")

	_, err := h.manager.OnGPUCreated(context.Background(), 100, "")
	require.NoError(t, err)

	h.gpu.setStatus(100, models.StatusExited)

	require.Eventually(t, func() bool {
		assoc, err := h.store.Get(context.Background(), 100)
		return err == nil && assoc.State == models.PairFailoverActive
	}, 2*time.Second, 10*time.Millisecond)

	assert.NotEmpty(t, h.sink.byType(models.EventFailover))
}

func TestHealthLoopResetsOnRecovery(t *testing.T) {
	h := newHarness(t, Config{
		AutoStandbyEnabled:  true,
		AutoFailover:        true,
		HealthCheckInterval: 10 * time.Millisecond,
		FailoverThreshold:   5,
	})
	h.addGPU(100, "Quebec, CA")

	_, err := h.manager.OnGPUCreated(context.Background(), 100, "")
	require.NoError(t, err)

	// Two bad checks, then healthy again: no failover
	h.gpu.setStatus(100, models.StatusExited)
	time.Sleep(25 * time.Millisecond)
	h.gpu.setStatus(100, models.StatusRunning)
	time.Sleep(100 * time.Millisecond)

	assoc, err := h.store.Get(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, models.PairReady, assoc.State)
	assert.Empty(t, h.sink.byType(models.EventFailover))
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t, Config{AutoStandbyEnabled: true})
	h.addGPU(100, "Quebec, CA")
	h.addGPU(200, "Texas, US")

	_, err := h.manager.OnGPUCreated(context.Background(), 100, "")
	require.NoError(t, err)
	_, err = h.manager.OnGPUCreated(context.Background(), 200, "")
	require.NoError(t, err)
	require.NoError(t, h.manager.MarkGPUFailed(context.Background(), 200, models.FailureGPU))

	status, err := h.manager.GetStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Configured)
	assert.Equal(t, 2, status.Associations)
	assert.Equal(t, 1, status.States[string(models.PairReady)])
	assert.Equal(t, 1, status.States[string(models.PairFailoverActive)])
}

func TestStartStopSync(t *testing.T) {
	h := newHarness(t, Config{AutoStandbyEnabled: true})
	h.addGPU(100, "Quebec, CA")

	_, err := h.manager.OnGPUCreated(context.Background(), 100, "")
	require.NoError(t, err)
	require.True(t, h.loops[0].IsRunning())

	require.NoError(t, h.manager.StopSync(context.Background(), 100))
	assert.False(t, h.loops[0].IsRunning())

	assoc, err := h.store.Get(context.Background(), 100)
	require.NoError(t, err)
	assert.False(t, assoc.SyncEnabled)

	require.NoError(t, h.manager.StartSync(context.Background(), 100))
	require.Len(t, h.loops, 2)
	assert.True(t, h.loops[1].IsRunning())
}

func TestStandbyName(t *testing.T) {
	name := standbyName(12345, time.Unix(1700000000, 0))
	assert.Equal(t, "gpufleet-standby-12345-1700000000", name)
	assert.LessOrEqual(t, len(name), 63)
}

func TestOrderByRegionPreference(t *testing.T) {
	offers := []models.Offer{
		{ID: "1", Geolocation: "Tokyo, Japan"},
		{ID: "2", Geolocation: "Lyon, France"},
		{ID: "3", Geolocation: "Toronto, Canada"},
	}

	ordered := orderByRegionPreference(offers, []string{"Canada", "France"})
	require.Len(t, ordered, 3)
	assert.Equal(t, "3", ordered[0].ID)
	assert.Equal(t, "2", ordered[1].ID)
	assert.Equal(t, "1", ordered[2].ID)

	same := orderByRegionPreference(offers, nil)
	assert.Equal(t, offers, same)
}

func TestWaitRunningTimesOut(t *testing.T) {
	h := newHarness(t, Config{AutoStandbyEnabled: true})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := h.manager.waitRunning(ctx, 555)
	assert.Error(t, err)
}

var (
	_ provider.GPUProvider = (*fakeGPU)(nil)
	_ provider.CPUProvider = (*fakeCPU)(nil)
)
