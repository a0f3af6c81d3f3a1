package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/pkg/models"
)

type fakeGPU struct {
	mu        sync.Mutex
	offers    []models.Offer
	instances map[int64]*models.Instance
	nextID    int64

	balance    models.Balance
	balanceErr error
	createErr  error
	onCreate   func()

	created   []models.CreateInstanceRequest
	destroyed []int64
	paused    []int64
	resumed   []int64
}

var _ provider.GPUProvider = (*fakeGPU)(nil)

func newFakeGPU() *fakeGPU {
	return &fakeGPU{
		instances: make(map[int64]*models.Instance),
		nextID:    5000,
		balance:   models.Balance{Credit: 100},
	}
}

func (f *fakeGPU) Name() string { return "vastai" }

func (f *fakeGPU) SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Offer, len(f.offers))
	copy(out, f.offers)
	return out, nil
}

func (f *fakeGPU) CreateInstance(ctx context.Context, req models.CreateInstanceRequest) (*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onCreate != nil {
		f.onCreate()
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)

	inst := &models.Instance{
		ID:       f.nextID,
		Provider: "vastai",
		Status:   models.StatusRunning,
		Image:    req.Image,
		Label:    req.Label,
		Network: models.Network{
			SSHHost: fmt.Sprintf("10.0.0.%d", f.nextID%250),
			SSHPort: 22,
		},
	}
	for _, o := range f.offers {
		if o.ID == req.OfferID {
			inst.MachineID = o.MachineID
			inst.PricePerHr = o.PricePerHr
			inst.Hardware = o.Hardware
		}
	}
	f.instances[inst.ID] = inst
	f.nextID++
	return inst, nil
}

func (f *fakeGPU) GetInstance(ctx context.Context, id int64) (*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, provider.ErrInstanceNotFound
	}
	out := *inst
	return &out, nil
}

func (f *fakeGPU) ListInstances(ctx context.Context) ([]models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Instance
	for _, inst := range f.instances {
		out = append(out, *inst)
	}
	return out, nil
}

func (f *fakeGPU) DestroyInstance(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, id)
	delete(f.instances, id)
	return nil
}

func (f *fakeGPU) PauseInstance(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, id)
	return nil
}

func (f *fakeGPU) ResumeInstance(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, id)
	return nil
}

func (f *fakeGPU) GetBalance(ctx context.Context) (*models.Balance, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	b := f.balance
	return &b, nil
}

func (f *fakeGPU) addInstance(inst *models.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[inst.ID] = inst
}

type fakeHistory struct {
	mu          sync.Mutex
	attempts    []*models.CreationAttempt
	finished    []int64
	blacklisted map[string]bool
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{blacklisted: make(map[string]bool)}
}

func (f *fakeHistory) AnnotateOffers(ctx context.Context, offers []models.Offer) ([]models.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Offer, len(offers))
	for i, o := range offers {
		o.IsBlacklisted = f.blacklisted[o.MachineID]
		out[i] = o
	}
	return out, nil
}

func (f *fakeHistory) RecordAttempt(ctx context.Context, attempt *models.CreationAttempt) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt)
	return int64(len(f.attempts)), nil
}

func (f *fakeHistory) BeginAttempt(ctx context.Context, attempt *models.CreationAttempt) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if attempt.Provider == "" || attempt.MachineID == "" {
		return 0, errors.New("attempt requires provider and machine id")
	}
	f.attempts = append(f.attempts, attempt)
	return int64(len(f.attempts)), nil
}

func (f *fakeHistory) FinishAttempt(ctx context.Context, attempt *models.CreationAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, attempt.ID)
	return nil
}

func (f *fakeHistory) finishedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.finished...)
}

func (f *fakeHistory) recorded() []*models.CreationAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.CreationAttempt, len(f.attempts))
	copy(out, f.attempts)
	return out
}

type fakeStandby struct {
	mu         sync.Mutex
	configured bool
	enabled    bool
	assocs     map[int64]*models.StandbyAssociation

	onCreated   []int64
	onDestroyed []int64
	markedWith  map[int64]models.FailureReason
}

func newFakeStandby() *fakeStandby {
	return &fakeStandby{
		configured: true,
		enabled:    true,
		assocs:     make(map[int64]*models.StandbyAssociation),
		markedWith: make(map[int64]models.FailureReason),
	}
}

func (f *fakeStandby) IsConfigured() bool { return f.configured }

func (f *fakeStandby) IsAutoStandbyEnabled() bool { return f.enabled }

func (f *fakeStandby) OnGPUCreated(ctx context.Context, id int64, label string) (*models.StandbyAssociation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCreated = append(f.onCreated, id)
	return &models.StandbyAssociation{GPUInstanceID: id}, nil
}

func (f *fakeStandby) OnGPUDestroyed(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDestroyed = append(f.onDestroyed, id)
	delete(f.assocs, id)
	return nil
}

func (f *fakeStandby) MarkGPUFailed(ctx context.Context, id int64, reason models.FailureReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedWith[id] = reason
	return nil
}

func (f *fakeStandby) GetAssociation(ctx context.Context, id int64) (*models.StandbyAssociation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assocs[id]
	if !ok {
		return nil, errors.New("association not found")
	}
	return a, nil
}

func (f *fakeStandby) createdFor(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, got := range f.onCreated {
		if got == id {
			return true
		}
	}
	return false
}

type fakeSnaps struct {
	mu        sync.Mutex
	createErr error
	creates   []string // source hosts
	restores  []string // "snapshotID@host"
}

func (f *fakeSnaps) Create(ctx context.Context, host string, port int, sourcePath string, tags []string) (*models.SnapshotSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.creates = append(f.creates, host)
	return &models.SnapshotSummary{SnapshotID: "snap-1", TotalBytes: 4096}, nil
}

func (f *fakeSnaps) Restore(ctx context.Context, snapshotID, host string, port int, targetPath string, verify bool) (*models.RestoreResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores = append(f.restores, snapshotID+"@"+host)
	return &models.RestoreResult{SnapshotID: snapshotID}, nil
}

type fakeUsage struct {
	mu      sync.Mutex
	started []int64
	stopped []int64
}

func (f *fakeUsage) TrackStart(ctx context.Context, inst *models.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, inst.ID)
	return nil
}

func (f *fakeUsage) TrackStop(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.FleetEvent
}

func (r *recordingSink) Record(e models.FleetEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) byType(t models.EventType) []models.FleetEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.FleetEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testOffers() []models.Offer {
	return []models.Offer{
		{ID: "o-1", Provider: "vastai", MachineID: "m-1", Available: true, PricePerHr: 0.50,
			Geolocation: "Quebec, Canada", Hardware: models.Hardware{GPUType: "RTX 4090", VRAM: 24}},
		{ID: "o-2", Provider: "vastai", MachineID: "m-2", Available: true, PricePerHr: 0.40,
			Geolocation: "Sofia, Bulgaria", Hardware: models.Hardware{GPUType: "RTX 4090", VRAM: 24}},
		{ID: "o-3", Provider: "vastai", MachineID: "m-3", Available: false, PricePerHr: 0.30,
			Geolocation: "Oregon, US", Hardware: models.Hardware{GPUType: "A100", VRAM: 80}},
	}
}

func TestSearchOffersFiltersRegionAndBlacklist(t *testing.T) {
	gpu := newFakeGPU()
	gpu.offers = testOffers()
	hist := newFakeHistory()
	hist.blacklisted["m-2"] = true
	svc := New(gpu, hist, Config{})

	offers, err := svc.SearchOffers(context.Background(), models.OfferFilter{Region: "canada"})
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "o-1", offers[0].ID)

	// Without a region filter the blacklisted machine is still dropped
	offers, err = svc.SearchOffers(context.Background(), models.OfferFilter{})
	require.NoError(t, err)
	require.Len(t, offers, 2)
	for _, o := range offers {
		assert.NotEqual(t, "m-2", o.MachineID)
	}

	offers, err = svc.SearchOffers(context.Background(), models.OfferFilter{IncludeBlacklist: true})
	require.NoError(t, err)
	assert.Len(t, offers, 3)
}

func TestValidateBeforeCreate(t *testing.T) {
	t.Run("provider unreachable", func(t *testing.T) {
		gpu := newFakeGPU()
		gpu.balanceErr = errors.New("connection refused")
		svc := New(gpu, newFakeHistory(), Config{})

		v, err := svc.ValidateBeforeCreate(context.Background(), "o-1")
		require.NoError(t, err)
		assert.False(t, v.Valid)
		require.Len(t, v.Errors, 1)
		assert.Equal(t, CodeServiceUnavailable, v.Errors[0].Code)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		gpu := newFakeGPU()
		gpu.offers = testOffers()
		gpu.balance = models.Balance{Credit: 0.10}
		svc := New(gpu, newFakeHistory(), Config{})

		v, err := svc.ValidateBeforeCreate(context.Background(), "o-1")
		require.NoError(t, err)
		assert.False(t, v.Valid)
		require.Len(t, v.Errors, 1)
		assert.Equal(t, CodeInsufficientBalance, v.Errors[0].Code)
	})

	t.Run("offer gone", func(t *testing.T) {
		gpu := newFakeGPU()
		gpu.offers = testOffers()
		svc := New(gpu, newFakeHistory(), Config{})

		v, err := svc.ValidateBeforeCreate(context.Background(), "o-404")
		require.NoError(t, err)
		assert.False(t, v.Valid)
		require.Len(t, v.Errors, 1)
		assert.Equal(t, CodeOfferUnavailable, v.Errors[0].Code)

		v, err = svc.ValidateBeforeCreate(context.Background(), "o-3")
		require.NoError(t, err)
		assert.False(t, v.Valid)
		require.Len(t, v.Errors, 1)
		assert.Equal(t, CodeOfferUnavailable, v.Errors[0].Code)
	})

	t.Run("valid with blacklist warning", func(t *testing.T) {
		gpu := newFakeGPU()
		gpu.offers = testOffers()
		hist := newFakeHistory()
		hist.blacklisted["m-1"] = true
		svc := New(gpu, hist, Config{})

		v, err := svc.ValidateBeforeCreate(context.Background(), "o-1")
		require.NoError(t, err)
		assert.True(t, v.Valid)
		assert.Empty(t, v.Errors)
		require.Len(t, v.Warnings, 1)
		assert.Contains(t, v.Warnings[0], "blacklisted")
	})
}

func TestCreateInstanceRecordsAttempt(t *testing.T) {
	gpu := newFakeGPU()
	gpu.offers = testOffers()
	hist := newFakeHistory()
	usage := &fakeUsage{}
	svc := New(gpu, hist, Config{}, WithUsageTracking(usage))

	inst, err := svc.CreateInstance(context.Background(), models.CreateInstanceRequest{
		OfferID: "o-1",
		Image:   "pytorch/pytorch:latest",
	}, false)
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, "m-1", inst.MachineID)

	attempts := hist.recorded()
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Success)
	assert.Equal(t, "vastai", attempts[0].Provider)
	assert.Equal(t, "m-1", attempts[0].MachineID)
	assert.Equal(t, "RTX 4090", attempts[0].GPUType)
	assert.Equal(t, inst.ID, attempts[0].InstanceID)
	assert.InDelta(t, 0.50, attempts[0].Price, 0.001)

	usage.mu.Lock()
	defer usage.mu.Unlock()
	assert.Equal(t, []int64{inst.ID}, usage.started)
}

func TestCreateInstanceRecordsPendingAttemptFirst(t *testing.T) {
	gpu := newFakeGPU()
	gpu.offers = testOffers()
	hist := newFakeHistory()

	// Snapshot the history as seen from inside the provider call
	var pendingAtCreate []models.CreationAttempt
	gpu.onCreate = func() {
		for _, a := range hist.recorded() {
			pendingAtCreate = append(pendingAtCreate, *a)
		}
	}
	svc := New(gpu, hist, Config{})

	_, err := svc.CreateInstance(context.Background(), models.CreateInstanceRequest{
		OfferID: "o-1",
		Image:   "pytorch/pytorch:latest",
	}, true)
	require.NoError(t, err)

	require.Len(t, pendingAtCreate, 1, "the attempt row must exist before the provider call")
	assert.False(t, pendingAtCreate[0].Success)
	assert.Equal(t, "m-1", pendingAtCreate[0].MachineID)

	// Settled afterwards, not re-recorded
	assert.Equal(t, []int64{1}, hist.finishedIDs())
	attempts := hist.recorded()
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Success)
}

func TestCreateInstanceValidationBlocks(t *testing.T) {
	gpu := newFakeGPU()
	gpu.offers = testOffers()
	gpu.balanceErr = errors.New("gateway timeout")
	svc := New(gpu, newFakeHistory(), Config{})

	_, err := svc.CreateInstance(context.Background(), models.CreateInstanceRequest{OfferID: "o-1"}, false)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Issues, 1)
	assert.Equal(t, CodeServiceUnavailable, verr.Issues[0].Code)
	assert.Empty(t, gpu.created)
}

func TestCreateInstanceFailureClassified(t *testing.T) {
	gpu := newFakeGPU()
	gpu.offers = testOffers()
	gpu.createErr = provider.NewError("vastai", "create_instance", 409, "offer taken", provider.ErrOfferUnavailable)
	hist := newFakeHistory()
	svc := New(gpu, hist, Config{})

	_, err := svc.CreateInstance(context.Background(), models.CreateInstanceRequest{OfferID: "o-1"}, true)
	require.Error(t, err)

	attempts := hist.recorded()
	require.Len(t, attempts, 1)
	assert.False(t, attempts[0].Success)
	assert.Equal(t, models.StageOfferTaken, attempts[0].FailureStage)
	assert.NotEmpty(t, attempts[0].FailureReason)
}

func TestCreateInstanceEnqueuesStandby(t *testing.T) {
	gpu := newFakeGPU()
	gpu.offers = testOffers()
	standby := newFakeStandby()
	svc := New(gpu, newFakeHistory(), Config{}, WithStandby(standby))

	inst, err := svc.CreateInstance(context.Background(), models.CreateInstanceRequest{OfferID: "o-1"}, true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return standby.createdFor(inst.ID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateInstanceSkipsDisabledStandby(t *testing.T) {
	gpu := newFakeGPU()
	gpu.offers = testOffers()
	standby := newFakeStandby()
	standby.enabled = false
	svc := New(gpu, newFakeHistory(), Config{}, WithStandby(standby))

	inst, err := svc.CreateInstance(context.Background(), models.CreateInstanceRequest{OfferID: "o-1"}, true)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, standby.createdFor(inst.ID))
}

func TestDestroyInstanceUserRequest(t *testing.T) {
	gpu := newFakeGPU()
	gpu.addInstance(&models.Instance{ID: 42, Status: models.StatusRunning})
	standby := newFakeStandby()
	standby.assocs[42] = &models.StandbyAssociation{GPUInstanceID: 42}
	usage := &fakeUsage{}
	svc := New(gpu, newFakeHistory(), Config{}, WithStandby(standby), WithUsageTracking(usage))

	err := svc.DestroyInstance(context.Background(), 42, true, models.FailureUserRequest)
	require.NoError(t, err)

	assert.Equal(t, []int64{42}, gpu.destroyed)
	assert.Equal(t, []int64{42}, standby.onDestroyed)
	assert.Empty(t, standby.markedWith)
	assert.Equal(t, []int64{42}, usage.stopped)
}

func TestDestroyInstancePreservesStandbyOnFailure(t *testing.T) {
	gpu := newFakeGPU()
	gpu.addInstance(&models.Instance{ID: 42, Status: models.StatusRunning})
	standby := newFakeStandby()
	standby.assocs[42] = &models.StandbyAssociation{GPUInstanceID: 42}
	svc := New(gpu, newFakeHistory(), Config{}, WithStandby(standby))

	err := svc.DestroyInstance(context.Background(), 42, true, models.FailureSpotInterruption)
	require.NoError(t, err)

	assert.Empty(t, standby.onDestroyed)
	assert.Equal(t, models.FailureSpotInterruption, standby.markedWith[42])
}

func TestDestroyInstanceKeepsStandbyWhenNotAsked(t *testing.T) {
	gpu := newFakeGPU()
	gpu.addInstance(&models.Instance{ID: 42, Status: models.StatusRunning})
	standby := newFakeStandby()
	standby.assocs[42] = &models.StandbyAssociation{GPUInstanceID: 42}
	svc := New(gpu, newFakeHistory(), Config{}, WithStandby(standby))

	err := svc.DestroyInstance(context.Background(), 42, false, models.FailureUserRequest)
	require.NoError(t, err)
	assert.Empty(t, standby.onDestroyed)
	assert.Empty(t, standby.markedWith)
}

func TestPauseResume(t *testing.T) {
	gpu := newFakeGPU()
	svc := New(gpu, newFakeHistory(), Config{})

	require.NoError(t, svc.PauseInstance(context.Background(), 7))
	require.NoError(t, svc.ResumeInstance(context.Background(), 7))
	assert.Equal(t, []int64{7}, gpu.paused)
	assert.Equal(t, []int64{7}, gpu.resumed)
}

func TestMigrateInstance(t *testing.T) {
	gpu := newFakeGPU()
	gpu.offers = testOffers()
	gpu.addInstance(&models.Instance{
		ID:     100,
		Status: models.StatusRunning,
		Image:  "pytorch/pytorch:latest",
		Network: models.Network{
			SSHHost: "203.0.113.5",
			SSHPort: 22,
		},
		Hardware: models.Hardware{GPUType: "RTX 4090", DiskGB: 50},
	})
	snaps := &fakeSnaps{}
	sink := &recordingSink{}
	svc := New(gpu, newFakeHistory(), Config{WorkspacePath: "/workspace"},
		WithSnapshots(snaps), WithEventSink(sink))

	result, err := svc.MigrateInstance(context.Background(), MigrateRequest{
		InstanceID:    100,
		TargetGPUType: "RTX 4090",
		DestroySource: true,
	})
	require.NoError(t, err)
	require.NotNil(t, result.NewInstance)
	assert.Equal(t, "snap-1", result.SnapshotID)
	assert.True(t, result.SourceDestroyed)

	// Snapshot taken from the source, restored onto the new host
	snaps.mu.Lock()
	assert.Equal(t, []string{"203.0.113.5"}, snaps.creates)
	require.Len(t, snaps.restores, 1)
	assert.Equal(t, "snap-1@"+result.NewInstance.Network.SSHHost, snaps.restores[0])
	snaps.mu.Unlock()

	assert.Contains(t, gpu.destroyed, int64(100))
	assert.Equal(t, "pytorch/pytorch:latest", result.NewInstance.Image)

	events := sink.byType(models.EventMigrated)
	require.Len(t, events, 1)
	assert.Equal(t, int64(100), events[0].InstanceID)
}

func TestMigrateInstanceRequiresRunningSource(t *testing.T) {
	gpu := newFakeGPU()
	gpu.offers = testOffers()
	gpu.addInstance(&models.Instance{ID: 100, Status: models.StatusPaused})
	svc := New(gpu, newFakeHistory(), Config{}, WithSnapshots(&fakeSnaps{}))

	_, err := svc.MigrateInstance(context.Background(), MigrateRequest{InstanceID: 100})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestMigrateInstanceWithoutEngine(t *testing.T) {
	svc := New(newFakeGPU(), newFakeHistory(), Config{})
	_, err := svc.MigrateInstance(context.Background(), MigrateRequest{InstanceID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshot engine")
}
