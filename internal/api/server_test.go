package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/internal/service/instance"
	"github.com/gpufleet/gpufleet/internal/standby"
	"github.com/gpufleet/gpufleet/internal/storage"
	"github.com/gpufleet/gpufleet/pkg/models"
)

type fakeInstances struct {
	offers     []models.Offer
	validation *instance.Validation
	instances  map[int64]*models.Instance

	destroyed  []int64
	lastReason models.FailureReason
}

func newFakeInstances() *fakeInstances {
	return &fakeInstances{
		validation: &instance.Validation{Valid: true},
		instances:  make(map[int64]*models.Instance),
	}
}

func (f *fakeInstances) SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error) {
	return f.offers, nil
}

func (f *fakeInstances) ValidateBeforeCreate(ctx context.Context, offerID string) (*instance.Validation, error) {
	return f.validation, nil
}

func (f *fakeInstances) CreateInstance(ctx context.Context, req models.CreateInstanceRequest, skipValidation bool) (*models.Instance, error) {
	if !skipValidation && !f.validation.Valid {
		return nil, &instance.ValidationError{Issues: f.validation.Errors}
	}
	inst := &models.Instance{ID: 8001, Provider: "vastai", Status: models.StatusRunning, Image: req.Image}
	f.instances[inst.ID] = inst
	return inst, nil
}

func (f *fakeInstances) GetInstance(ctx context.Context, id int64) (*models.Instance, error) {
	inst, ok := f.instances[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return inst, nil
}

func (f *fakeInstances) ListInstances(ctx context.Context) ([]models.Instance, error) {
	var out []models.Instance
	for _, inst := range f.instances {
		out = append(out, *inst)
	}
	return out, nil
}

func (f *fakeInstances) DestroyInstance(ctx context.Context, id int64, destroyStandby bool, reason models.FailureReason) error {
	f.destroyed = append(f.destroyed, id)
	f.lastReason = reason
	return nil
}

func (f *fakeInstances) PauseInstance(ctx context.Context, id int64) error { return nil }

func (f *fakeInstances) ResumeInstance(ctx context.Context, id int64) error { return nil }

func (f *fakeInstances) MigrateInstance(ctx context.Context, req instance.MigrateRequest) (*instance.MigrationResult, error) {
	return &instance.MigrationResult{SnapshotID: "snap-1"}, nil
}

type fakeStandbyAPI struct{}

func (fakeStandbyAPI) GetStatus(ctx context.Context) (*standby.Status, error) {
	return &standby.Status{Configured: true, Associations: 2, States: map[string]int{"ready": 2}}, nil
}

func (fakeStandbyAPI) ListAssociations(ctx context.Context) ([]*models.StandbyAssociation, error) {
	return []*models.StandbyAssociation{{GPUInstanceID: 1}, {GPUInstanceID: 2}}, nil
}

func (fakeStandbyAPI) GetAssociation(ctx context.Context, id int64) (*models.StandbyAssociation, error) {
	if id != 1 {
		return nil, storage.ErrNotFound
	}
	return &models.StandbyAssociation{GPUInstanceID: 1, State: models.PairReady}, nil
}

func (fakeStandbyAPI) GetActiveEndpoint(ctx context.Context, id int64) (*models.Endpoint, error) {
	return &models.Endpoint{Host: "10.0.0.1", Port: 22, User: "gpufleet"}, nil
}

func (fakeStandbyAPI) StartSync(ctx context.Context, id int64) error { return nil }
func (fakeStandbyAPI) StopSync(ctx context.Context, id int64) error  { return nil }

type fakeServerless struct {
	wakeResult *models.WakeResult
}

func (f *fakeServerless) Enable(ctx context.Context, id int64, mode models.ServerlessMode, idleTimeout, destroyAfter time.Duration, threshold float64, keepWarm, ckpt bool) (*models.ServerlessBinding, error) {
	if mode != "" && mode != models.ModeFast && mode != models.ModeEconomic && mode != models.ModeSpot {
		return nil, errors.New("unknown serverless mode")
	}
	return &models.ServerlessBinding{InstanceID: id, Mode: mode, IdleTimeout: idleTimeout, DestroyAfter: destroyAfter}, nil
}

func (f *fakeServerless) Disable(ctx context.Context, id int64) error { return nil }

func (f *fakeServerless) GetStatus(ctx context.Context, id int64) (*models.ServerlessBinding, error) {
	return &models.ServerlessBinding{InstanceID: id, State: models.ServerlessRunning}, nil
}

func (f *fakeServerless) ListAll(ctx context.Context) ([]*models.ServerlessBinding, error) {
	return nil, nil
}

func (f *fakeServerless) Wake(ctx context.Context, id int64, useCheckpoint bool) (*models.WakeResult, error) {
	if f.wakeResult != nil {
		return f.wakeResult, nil
	}
	return &models.WakeResult{Success: true, Method: "resume"}, nil
}

type fakeBlacklist struct {
	added   []string
	removed []string
}

func (f *fakeBlacklist) List(ctx context.Context) ([]*models.MachineBlacklistEntry, error) {
	return []*models.MachineBlacklistEntry{{Provider: "vastai", MachineID: "m-1"}}, nil
}

func (f *fakeBlacklist) AddManual(ctx context.Context, provider, machineID, reason string, ttl time.Duration) error {
	f.added = append(f.added, machineID)
	return nil
}

func (f *fakeBlacklist) Remove(ctx context.Context, provider, machineID string) error {
	f.removed = append(f.removed, machineID)
	return nil
}

func (f *fakeBlacklist) Stats(ctx context.Context, provider, machineID string) (*models.MachineStats, error) {
	return &models.MachineStats{Provider: provider, MachineID: machineID, TotalAttempts: 5}, nil
}

type fakeIngress struct{}

func (fakeIngress) ReceiveStatus(ctx context.Context, hb *models.Heartbeat) (*models.HeartbeatResponse, error) {
	return &models.HeartbeatResponse{Received: true, InstanceID: 42, Action: models.ActionNone}, nil
}

func newTestServer(t *testing.T, instances *fakeInstances) *Server {
	t.Helper()
	return New(instances,
		WithStandby(fakeStandbyAPI{}),
		WithServerless(&fakeServerless{}),
		WithBlacklist(&fakeBlacklist{}),
		WithIngress(fakeIngress{}))
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, newFakeInstances())

	w := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.SetReady(true)
	w = do(t, s, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t, newFakeInstances())

	w := do(t, s, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestSearchOffers(t *testing.T) {
	instances := newFakeInstances()
	instances.offers = []models.Offer{{ID: "o-1"}, {ID: "o-2"}}
	s := newTestServer(t, instances)

	w := do(t, s, http.MethodGet, "/api/v1/offers?gpu_type=RTX+4090", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Offers []models.Offer `json:"offers"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestCreateInstance(t *testing.T) {
	s := newTestServer(t, newFakeInstances())

	w := do(t, s, http.MethodPost, "/api/v1/instances", CreateInstanceBody{
		OfferID: "o-1",
		Image:   "pytorch/pytorch:latest",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var inst models.Instance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inst))
	assert.Equal(t, int64(8001), inst.ID)
}

func TestCreateInstanceMissingFields(t *testing.T) {
	s := newTestServer(t, newFakeInstances())

	w := do(t, s, http.MethodPost, "/api/v1/instances", map[string]string{"offer_id": "o-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateInstanceValidationFailure(t *testing.T) {
	instances := newFakeInstances()
	instances.validation = &instance.Validation{
		Valid:  false,
		Errors: []instance.ValidationIssue{{Code: instance.CodeInsufficientBalance, Message: "broke"}},
	}
	s := newTestServer(t, instances)

	w := do(t, s, http.MethodPost, "/api/v1/instances", CreateInstanceBody{
		OfferID: "o-1",
		Image:   "pytorch/pytorch:latest",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGetInstanceNotFound(t *testing.T) {
	s := newTestServer(t, newFakeInstances())

	w := do(t, s, http.MethodGet, "/api/v1/instances/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/instances/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDestroyInstanceReasons(t *testing.T) {
	instances := newFakeInstances()
	s := newTestServer(t, instances)

	w := do(t, s, http.MethodDelete, "/api/v1/instances/5?reason=spot_interruption", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.FailureSpotInterruption, instances.lastReason)

	w = do(t, s, http.MethodDelete, "/api/v1/instances/5?reason=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHeartbeatRoute(t *testing.T) {
	s := newTestServer(t, newFakeInstances())

	w := do(t, s, http.MethodPost, "/agent/heartbeat", models.Heartbeat{
		Agent:      "gpufleet-agent",
		InstanceID: "vastai-42",
		Status:     "healthy",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.HeartbeatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Received)
	assert.Equal(t, int64(42), resp.InstanceID)
}

func TestServerlessRoutes(t *testing.T) {
	s := newTestServer(t, newFakeInstances())

	w := do(t, s, http.MethodPost, "/api/v1/serverless/7/enable", EnableServerlessBody{
		Mode:                "economic",
		IdleTimeoutSeconds:  300,
		DestroyAfterSeconds: 86400,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var binding models.ServerlessBinding
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &binding))
	assert.Equal(t, int64(7), binding.InstanceID)
	assert.Equal(t, 5*time.Minute, binding.IdleTimeout)
	assert.Equal(t, 24*time.Hour, binding.DestroyAfter)

	w = do(t, s, http.MethodPost, "/api/v1/serverless/7/wake", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWakeFailureMapsToBadGateway(t *testing.T) {
	s := New(newFakeInstances(), WithServerless(&fakeServerless{
		wakeResult: &models.WakeResult{Success: false, Error: "all_failed"},
	}))

	w := do(t, s, http.MethodPost, "/api/v1/serverless/7/wake", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestBlacklistRoutes(t *testing.T) {
	s := newTestServer(t, newFakeInstances())

	w := do(t, s, http.MethodPost, "/api/v1/blacklist", BlacklistAddBody{
		Provider:  "vastai",
		MachineID: "m-9",
		Reason:    "flaky disk",
		TTLHours:  2,
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/blacklist", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodDelete, "/api/v1/blacklist/vastai/m-9", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/machines/vastai/m-9/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStandbyRoutes(t *testing.T) {
	s := newTestServer(t, newFakeInstances())

	w := do(t, s, http.MethodGet, "/api/v1/standby", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/standby/associations/1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/standby/associations/2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUnconfiguredComponents(t *testing.T) {
	s := New(newFakeInstances())

	w := do(t, s, http.MethodGet, "/api/v1/standby", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/serverless", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, s, http.MethodPost, "/agent/heartbeat", models.Heartbeat{InstanceID: "1"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
