package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/internal/service/instance"
	"github.com/gpufleet/gpufleet/internal/storage"
	"github.com/gpufleet/gpufleet/pkg/models"
)

// Request/response types

// ErrorResponse is the standard error body
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check body
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// OffersQuery filters the offer search
type OffersQuery struct {
	GPUType            string  `form:"gpu_type"`
	MinVRAM            int     `form:"min_vram"`
	MaxPrice           float64 `form:"max_price"`
	Region             string  `form:"region"`
	MinReliability     float64 `form:"min_reliability"`
	MinGPUCount        int     `form:"min_gpu_count"`
	IncludeBlacklisted bool    `form:"include_blacklisted"`
}

// CreateInstanceBody is the create request
type CreateInstanceBody struct {
	OfferID        string            `json:"offer_id" binding:"required"`
	Image          string            `json:"image" binding:"required"`
	DiskGB         float64           `json:"disk_gb"`
	Label          string            `json:"label"`
	Ports          []string          `json:"ports"`
	OnStart        string            `json:"onstart"`
	Env            map[string]string `json:"env"`
	SkipValidation bool              `json:"skip_validation"`
}

// MigrateBody selects the migration target
type MigrateBody struct {
	TargetGPUType string  `json:"target_gpu_type"`
	MaxPrice      float64 `json:"max_price"`
	DestroySource bool    `json:"destroy_source"`
}

// EnableServerlessBody opts an instance into auto-suspend
type EnableServerlessBody struct {
	Mode                string  `json:"mode"`
	IdleTimeoutSeconds  int     `json:"idle_timeout_seconds" binding:"required,min=2"`
	DestroyAfterSeconds int     `json:"destroy_after_seconds" binding:"min=0"`
	GPUThreshold        float64 `json:"gpu_threshold"`
	KeepWarm            bool    `json:"keep_warm"`
	CheckpointEnabled   bool    `json:"checkpoint_enabled"`
}

// WakeBody tunes a manual wake
type WakeBody struct {
	UseCheckpoint bool `json:"use_checkpoint"`
}

// BlacklistAddBody adds a manual blacklist entry
type BlacklistAddBody struct {
	Provider  string `json:"provider" binding:"required"`
	MachineID string `json:"machine_id" binding:"required"`
	Reason    string `json:"reason"`
	TTLHours  int    `json:"ttl_hours"`
}

// InstanceCostResponse is the per-instance accrual
type InstanceCostResponse struct {
	InstanceID  int64   `json:"instance_id"`
	AccruedCost float64 `json:"accrued_cost"`
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now().UTC()})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.IsReady() {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	if s.ingress == nil {
		s.notConfigured(c, "agent ingress")
		return
	}

	var hb models.Heartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		s.badRequest(c, err)
		return
	}

	resp, err := s.ingress.ReceiveStatus(c.Request.Context(), &hb)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSearchOffers(c *gin.Context) {
	var q OffersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		s.badRequest(c, err)
		return
	}

	offers, err := s.instances.SearchOffers(c.Request.Context(), models.OfferFilter{
		GPUType:          q.GPUType,
		MinVRAM:          q.MinVRAM,
		MaxPrice:         q.MaxPrice,
		Region:           q.Region,
		MinReliability:   q.MinReliability,
		MinGPUCount:      q.MinGPUCount,
		IncludeBlacklist: q.IncludeBlacklisted,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

func (s *Server) handleValidateOffer(c *gin.Context) {
	v, err := s.instances.ValidateBeforeCreate(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	status := http.StatusOK
	if !v.Valid {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, v)
}

func (s *Server) handleCreateInstance(c *gin.Context) {
	var body CreateInstanceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}

	inst, err := s.instances.CreateInstance(c.Request.Context(), models.CreateInstanceRequest{
		OfferID: body.OfferID,
		Image:   body.Image,
		DiskGB:  body.DiskGB,
		Label:   body.Label,
		Ports:   body.Ports,
		OnStart: body.OnStart,
		EnvVars: body.Env,
	}, body.SkipValidation)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (s *Server) handleListInstances(c *gin.Context) {
	instances, err := s.instances.ListInstances(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances, "count": len(instances)})
}

func (s *Server) handleGetInstance(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	inst, err := s.instances.GetInstance(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) handleDestroyInstance(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}

	destroyStandby := c.Query("destroy_standby") == "true"
	reason := models.FailureReason(c.DefaultQuery("reason", string(models.FailureUserRequest)))
	switch reason {
	case models.FailureUserRequest, models.FailureGPU, models.FailureSpotInterruption:
	default:
		s.badRequest(c, fmt.Errorf("unknown destroy reason %q", reason))
		return
	}

	if err := s.instances.DestroyInstance(c.Request.Context(), id, destroyStandby, reason); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"destroyed": id})
}

func (s *Server) handlePauseInstance(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	if err := s.instances.PauseInstance(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": id})
}

func (s *Server) handleResumeInstance(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	if err := s.instances.ResumeInstance(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": id})
}

func (s *Server) handleMigrateInstance(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}

	var body MigrateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}

	result, err := s.instances.MigrateInstance(c.Request.Context(), instance.MigrateRequest{
		InstanceID:    id,
		TargetGPUType: body.TargetGPUType,
		MaxPrice:      body.MaxPrice,
		DestroySource: body.DestroySource,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleInstanceCost(c *gin.Context) {
	if s.ledger == nil {
		s.notConfigured(c, "usage ledger")
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}

	accrued, err := s.ledger.InstanceCost(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, InstanceCostResponse{InstanceID: id, AccruedCost: accrued})
}

func (s *Server) handleUsageSummary(c *gin.Context) {
	if s.ledger == nil {
		s.notConfigured(c, "usage ledger")
		return
	}
	sum, err := s.ledger.Summary(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) handleListSnapshots(c *gin.Context) {
	if s.snapshots == nil {
		s.notConfigured(c, "snapshot engine")
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}

	inst, err := s.instances.GetInstance(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}

	all, err := s.snapshots.List(c.Request.Context(), inst.Network.SSHHost, inst.Network.SSHPort, "")
	if err != nil {
		s.respondError(c, err)
		return
	}

	tag := fmt.Sprintf("instance-%d", id)
	var snapshots []models.Snapshot
	for _, snap := range all {
		for _, t := range snap.Tags {
			if t == tag {
				snapshots = append(snapshots, snap)
				break
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots, "count": len(snapshots)})
}

func (s *Server) handleCreateSnapshot(c *gin.Context) {
	if s.snapshots == nil {
		s.notConfigured(c, "snapshot engine")
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}

	inst, err := s.instances.GetInstance(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !inst.IsRunning() || inst.Network.SSHHost == "" {
		s.badRequest(c, fmt.Errorf("instance %d is not running with a shell endpoint", id))
		return
	}

	summary, err := s.snapshots.Create(c.Request.Context(),
		inst.Network.SSHHost, inst.Network.SSHPort,
		s.workspacePath, []string{fmt.Sprintf("instance-%d", id)})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, summary)
}

func (s *Server) handleStandbyStatus(c *gin.Context) {
	if s.standby == nil {
		s.notConfigured(c, "standby manager")
		return
	}
	status, err := s.standby.GetStatus(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleListAssociations(c *gin.Context) {
	if s.standby == nil {
		s.notConfigured(c, "standby manager")
		return
	}
	assocs, err := s.standby.ListAssociations(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"associations": assocs, "count": len(assocs)})
}

func (s *Server) handleGetAssociation(c *gin.Context) {
	if s.standby == nil {
		s.notConfigured(c, "standby manager")
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	assoc, err := s.standby.GetAssociation(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, assoc)
}

func (s *Server) handleActiveEndpoint(c *gin.Context) {
	if s.standby == nil {
		s.notConfigured(c, "standby manager")
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	ep, err := s.standby.GetActiveEndpoint(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ep)
}

func (s *Server) handleStartSync(c *gin.Context) {
	if s.standby == nil {
		s.notConfigured(c, "standby manager")
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	if err := s.standby.StartSync(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sync": "started"})
}

func (s *Server) handleStopSync(c *gin.Context) {
	if s.standby == nil {
		s.notConfigured(c, "standby manager")
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	if err := s.standby.StopSync(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sync": "stopped"})
}

func (s *Server) handleListServerless(c *gin.Context) {
	if s.serverless == nil {
		s.notConfigured(c, "serverless scheduler")
		return
	}
	bindings, err := s.serverless.ListAll(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bindings": bindings, "count": len(bindings)})
}

func (s *Server) handleGetServerless(c *gin.Context) {
	if s.serverless == nil {
		s.notConfigured(c, "serverless scheduler")
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	binding, err := s.serverless.GetStatus(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, binding)
}

func (s *Server) handleEnableServerless(c *gin.Context) {
	if s.serverless == nil {
		s.notConfigured(c, "serverless scheduler")
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}

	var body EnableServerlessBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}

	binding, err := s.serverless.Enable(c.Request.Context(), id,
		models.ServerlessMode(body.Mode),
		time.Duration(body.IdleTimeoutSeconds)*time.Second,
		time.Duration(body.DestroyAfterSeconds)*time.Second,
		body.GPUThreshold, body.KeepWarm, body.CheckpointEnabled)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	c.JSON(http.StatusCreated, binding)
}

func (s *Server) handleDisableServerless(c *gin.Context) {
	if s.serverless == nil {
		s.notConfigured(c, "serverless scheduler")
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	if err := s.serverless.Disable(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disabled": id})
}

func (s *Server) handleWake(c *gin.Context) {
	if s.serverless == nil {
		s.notConfigured(c, "serverless scheduler")
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}

	var body WakeBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			s.badRequest(c, err)
			return
		}
	}

	result, err := s.serverless.Wake(c.Request.Context(), id, body.UseCheckpoint)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !result.Success {
		c.JSON(http.StatusBadGateway, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleListBlacklist(c *gin.Context) {
	if s.blacklist == nil {
		s.notConfigured(c, "blacklist")
		return
	}
	entries, err := s.blacklist.List(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) handleAddBlacklist(c *gin.Context) {
	if s.blacklist == nil {
		s.notConfigured(c, "blacklist")
		return
	}

	var body BlacklistAddBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}

	ttl := time.Duration(body.TTLHours) * time.Hour
	if err := s.blacklist.AddManual(c.Request.Context(), body.Provider, body.MachineID, body.Reason, ttl); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"blacklisted": body.MachineID})
}

func (s *Server) handleRemoveBlacklist(c *gin.Context) {
	if s.blacklist == nil {
		s.notConfigured(c, "blacklist")
		return
	}
	if err := s.blacklist.Remove(c.Request.Context(), c.Param("provider"), c.Param("machine_id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("machine_id")})
}

func (s *Server) handleMachineStats(c *gin.Context) {
	if s.blacklist == nil {
		s.notConfigured(c, "blacklist")
		return
	}
	stats, err := s.blacklist.Stats(c.Request.Context(), c.Param("provider"), c.Param("machine_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Helpers

func (s *Server) pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.badRequest(c, fmt.Errorf("invalid instance id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     err.Error(),
		RequestID: c.GetString("request_id"),
	})
}

func (s *Server) notConfigured(c *gin.Context, component string) {
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Error:     component + " is not configured",
		RequestID: c.GetString("request_id"),
	})
}

func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	var verr *instance.ValidationError
	switch {
	case errors.As(err, &verr):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrNotFound) || provider.IsNotFound(err):
		status = http.StatusNotFound
	case provider.IsRateLimited(err):
		status = http.StatusTooManyRequests
	case provider.IsInvalidRequest(err):
		status = http.StatusBadRequest
	}

	c.JSON(status, ErrorResponse{
		Error:     err.Error(),
		RequestID: c.GetString("request_id"),
	})
}
