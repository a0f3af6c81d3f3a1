// Package ingress receives in-guest agent heartbeats and routes them
// to the standby health path and the serverless idle predicate. The
// receiver itself is stateless; nothing from the heartbeat body is
// persisted beyond what those components record.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/standby"
	"github.com/gpufleet/gpufleet/pkg/models"
)

// hibernator is the slice of the standby manager the ingress consults
// for the hibernation decision
type hibernator interface {
	UpdateInstanceStatus(ctx context.Context, gpuInstanceID int64, agentStatus string) (*standby.HibernateDecision, error)
}

// utilizationSink receives the per-heartbeat GPU utilization sample
type utilizationSink interface {
	UpdateGPUUtilization(ctx context.Context, instanceID int64, utilization float64) error
}

// Receiver processes agent heartbeats
type Receiver struct {
	standby    hibernator
	serverless utilizationSink
}

// New wires the receiver; either collaborator may be nil
func New(standby hibernator, serverless utilizationSink) *Receiver {
	return &Receiver{standby: standby, serverless: serverless}
}

// ReceiveStatus acknowledges one heartbeat. The response action tells
// the agent whether to keep going or start flushing state for an
// imminent stop.
func (r *Receiver) ReceiveStatus(ctx context.Context, hb *models.Heartbeat) (*models.HeartbeatResponse, error) {
	id, err := ExtractInstanceID(hb.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("unparseable instance id %q: %w", hb.InstanceID, err)
	}

	resp := &models.HeartbeatResponse{
		Received:   true,
		InstanceID: id,
		Action:     models.ActionNone,
	}

	if r.standby != nil {
		decision, err := r.standby.UpdateInstanceStatus(ctx, id, hb.Status)
		if err != nil {
			slog.Warn("heartbeat status update failed",
				slog.Int64("instance_id", id),
				slog.String("error", err.Error()))
		} else if decision.ShouldHibernate {
			resp.Action = models.ActionPrepareHibernate
			resp.SecondsToHibernate = decision.SecondsUntil
			resp.Message = decision.Reason
		}
	}

	if util, ok := primaryUtilization(hb); ok && r.serverless != nil {
		// Best-effort: instances without a serverless binding land here
		// on every heartbeat.
		if err := r.serverless.UpdateGPUUtilization(ctx, id, util); err != nil {
			slog.Debug("serverless utilization sample dropped",
				slog.Int64("instance_id", id),
				slog.String("error", err.Error()))
		}
	}

	metrics.HeartbeatsTotal.WithLabelValues(string(resp.Action)).Inc()
	return resp, nil
}

// ExtractInstanceID parses the numeric instance id out of the agent's
// identifier, stripping a provider prefix like "vastai-12345" or
// "vastai:12345" when present.
func ExtractInstanceID(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if i := strings.LastIndexAny(s, "-:"); i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return 0, fmt.Errorf("empty instance id")
	}
	return strconv.ParseInt(s, 10, 64)
}

// primaryUtilization derives the single utilization value fed to the
// idle predicate: the primary GPU's sample when the agent reports
// per-GPU metrics, the legacy scalar field otherwise.
func primaryUtilization(hb *models.Heartbeat) (float64, bool) {
	if m := hb.GPUMetrics; m != nil {
		if len(m.GPUUtilizations) > 0 {
			return m.GPUUtilizations[0], true
		}
		if m.GPUCount > 0 {
			return m.Utilization, true
		}
	}
	if hb.GPUUtilization != nil {
		return *hb.GPUUtilization, true
	}
	return 0, false
}
