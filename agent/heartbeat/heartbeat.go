// Package heartbeat posts periodic status reports from the in-guest
// agent to the fleet control plane and acts on the returned commands.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	// DefaultInterval is the default heartbeat cadence
	DefaultInterval = 30 * time.Second

	// DefaultTimeout bounds one heartbeat POST
	DefaultTimeout = 10 * time.Second

	// DefaultUnreachableThreshold is consecutive failures before the
	// failsafe fires. 60 failures at 30s is 30 minutes unreachable.
	DefaultUnreachableThreshold = 60

	agentName = "gpufleet-agent"
)

// StatusProvider supplies the current report fields
type StatusProvider interface {
	Status() (status, message string)
	Metrics(ctx context.Context) *models.GPUMetrics
	LastBackup() int64
}

// ActionHandler reacts to control plane commands
type ActionHandler interface {
	PrepareHibernate(secondsUntil int)
	Shutdown()
}

// Sender posts heartbeats to the control plane
type Sender struct {
	controlURL string
	instanceID string
	version    string
	interval   time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	status     StatusProvider
	actions    ActionHandler

	failureCount         atomic.Int32
	running              atomic.Bool
	unreachableThreshold int32
	startedAt            time.Time
}

// Option configures the sender
type Option func(*Sender)

// WithInterval sets the heartbeat cadence
func WithInterval(d time.Duration) Option {
	return func(s *Sender) {
		s.interval = d
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sender) {
		s.logger = logger
	}
}

// WithVersion reports the agent build version
func WithVersion(v string) Option {
	return func(s *Sender) {
		s.version = v
	}
}

// WithActionHandler sets the command handler
func WithActionHandler(h ActionHandler) Option {
	return func(s *Sender) {
		s.actions = h
	}
}

// WithUnreachableThreshold sets the consecutive failure count that
// triggers the failsafe shutdown
func WithUnreachableThreshold(threshold int) Option {
	return func(s *Sender) {
		if threshold > 0 {
			s.unreachableThreshold = int32(threshold)
		}
	}
}

type noopStatus struct{}

func (noopStatus) Status() (string, string) { return "healthy", "" }

func (noopStatus) Metrics(ctx context.Context) *models.GPUMetrics { return nil }

func (noopStatus) LastBackup() int64 { return 0 }

type noopActions struct{}

func (noopActions) PrepareHibernate(int) {}

func (noopActions) Shutdown() {}

// New creates a heartbeat sender. instanceID is the provider-prefixed
// identifier the control plane assigned at provisioning time.
func New(controlURL, instanceID string, status StatusProvider, opts ...Option) *Sender {
	s := &Sender{
		controlURL:           controlURL,
		instanceID:           instanceID,
		interval:             DefaultInterval,
		unreachableThreshold: DefaultUnreachableThreshold,
		httpClient:           &http.Client{Timeout: DefaultTimeout},
		logger:               slog.Default(),
		status:               status,
		actions:              noopActions{},
		startedAt:            time.Now(),
	}
	if s.status == nil {
		s.status = noopStatus{}
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the heartbeat loop in the background
func (s *Sender) Start(ctx context.Context) {
	if s.running.Swap(true) {
		return
	}
	go s.run(ctx)
}

func (s *Sender) run(ctx context.Context) {
	defer s.running.Store(false)

	s.logger.Info("heartbeat sender starting",
		slog.String("control_url", s.controlURL),
		slog.String("instance_id", s.instanceID),
		slog.Duration("interval", s.interval))

	s.send(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.send(ctx)
		case <-ctx.Done():
			s.logger.Info("heartbeat sender stopping")
			return
		}
	}
}

func (s *Sender) send(ctx context.Context) {
	status, message := s.status.Status()

	hb := models.Heartbeat{
		Agent:      agentName,
		Version:    s.version,
		InstanceID: s.instanceID,
		Status:     status,
		Message:    message,
		LastBackup: s.status.LastBackup(),
		Timestamp:  time.Now().Unix(),
		Uptime:     time.Since(s.startedAt).Seconds(),
		GPUMetrics: s.status.Metrics(ctx),
	}

	body, err := json.Marshal(hb)
	if err != nil {
		s.logger.Error("failed to marshal heartbeat", slog.String("error", err.Error()))
		return
	}

	url := s.controlURL + "/agent/heartbeat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("failed to build heartbeat request", slog.String("error", err.Error()))
		s.handleFailure()
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("heartbeat failed",
			slog.String("error", err.Error()),
			slog.Int("consecutive_failures", int(s.failureCount.Load())+1))
		s.handleFailure()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("heartbeat rejected",
			slog.Int("status", resp.StatusCode),
			slog.Int("consecutive_failures", int(s.failureCount.Load())+1))
		s.handleFailure()
		return
	}

	var ack models.HeartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		s.logger.Warn("heartbeat ack unreadable", slog.String("error", err.Error()))
		return
	}

	failures := s.failureCount.Swap(0)
	if failures > 0 {
		s.logger.Info("heartbeat recovered",
			slog.Int("previous_failures", int(failures)))
	}

	s.dispatch(&ack)
}

func (s *Sender) dispatch(ack *models.HeartbeatResponse) {
	switch ack.Action {
	case models.ActionPrepareHibernate:
		s.logger.Warn("control plane requested hibernation",
			slog.Int("seconds_until", ack.SecondsToHibernate),
			slog.String("message", ack.Message))
		s.actions.PrepareHibernate(ack.SecondsToHibernate)
	case models.ActionShutdown:
		s.logger.Warn("control plane requested shutdown",
			slog.String("message", ack.Message))
		s.actions.Shutdown()
	}
}

// handleFailure counts a miss and fires the failsafe when the control
// plane has been unreachable past the threshold. An instance nobody can
// reach bills forever otherwise.
func (s *Sender) handleFailure() {
	count := s.failureCount.Add(1)
	if count >= s.unreachableThreshold {
		s.logger.Error("control plane unreachable past threshold, triggering failsafe",
			slog.Int("consecutive_failures", int(count)),
			slog.Duration("unreachable_for", time.Duration(count)*s.interval))
		s.actions.Shutdown()
	}
}

// FailureCount returns the current consecutive miss count
func (s *Sender) FailureCount() int {
	return int(s.failureCount.Load())
}

// IsRunning reports whether the loop is active
func (s *Sender) IsRunning() bool {
	return s.running.Load()
}

// Reachable reports whether the last heartbeat landed
func (s *Sender) Reachable() bool {
	return s.failureCount.Load() == 0
}
