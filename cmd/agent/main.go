// Command agent runs inside each GPU instance. It samples the GPUs,
// posts heartbeats to the control plane, serves local status endpoints,
// and honors hibernate/shutdown commands from the heartbeat channel.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gpufleet/gpufleet/agent/api"
	"github.com/gpufleet/gpufleet/agent/gpumon"
	"github.com/gpufleet/gpufleet/agent/heartbeat"
	"github.com/gpufleet/gpufleet/agent/idle"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	version = "0.1.0"

	// DefaultAgentPort serves /health and /status
	DefaultAgentPort = 8081

	// gpuSampleInterval is the nvidia-smi polling cadence
	gpuSampleInterval = 5 * time.Second

	// shutdownTimeout bounds graceful HTTP drain
	shutdownTimeout = 10 * time.Second
)

// agentState aggregates the samplers behind the status interfaces the
// heartbeat sender and local API consume
type agentState struct {
	instanceID string
	startedAt  time.Time
	sender     *heartbeat.Sender
	detector   *idle.Detector

	mu          sync.RWMutex
	lastMetrics *models.GPUMetrics
	hibernating bool
}

func (a *agentState) InstanceID() string { return a.instanceID }

func (a *agentState) Status() (string, string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.hibernating {
		return "stopping", "hibernate requested"
	}
	return "healthy", ""
}

func (a *agentState) Metrics(ctx context.Context) *models.GPUMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastMetrics
}

func (a *agentState) LastBackup() int64 { return 0 }

func (a *agentState) updateMetrics(m *models.GPUMetrics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastMetrics = m
}

func (a *agentState) markHibernating() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hibernating = true
}

// localStatus adapts agentState to the local API surface
type localStatus struct {
	state *agentState
}

func (l *localStatus) InstanceID() string { return l.state.instanceID }

func (l *localStatus) Status() string {
	status, _ := l.state.Status()
	return status
}

func (l *localStatus) IdleSeconds() int { return l.state.detector.IdleSeconds() }

func (l *localStatus) GPUMetrics() *models.GPUMetrics {
	return l.state.Metrics(context.Background())
}

func (l *localStatus) Uptime() time.Duration { return time.Since(l.state.startedAt) }

func (l *localStatus) HeartbeatFailures() int { return l.state.sender.FailureCount() }

func (l *localStatus) ControlPlaneReachable() bool { return l.state.sender.Reachable() }

// actions reacts to control plane commands
type actions struct {
	logger *slog.Logger
	state  *agentState
}

// PrepareHibernate flushes filesystem buffers and powers off once the
// grace window has passed. The control plane snapshots through the
// standby channel; the agent only has to stop cleanly.
func (a *actions) PrepareHibernate(secondsUntil int) {
	a.state.markHibernating()
	go func() {
		if secondsUntil > 0 {
			time.Sleep(time.Duration(secondsUntil) * time.Second)
		}
		syncDisks(a.logger)
		powerOff(a.logger, "hibernate grace expired")
	}()
}

func (a *actions) Shutdown() {
	syncDisks(a.logger)
	powerOff(a.logger, "control plane requested shutdown")
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("fleet agent starting",
		slog.String("version", version),
		slog.String("instance_id", cfg.InstanceID),
		slog.String("control_url", cfg.ControlURL),
		slog.Int("agent_port", cfg.AgentPort))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	monitor := gpumon.NewMonitor(logger.With(slog.String("component", "gpumon")))
	detector := idle.NewDetector(cfg.IdleThresholdPct)

	state := &agentState{
		instanceID: cfg.InstanceID,
		startedAt:  time.Now(),
		detector:   detector,
	}

	sender := heartbeat.New(cfg.ControlURL, cfg.InstanceID, state,
		heartbeat.WithLogger(logger.With(slog.String("component", "heartbeat"))),
		heartbeat.WithInterval(cfg.HeartbeatInterval),
		heartbeat.WithVersion(version),
		heartbeat.WithActionHandler(&actions{logger: logger, state: state}))
	state.sender = sender

	apiServer := api.New(cfg.InstanceID, &localStatus{state: state},
		api.WithLogger(logger.With(slog.String("component", "api"))),
		api.WithPort(cfg.AgentPort))

	go sampleGPUs(ctx, logger, monitor, state)
	sender.Start(ctx)

	go func() {
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("agent API server error", slog.String("error", err.Error()))
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("agent API shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("agent shutdown complete")
}

// Config holds the agent configuration, loaded from the environment the
// provisioner injects at instance creation
type Config struct {
	InstanceID        string
	ControlURL        string
	AgentPort         int
	HeartbeatInterval time.Duration
	IdleThresholdPct  float64
}

func loadConfig() (*Config, error) {
	cfg := &Config{
		ControlURL:        "http://localhost:8080",
		AgentPort:         DefaultAgentPort,
		HeartbeatInterval: heartbeat.DefaultInterval,
		IdleThresholdPct:  idle.DefaultThresholdPct,
	}

	cfg.InstanceID = os.Getenv("FLEET_INSTANCE_ID")
	if cfg.InstanceID == "" {
		return nil, fmt.Errorf("FLEET_INSTANCE_ID is required")
	}

	if url := os.Getenv("FLEET_CONTROL_URL"); url != "" {
		cfg.ControlURL = url
	}

	if portStr := os.Getenv("FLEET_AGENT_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid FLEET_AGENT_PORT: %w", err)
		}
		cfg.AgentPort = port
	}

	if intervalStr := os.Getenv("FLEET_HEARTBEAT_INTERVAL"); intervalStr != "" {
		interval, err := time.ParseDuration(intervalStr)
		if err != nil {
			return nil, fmt.Errorf("invalid FLEET_HEARTBEAT_INTERVAL: %w", err)
		}
		cfg.HeartbeatInterval = interval
	}

	if thresholdStr := os.Getenv("FLEET_IDLE_THRESHOLD"); thresholdStr != "" {
		threshold, err := strconv.ParseFloat(thresholdStr, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid FLEET_IDLE_THRESHOLD: %w", err)
		}
		cfg.IdleThresholdPct = threshold
	}

	return cfg, nil
}

// sampleGPUs polls nvidia-smi and feeds the idle detector
func sampleGPUs(ctx context.Context, logger *slog.Logger, monitor *gpumon.Monitor, state *agentState) {
	ticker := time.NewTicker(gpuSampleInterval)
	defer ticker.Stop()

	logger.Info("GPU sampling started", slog.Duration("interval", gpuSampleInterval))

	for {
		select {
		case <-ticker.C:
			metrics, err := monitor.Sample(ctx)
			if err != nil {
				logger.Warn("GPU sample failed", slog.String("error", err.Error()))
				continue
			}
			state.updateMetrics(metrics)
			if metrics.GPUCount > 0 {
				state.detector.RecordSample(metrics.Utilization)
			}
		case <-ctx.Done():
			logger.Info("GPU sampling stopped")
			return
		}
	}
}

func syncDisks(logger *slog.Logger) {
	if err := exec.Command("sync").Run(); err != nil {
		logger.Warn("sync failed", slog.String("error", err.Error()))
	}
}

// powerOff halts the machine. Billing for an interrupted spot host
// stops at poweroff, not at process exit.
func powerOff(logger *slog.Logger, reason string) {
	logger.Error("powering off", slog.String("reason", reason))

	if err := exec.Command("shutdown", "-h", "now").Run(); err != nil {
		logger.Error("shutdown command failed, trying poweroff",
			slog.String("error", err.Error()))
		if err := exec.Command("poweroff").Run(); err != nil {
			logger.Error("poweroff failed, exiting", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
}
