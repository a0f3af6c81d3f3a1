// Package api serves the agent's local status endpoints. Operators and
// the workspace sync tooling hit these over the instance's SSH tunnel.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// StatusProvider supplies the fields reported at /status
type StatusProvider interface {
	InstanceID() string
	Status() string
	IdleSeconds() int
	GPUMetrics() *models.GPUMetrics
	Uptime() time.Duration
	HeartbeatFailures() int
	ControlPlaneReachable() bool
}

// HealthResponse is the health check body
type HealthResponse struct {
	Status     string    `json:"status"`
	InstanceID string    `json:"instance_id"`
	Uptime     string    `json:"uptime"`
	Timestamp  time.Time `json:"timestamp"`
}

// StatusResponse is the detailed status body
type StatusResponse struct {
	InstanceID            string             `json:"instance_id"`
	Status                string             `json:"status"`
	IdleSeconds           int                `json:"idle_seconds"`
	GPUMetrics            *models.GPUMetrics `json:"gpu_metrics,omitempty"`
	Uptime                string             `json:"uptime"`
	ControlPlaneReachable bool               `json:"control_plane_reachable"`
	HeartbeatFailures     int                `json:"heartbeat_failures"`
	Timestamp             time.Time          `json:"timestamp"`
}

// Server is the local agent HTTP server
type Server struct {
	server    *http.Server
	logger    *slog.Logger
	status    StatusProvider
	port      int
	startedAt time.Time
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithPort sets the listen port
func WithPort(port int) Option {
	return func(s *Server) {
		s.port = port
	}
}

type defaultStatus struct {
	instanceID string
	startedAt  time.Time
}

func (d *defaultStatus) InstanceID() string { return d.instanceID }

func (d *defaultStatus) Status() string { return "healthy" }

func (d *defaultStatus) IdleSeconds() int { return 0 }

func (d *defaultStatus) GPUMetrics() *models.GPUMetrics { return nil }

func (d *defaultStatus) Uptime() time.Duration { return time.Since(d.startedAt) }

func (d *defaultStatus) HeartbeatFailures() int { return 0 }

func (d *defaultStatus) ControlPlaneReachable() bool { return true }

// New creates the agent API server. A nil status falls back to a static
// healthy report.
func New(instanceID string, status StatusProvider, opts ...Option) *Server {
	s := &Server{
		logger:    slog.Default(),
		port:      8081,
		startedAt: time.Now(),
		status:    status,
	}
	if s.status == nil {
		s.status = &defaultStatus{instanceID: instanceID, startedAt: s.startedAt}
	}

	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/", s.handleNotFound)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	return s
}

// Start starts the server and blocks until it exits
func (s *Server) Start() error {
	s.logger.Info("starting agent API server", slog.Int("port", s.port))
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down agent API server")
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler (for testing)
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request handled",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("latency", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		InstanceID: s.status.InstanceID(),
		Uptime:     s.status.Uptime().String(),
		Timestamp:  time.Now().UTC(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{
		InstanceID:            s.status.InstanceID(),
		Status:                s.status.Status(),
		IdleSeconds:           s.status.IdleSeconds(),
		GPUMetrics:            s.status.GPUMetrics(),
		Uptime:                s.status.Uptime().String(),
		ControlPlaneReachable: s.status.ControlPlaneReachable(),
		HeartbeatFailures:     s.status.HeartbeatFailures(),
		Timestamp:             time.Now().UTC(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "not found", http.StatusNotFound)
}
