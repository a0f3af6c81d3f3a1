// Package api exposes the fleet control plane over HTTP: offer search,
// instance lifecycle, standby and serverless state, the machine
// blacklist, and the agent heartbeat ingress.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/service/instance"
	"github.com/gpufleet/gpufleet/internal/standby"
	"github.com/gpufleet/gpufleet/pkg/models"
)

// instanceService is the lifecycle surface the API fronts
type instanceService interface {
	SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error)
	ValidateBeforeCreate(ctx context.Context, offerID string) (*instance.Validation, error)
	CreateInstance(ctx context.Context, req models.CreateInstanceRequest, skipValidation bool) (*models.Instance, error)
	GetInstance(ctx context.Context, id int64) (*models.Instance, error)
	ListInstances(ctx context.Context) ([]models.Instance, error)
	DestroyInstance(ctx context.Context, id int64, destroyStandby bool, reason models.FailureReason) error
	PauseInstance(ctx context.Context, id int64) error
	ResumeInstance(ctx context.Context, id int64) error
	MigrateInstance(ctx context.Context, req instance.MigrateRequest) (*instance.MigrationResult, error)
}

// standbyManager is the read/control surface over standby pairs
type standbyManager interface {
	GetStatus(ctx context.Context) (*standby.Status, error)
	ListAssociations(ctx context.Context) ([]*models.StandbyAssociation, error)
	GetAssociation(ctx context.Context, gpuInstanceID int64) (*models.StandbyAssociation, error)
	GetActiveEndpoint(ctx context.Context, gpuInstanceID int64) (*models.Endpoint, error)
	StartSync(ctx context.Context, gpuInstanceID int64) error
	StopSync(ctx context.Context, gpuInstanceID int64) error
}

// serverlessScheduler is the serverless control surface
type serverlessScheduler interface {
	Enable(ctx context.Context, instanceID int64, mode models.ServerlessMode, idleTimeout, destroyAfter time.Duration, gpuThreshold float64, keepWarm, checkpointEnabled bool) (*models.ServerlessBinding, error)
	Disable(ctx context.Context, instanceID int64) error
	GetStatus(ctx context.Context, instanceID int64) (*models.ServerlessBinding, error)
	ListAll(ctx context.Context) ([]*models.ServerlessBinding, error)
	Wake(ctx context.Context, instanceID int64, useCheckpoint bool) (*models.WakeResult, error)
}

// blacklistManager is the machine blacklist surface
type blacklistManager interface {
	List(ctx context.Context) ([]*models.MachineBlacklistEntry, error)
	AddManual(ctx context.Context, provider, machineID, reason string, ttl time.Duration) error
	Remove(ctx context.Context, provider, machineID string) error
	Stats(ctx context.Context, provider, machineID string) (*models.MachineStats, error)
}

// usageLedger exposes accrued cost
type usageLedger interface {
	InstanceCost(ctx context.Context, instanceID int64) (float64, error)
	Summary(ctx context.Context) (*models.UsageSummary, error)
}

// heartbeatReceiver handles the agent ingress path
type heartbeatReceiver interface {
	ReceiveStatus(ctx context.Context, hb *models.Heartbeat) (*models.HeartbeatResponse, error)
}

// snapshotEngine is the slice of the snapshot engine the API exposes
type snapshotEngine interface {
	Create(ctx context.Context, host string, port int, sourcePath string, tags []string) (*models.SnapshotSummary, error)
	List(ctx context.Context, host string, port int, hostFilter string) ([]models.Snapshot, error)
}

// Server is the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger

	instances  instanceService
	standby    standbyManager
	serverless serverlessScheduler
	blacklist  blacklistManager
	ledger     usageLedger
	ingress    heartbeatReceiver
	snapshots  snapshotEngine

	workspacePath string
	corsOrigins   map[string]bool

	host string
	port int

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHost sets the listen host
func WithHost(host string) Option {
	return func(s *Server) {
		s.host = host
	}
}

// WithPort sets the listen port
func WithPort(port int) Option {
	return func(s *Server) {
		s.port = port
	}
}

// WithStandby exposes the standby routes
func WithStandby(m standbyManager) Option {
	return func(s *Server) {
		s.standby = m
	}
}

// WithServerless exposes the serverless routes
func WithServerless(sched serverlessScheduler) Option {
	return func(s *Server) {
		s.serverless = sched
	}
}

// WithBlacklist exposes the blacklist routes
func WithBlacklist(b blacklistManager) Option {
	return func(s *Server) {
		s.blacklist = b
	}
}

// WithLedger exposes the usage routes
func WithLedger(l usageLedger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// WithIngress exposes the agent heartbeat route
func WithIngress(r heartbeatReceiver) Option {
	return func(s *Server) {
		s.ingress = r
	}
}

// WithSnapshots exposes the snapshot routes
func WithSnapshots(engine snapshotEngine, workspacePath string) Option {
	return func(s *Server) {
		s.snapshots = engine
		s.workspacePath = workspacePath
	}
}

// WithCORSOrigins allows the listed origins on browser requests
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		s.corsOrigins = make(map[string]bool, len(origins))
		for _, o := range origins {
			s.corsOrigins[o] = true
		}
	}
}

// New creates the API server over the instance service
func New(instances instanceService, opts ...Option) *Server {
	s := &Server{
		logger:        slog.Default(),
		instances:     instances,
		workspacePath: "/workspace",
		host:          "0.0.0.0",
		port:          8080,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupRouter()
	return s
}

// SetReady flips the readiness probe
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	s.logger.Info("server readiness changed", slog.Bool("ready", ready))
}

// IsReady reports whether the server accepts traffic
func (s *Server) IsReady() bool {
	return s.ready.Load()
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(s.requestIDMiddleware())
	router.Use(s.metricsMiddleware())
	router.Use(s.bodySizeLimitMiddleware(1 << 20))
	router.Use(s.loggingMiddleware())
	router.Use(s.recoveryMiddleware())
	if len(s.corsOrigins) > 0 {
		router.Use(s.corsMiddleware())
	}

	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The agent posts here on its own cadence; keep it outside /api/v1
	// so agent and API versioning can move independently.
	router.POST("/agent/heartbeat", s.handleHeartbeat)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/offers", s.handleSearchOffers)
		v1.POST("/offers/:id/validate", s.handleValidateOffer)

		v1.POST("/instances", s.handleCreateInstance)
		v1.GET("/instances", s.handleListInstances)
		v1.GET("/instances/:id", s.handleGetInstance)
		v1.DELETE("/instances/:id", s.handleDestroyInstance)
		v1.POST("/instances/:id/pause", s.handlePauseInstance)
		v1.POST("/instances/:id/resume", s.handleResumeInstance)
		v1.POST("/instances/:id/migrate", s.handleMigrateInstance)
		v1.GET("/instances/:id/cost", s.handleInstanceCost)
		v1.GET("/instances/:id/snapshots", s.handleListSnapshots)
		v1.POST("/instances/:id/snapshots", s.handleCreateSnapshot)

		v1.GET("/usage/summary", s.handleUsageSummary)

		v1.GET("/standby", s.handleStandbyStatus)
		v1.GET("/standby/associations", s.handleListAssociations)
		v1.GET("/standby/associations/:id", s.handleGetAssociation)
		v1.GET("/standby/associations/:id/endpoint", s.handleActiveEndpoint)
		v1.POST("/standby/associations/:id/sync/start", s.handleStartSync)
		v1.POST("/standby/associations/:id/sync/stop", s.handleStopSync)

		v1.GET("/serverless", s.handleListServerless)
		v1.GET("/serverless/:id", s.handleGetServerless)
		v1.POST("/serverless/:id/enable", s.handleEnableServerless)
		v1.DELETE("/serverless/:id", s.handleDisableServerless)
		v1.POST("/serverless/:id/wake", s.handleWake)

		v1.GET("/blacklist", s.handleListBlacklist)
		v1.POST("/blacklist", s.handleAddBlacklist)
		v1.DELETE("/blacklist/:provider/:machine_id", s.handleRemoveBlacklist)
		v1.GET("/machines/:provider/:machine_id/stats", s.handleMachineStats)
	}

	s.router = router
}

// Start starts the HTTP server and blocks until it exits
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("starting API server", slog.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the Gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Middleware

// validRequestIDRegex allows alphanumeric, dots, underscores, and hyphens up to 128 chars.
var validRequestIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

func isValidRequestID(id string) bool {
	return id != "" && validRequestIDRegex.MatchString(id)
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if !isValidRequestID(requestID) {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Use the matched route pattern so path parameters don't blow
		// up label cardinality.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		duration := time.Since(start)
		status := strconv.Itoa(c.Writer.Status())
		metrics.RecordHTTPRequest(c.Request.Method, path, status, duration)
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		s.logger.Info("request completed",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
			slog.String("request_id", c.GetString("request_id")),
			slog.String("client_ip", c.ClientIP()))
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered",
					slog.Any("error", err),
					slog.String("stack", string(debug.Stack())),
					slog.String("request_id", c.GetString("request_id")))

				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Error:     "internal server error",
					RequestID: c.GetString("request_id"),
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

func (s *Server) bodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.corsOrigins[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
