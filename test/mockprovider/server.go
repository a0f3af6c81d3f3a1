package mockprovider

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Server emulates the Vast.ai v0 API over the in-memory marketplace.
// It speaks the same wire shapes the production client decodes, so the
// client can run against it unmodified.
type Server struct {
	state  *State
	router *gin.Engine
	logger *slog.Logger
}

// NewServer creates a mock marketplace server over state.
func NewServer(state *State) *Server {
	if state == nil {
		state = NewState()
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		state:  state,
		router: router,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}

	s.setupRoutes()
	return s
}

// Router returns the gin router.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// State returns the marketplace state for test manipulation.
func (s *Server) State() *State {
	return s.state
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/", s.requireAuth)

	api.GET("/bundles/", s.handleSearchOffers)
	api.GET("/bundles", s.handleSearchOffers)

	api.PUT("/asks/:id/", s.handleAcceptAsk)
	api.PUT("/asks/:id", s.handleAcceptAsk)

	api.GET("/instances/", s.handleListInstances)
	api.GET("/instances", s.handleListInstances)

	api.GET("/instances/:id/", s.handleGetInstance)
	api.GET("/instances/:id", s.handleGetInstance)

	api.PUT("/instances/:id/", s.handleUpdateInstance)
	api.PUT("/instances/:id", s.handleUpdateInstance)

	api.DELETE("/instances/:id/", s.handleDestroyInstance)
	api.DELETE("/instances/:id", s.handleDestroyInstance)

	api.GET("/users/current/", s.handleCurrentUser)
	api.GET("/users/current", s.handleCurrentUser)

	s.router.GET("/health", s.handleHealth)

	// Out-of-band control for test scenarios
	s.router.POST("/_test/reset", s.handleTestReset)
	s.router.POST("/_test/config", s.handleTestConfig)
	s.router.POST("/_test/orphan", s.handleTestOrphan)
}

// requireAuth rejects requests without a bearer token. Any token value
// is accepted; the point is catching clients that forget the header.
func (s *Server) requireAuth(c *gin.Context) {
	if c.GetHeader("Authorization") == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	}
}

type offerJSON struct {
	ID          int     `json:"id"`
	MachineID   int     `json:"machine_id"`
	GPUName     string  `json:"gpu_name"`
	NumGPUs     int     `json:"num_gpus"`
	GPURAM      float64 `json:"gpu_ram"`
	CPUCores    int     `json:"cpu_cores"`
	CPURAM      float64 `json:"cpu_ram"`
	DiskSpace   float64 `json:"disk_space"`
	DphTotal    float64 `json:"dph_total"`
	Geolocation string  `json:"geolocation"`
	Reliability float64 `json:"reliability2"`
	Rentable    bool    `json:"rentable"`
	CudaMaxGood float64 `json:"cuda_max_good"`
}

func renderOffer(o *Offer) offerJSON {
	return offerJSON{
		ID:          o.ID,
		MachineID:   o.MachineID,
		GPUName:     o.GPUName,
		NumGPUs:     o.NumGPUs,
		GPURAM:      float64(o.VRAMGb) * 1024,
		CPUCores:    o.CPUCores,
		CPURAM:      o.RAMGb * 1024,
		DiskSpace:   o.DiskGb,
		DphTotal:    o.PricePerHr,
		Geolocation: o.Geolocation,
		Reliability: o.Reliability,
		Rentable:    !o.Rented,
		CudaMaxGood: o.CUDAVersion,
	}
}

// offerQuery is the search filter the client packs into the q parameter,
// a map of field name to {op: value}. Operand types vary by field:
// strings for gpu_name, booleans for rentable, numbers elsewhere.
type offerQuery map[string]map[string]any

func (q offerQuery) matches(o offerJSON) bool {
	for field, ops := range q {
		var actual float64
		switch field {
		case "gpu_name":
			for op, raw := range ops {
				want, ok := raw.(string)
				if op == "eq" && ok && o.GPUName != want {
					return false
				}
			}
			continue
		case "rentable":
			for op, raw := range ops {
				want, ok := raw.(bool)
				if op == "eq" && ok && o.Rentable != want {
					return false
				}
			}
			continue
		case "gpu_ram":
			actual = o.GPURAM
		case "dph_total":
			actual = o.DphTotal
		case "reliability2":
			actual = o.Reliability
		case "num_gpus":
			actual = float64(o.NumGPUs)
		default:
			continue
		}

		for op, raw := range ops {
			want, ok := raw.(float64)
			if !ok {
				continue
			}
			switch op {
			case "eq":
				if actual != want {
					return false
				}
			case "gte":
				if actual < want {
					return false
				}
			case "lte":
				if actual > want {
					return false
				}
			}
		}
	}
	return true
}

func (s *Server) handleSearchOffers(c *gin.Context) {
	var query offerQuery
	if raw := c.Query("q"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &query); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed query: " + err.Error()})
			return
		}
	}

	offers := make([]offerJSON, 0)
	for _, o := range s.state.ListOffers() {
		rendered := renderOffer(o)
		if query == nil || query.matches(rendered) {
			offers = append(offers, rendered)
		}
	}

	c.JSON(http.StatusOK, gin.H{"offers": offers})
}

type acceptAskRequest struct {
	ClientID  string            `json:"client_id"`
	Image     string            `json:"image"`
	DiskSpace float64           `json:"disk"`
	Label     string            `json:"label"`
	OnStart   string            `json:"onstart"`
	Env       map[string]string `json:"env"`
	Runtype   string            `json:"runtype"`
}

func (s *Server) handleAcceptAsk(c *gin.Context) {
	offerID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid ask id"})
		return
	}

	var req acceptAskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	inst, err := s.state.AcceptAsk(offerID, req.Image, req.Label, req.OnStart, req.Env, req.DiskSpace)
	if err != nil {
		s.logger.Error("accept ask failed", "offer_id", offerID, "error", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "new_contract": inst.ID})
}

type instanceJSON struct {
	ID           int                 `json:"id"`
	MachineID    int                 `json:"machine_id"`
	ActualStatus string              `json:"actual_status"`
	GPUName      string              `json:"gpu_name"`
	NumGPUs      int                 `json:"num_gpus"`
	GPURAM       float64             `json:"gpu_ram"`
	CPUCores     int                 `json:"cpu_cores"`
	CPURAM       float64             `json:"cpu_ram"`
	DiskSpace    float64             `json:"disk_space"`
	DphTotal     float64             `json:"dph_total"`
	PublicIPAddr string              `json:"public_ipaddr"`
	SSHHost      string              `json:"ssh_host"`
	SSHPort      int                 `json:"ssh_port"`
	Ports        map[string][]portJS `json:"ports"`
	Geolocation  string              `json:"geolocation"`
	Reliability  float64             `json:"reliability2"`
	Label        string              `json:"label"`
	ImageUUID    string              `json:"image_uuid"`
	StartDate    float64             `json:"start_date"`
}

type portJS struct {
	HostIP   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

func renderInstance(i *Instance) instanceJSON {
	return instanceJSON{
		ID:           i.ID,
		MachineID:    i.MachineID,
		ActualStatus: i.ActualStatus,
		GPUName:      i.GPUName,
		NumGPUs:      i.NumGPUs,
		GPURAM:       float64(i.VRAMGb) * 1024,
		CPUCores:     i.CPUCores,
		CPURAM:       i.RAMGb * 1024,
		DiskSpace:    i.DiskGb,
		DphTotal:     i.PricePerHr,
		PublicIPAddr: i.SSHHost,
		SSHHost:      i.SSHHost,
		SSHPort:      i.SSHPort,
		Ports: map[string][]portJS{
			"22/tcp": {{HostIP: "0.0.0.0", HostPort: strconv.Itoa(i.SSHPort)}},
		},
		Geolocation: i.Geolocation,
		Reliability: i.Reliability,
		Label:       i.Label,
		ImageUUID:   i.Image,
		StartDate:   float64(i.StartedAt.Unix()),
	}
}

func (s *Server) handleListInstances(c *gin.Context) {
	instances := s.state.ListInstances()

	rendered := make([]instanceJSON, 0, len(instances))
	for _, inst := range instances {
		rendered = append(rendered, renderInstance(inst))
	}

	c.JSON(http.StatusOK, gin.H{"instances": rendered})
}

func (s *Server) handleGetInstance(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
		return
	}

	inst, ok := s.state.GetInstance(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return
	}

	// The real API nests the single instance under the plural key
	c.JSON(http.StatusOK, gin.H{"instances": renderInstance(inst)})
}

func (s *Server) handleUpdateInstance(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
		return
	}

	var body struct {
		Paused *bool `json:"paused"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Paused == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no supported field in update"})
		return
	}

	if err := s.state.SetPaused(id, *body.Paused); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDestroyInstance(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
		return
	}

	if _, ok := s.state.GetInstance(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return
	}

	if err := s.state.DestroyInstance(id); err != nil {
		s.logger.Error("destroy failed", "instance_id", id, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleCurrentUser(c *gin.Context) {
	credit, balance := s.state.Balance()
	c.JSON(http.StatusOK, gin.H{"credit": credit, "balance": balance})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "type": "mock-vastai"})
}

type testConfig struct {
	CreateDelayMs  int      `json:"create_delay_ms"`
	DestroyDelayMs int      `json:"destroy_delay_ms"`
	FailCreate     bool     `json:"fail_create"`
	FailDestroy    bool     `json:"fail_destroy"`
	FailCreateMsg  string   `json:"fail_create_msg"`
	FailDestroyMsg string   `json:"fail_destroy_msg"`
	Credit         *float64 `json:"credit"`
	Balance        *float64 `json:"balance"`
}

func (s *Server) handleTestReset(c *gin.Context) {
	s.state.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) handleTestConfig(c *gin.Context) {
	var cfg testConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if cfg.CreateDelayMs > 0 {
		s.state.SetCreateDelay(time.Duration(cfg.CreateDelayMs) * time.Millisecond)
	}
	if cfg.DestroyDelayMs > 0 {
		s.state.SetDestroyDelay(time.Duration(cfg.DestroyDelayMs) * time.Millisecond)
	}
	s.state.SetFailCreate(cfg.FailCreate, cfg.FailCreateMsg)
	s.state.SetFailDestroy(cfg.FailDestroy, cfg.FailDestroyMsg)
	if cfg.Credit != nil || cfg.Balance != nil {
		credit, balance := s.state.Balance()
		if cfg.Credit != nil {
			credit = *cfg.Credit
		}
		if cfg.Balance != nil {
			balance = *cfg.Balance
		}
		s.state.SetBalance(credit, balance)
	}

	c.JSON(http.StatusOK, gin.H{"status": "configured"})
}

func (s *Server) handleTestOrphan(c *gin.Context) {
	var req struct {
		Label string `json:"label"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inst := s.state.CreateOrphan(req.Label)
	c.JSON(http.StatusOK, gin.H{"instance_id": inst.ID, "label": inst.Label})
}

// Run starts the server on addr.
func (s *Server) Run(addr string) error {
	s.logger.Info("starting mock marketplace", "addr", addr)
	return s.router.Run(addr)
}

// ServeHTTP implements http.Handler so tests can mount the server on
// an httptest listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
