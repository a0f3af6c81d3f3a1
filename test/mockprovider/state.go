package mockprovider

import (
	"fmt"
	"sync"
	"time"
)

// Offer is one rentable listing held by the mock marketplace.
type Offer struct {
	ID          int
	MachineID   int
	GPUName     string
	NumGPUs     int
	VRAMGb      int
	CPUCores    int
	RAMGb       float64
	DiskGb      float64
	PricePerHr  float64
	Geolocation string
	Reliability float64
	CUDAVersion float64
	SSHHost     string
	SSHPort     int
	Rented      bool
}

// Instance is one rented contract held by the mock marketplace.
type Instance struct {
	ID           int
	MachineID    int
	ActualStatus string
	Paused       bool
	SSHHost      string
	SSHPort      int
	Label        string
	Image        string
	GPUName      string
	NumGPUs      int
	VRAMGb       int
	CPUCores     int
	RAMGb        float64
	DiskGb       float64
	PricePerHr   float64
	Geolocation  string
	Reliability  float64
	StartedAt    time.Time
	Env          map[string]string
	OnStart      string
}

// State is the in-memory marketplace backing the mock server. All
// mutation goes through it so tests can poke at the world directly.
type State struct {
	mu           sync.RWMutex
	offers       map[int]*Offer
	instances    map[int]*Instance
	nextContract int
	credit       float64
	balance      float64

	createDelay    time.Duration
	destroyDelay   time.Duration
	failCreate     bool
	failDestroy    bool
	failCreateMsg  string
	failDestroyMsg string
}

// NewState builds a marketplace seeded with a spread of offers across
// GPU types, prices, and regions.
func NewState() *State {
	s := &State{
		offers:       make(map[int]*Offer),
		instances:    make(map[int]*Instance),
		nextContract: 9000,
		credit:       25.0,
		balance:      0,
	}
	s.seedOffers()
	return s
}

func (s *State) seedOffers() {
	seeds := []*Offer{
		{ID: 101, MachineID: 5001, GPUName: "RTX 4090", NumGPUs: 1, VRAMGb: 24,
			CPUCores: 16, RAMGb: 64, DiskGb: 200, PricePerHr: 0.40,
			Geolocation: "Quebec, CA", Reliability: 0.99, CUDAVersion: 12.4,
			SSHHost: "198.51.100.10", SSHPort: 22010},
		{ID: 102, MachineID: 5002, GPUName: "RTX 4090", NumGPUs: 2, VRAMGb: 24,
			CPUCores: 32, RAMGb: 128, DiskGb: 400, PricePerHr: 0.75,
			Geolocation: "Texas, US", Reliability: 0.98, CUDAVersion: 12.4,
			SSHHost: "198.51.100.11", SSHPort: 22010},
		{ID: 103, MachineID: 5003, GPUName: "A100 SXM4", NumGPUs: 1, VRAMGb: 80,
			CPUCores: 24, RAMGb: 128, DiskGb: 500, PricePerHr: 1.50,
			Geolocation: "Bavaria, DE", Reliability: 0.995, CUDAVersion: 12.4,
			SSHHost: "198.51.100.12", SSHPort: 22010},
		{ID: 104, MachineID: 5004, GPUName: "H100 SXM5", NumGPUs: 1, VRAMGb: 80,
			CPUCores: 32, RAMGb: 256, DiskGb: 1000, PricePerHr: 3.50,
			Geolocation: "Tokyo, JP", Reliability: 0.999, CUDAVersion: 12.4,
			SSHHost: "198.51.100.13", SSHPort: 22010},
	}
	for _, o := range seeds {
		s.offers[o.ID] = o
	}
}

// ListOffers returns every offer that is not currently rented.
func (s *State) ListOffers() []*Offer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offers := make([]*Offer, 0, len(s.offers))
	for _, o := range s.offers {
		if !o.Rented {
			offers = append(offers, o)
		}
	}
	return offers
}

// GetOffer returns one offer by ID.
func (s *State) GetOffer(id int) (*Offer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offers[id]
	return o, ok
}

// AddOffer registers a custom offer for a test scenario.
func (s *State) AddOffer(o *Offer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[o.ID] = o
}

// AcceptAsk rents an offer and starts a contract. The instance spends a
// short window in "loading" before flipping to "running", mimicking the
// image pull on a real host.
func (s *State) AcceptAsk(offerID int, image, label, onStart string, env map[string]string, diskGb float64) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCreate {
		msg := s.failCreateMsg
		if msg == "" {
			msg = "simulated create failure"
		}
		return nil, fmt.Errorf("%s", msg)
	}

	offer, ok := s.offers[offerID]
	if !ok {
		return nil, fmt.Errorf("offer %d not found", offerID)
	}
	if offer.Rented {
		return nil, fmt.Errorf("offer %d already rented", offerID)
	}
	offer.Rented = true

	id := s.nextContract
	s.nextContract++

	inst := &Instance{
		ID:           id,
		MachineID:    offer.MachineID,
		ActualStatus: "loading",
		SSHHost:      offer.SSHHost,
		SSHPort:      offer.SSHPort,
		Label:        label,
		Image:        image,
		GPUName:      offer.GPUName,
		NumGPUs:      offer.NumGPUs,
		VRAMGb:       offer.VRAMGb,
		CPUCores:     offer.CPUCores,
		RAMGb:        offer.RAMGb,
		DiskGb:       diskGb,
		PricePerHr:   offer.PricePerHr,
		Geolocation:  offer.Geolocation,
		Reliability:  offer.Reliability,
		StartedAt:    time.Now(),
		Env:          env,
		OnStart:      onStart,
	}
	if inst.DiskGb == 0 {
		inst.DiskGb = offer.DiskGb
	}
	s.instances[id] = inst

	delay := s.createDelay
	if delay == 0 {
		delay = 100 * time.Millisecond
	}
	go func() {
		time.Sleep(delay)
		s.mu.Lock()
		if in, ok := s.instances[id]; ok && in.ActualStatus == "loading" {
			in.ActualStatus = "running"
		}
		s.mu.Unlock()
	}()

	return inst, nil
}

// GetInstance returns one contract by ID.
func (s *State) GetInstance(id int) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	return inst, ok
}

// ListInstances returns every contract still on the account.
func (s *State) ListInstances() []*Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instances := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}
	return instances
}

// SetPaused stops or restarts a contract in place.
func (s *State) SetPaused(id int, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %d not found", id)
	}
	inst.Paused = paused
	if paused {
		inst.ActualStatus = "stopped"
	} else {
		inst.ActualStatus = "running"
	}
	return nil
}

// DestroyInstance ends a contract and releases its offer. The instance
// lingers as "exited" briefly so pollers can observe the terminal state.
func (s *State) DestroyInstance(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failDestroy {
		msg := s.failDestroyMsg
		if msg == "" {
			msg = "simulated destroy failure"
		}
		return fmt.Errorf("%s", msg)
	}

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %d not found", id)
	}

	for _, offer := range s.offers {
		if offer.MachineID == inst.MachineID {
			offer.Rented = false
			break
		}
	}
	inst.ActualStatus = "exited"

	delay := s.destroyDelay
	if delay == 0 {
		delay = 50 * time.Millisecond
	}
	go func() {
		time.Sleep(delay)
		s.mu.Lock()
		delete(s.instances, id)
		s.mu.Unlock()
	}()

	return nil
}

// CreateOrphan plants a running contract that never went through an
// offer, for reconciliation tests.
func (s *State) CreateOrphan(label string) *Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextContract
	s.nextContract++

	inst := &Instance{
		ID:           id,
		MachineID:    5999,
		ActualStatus: "running",
		SSHHost:      "198.51.100.99",
		SSHPort:      22010,
		Label:        label,
		GPUName:      "RTX 4090",
		NumGPUs:      1,
		VRAMGb:       24,
		PricePerHr:   0.50,
		Geolocation:  "Quebec, CA",
		Reliability:  0.95,
		StartedAt:    time.Now(),
	}
	s.instances[id] = inst
	return inst
}

// Balance returns the account credit and balance.
func (s *State) Balance() (credit, balance float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credit, s.balance
}

// SetBalance overrides the account funds, for insufficient-balance tests.
func (s *State) SetBalance(credit, balance float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit = credit
	s.balance = balance
}

// SetCreateDelay stretches the loading window on new contracts.
func (s *State) SetCreateDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createDelay = d
}

// SetDestroyDelay stretches the exited window on ended contracts.
func (s *State) SetDestroyDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyDelay = d
}

// SetFailCreate forces AcceptAsk to fail with msg.
func (s *State) SetFailCreate(fail bool, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreate = fail
	s.failCreateMsg = msg
}

// SetFailDestroy forces DestroyInstance to fail with msg.
func (s *State) SetFailDestroy(fail bool, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDestroy = fail
	s.failDestroyMsg = msg
}

// Reset clears every contract and restores the seeded offers and funds.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances = make(map[int]*Instance)
	s.offers = make(map[int]*Offer)
	s.nextContract = 9000
	s.credit = 25.0
	s.balance = 0
	s.createDelay = 0
	s.destroyDelay = 0
	s.failCreate = false
	s.failDestroy = false
	s.failCreateMsg = ""
	s.failDestroyMsg = ""
	s.seedOffers()
}
