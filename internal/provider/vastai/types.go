package vastai

import (
	"strconv"
	"time"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// BundlesResponse is the response from the offer search endpoint
type BundlesResponse struct {
	Offers []Bundle `json:"offers"`
}

// Bundle is one purchasable offer as the marketplace reports it
type Bundle struct {
	ID          int     `json:"id"`
	MachineID   int     `json:"machine_id"`
	GPUName     string  `json:"gpu_name"`
	NumGPUs     int     `json:"num_gpus"`
	GPURAM      float64 `json:"gpu_ram"` // MB
	CPUCores    int     `json:"cpu_cores"`
	CPURAM      float64 `json:"cpu_ram"` // MB
	DiskSpace   float64 `json:"disk_space"`
	DphTotal    float64 `json:"dph_total"`
	Geolocation string  `json:"geolocation"`
	Reliability float64 `json:"reliability2"`
	Rentable    bool    `json:"rentable"`
	CudaMaxGood float64 `json:"cuda_max_good"`
}

// ToOffer converts a marketplace bundle into the uniform offer model
func (b *Bundle) ToOffer() models.Offer {
	return models.Offer{
		ID:        strconv.Itoa(b.ID),
		Provider:  "vastai",
		MachineID: strconv.Itoa(b.MachineID),
		Hardware: models.Hardware{
			GPUType:  b.GPUName,
			GPUCount: b.NumGPUs,
			VRAM:     int(b.GPURAM / 1024),
			CPUCores: b.CPUCores,
			RAM:      b.CPURAM / 1024,
			DiskGB:   b.DiskSpace,
		},
		PricePerHr:  b.DphTotal,
		Geolocation: b.Geolocation,
		Reliability: b.Reliability,
		Available:   b.Rentable,
		FetchedAt:   time.Now(),
	}
}

// InstancesResponse is the response from the instance list endpoint
type InstancesResponse struct {
	Instances []Instance `json:"instances"`
}

// InstanceResponse wraps a single instance fetch
type InstanceResponse struct {
	Instance Instance `json:"instances"`
}

// Instance is a rented machine as the marketplace reports it
type Instance struct {
	ID             int                      `json:"id"`
	MachineID      int                      `json:"machine_id"`
	ActualStatus   string                   `json:"actual_status"`
	IntendedStatus string                   `json:"intended_status"`
	GPUName        string                   `json:"gpu_name"`
	NumGPUs        int                      `json:"num_gpus"`
	GPURAM         float64                  `json:"gpu_ram"`
	CPUCores       int                      `json:"cpu_cores"`
	CPURAM         float64                  `json:"cpu_ram"`
	DiskSpace      float64                  `json:"disk_space"`
	DphTotal       float64                  `json:"dph_total"`
	PublicIPAddr   string                   `json:"public_ipaddr"`
	SSHHost        string                   `json:"ssh_host"`
	SSHPort        int                      `json:"ssh_port"`
	Ports          map[string][]PortBinding `json:"ports"`
	Geolocation    string                   `json:"geolocation"`
	Reliability    float64                  `json:"reliability2"`
	Label          string                   `json:"label"`
	ImageUUID      string                   `json:"image_uuid"`
	StartDate      float64                  `json:"start_date"`
}

// PortBinding is one host-side port mapping entry
type PortBinding struct {
	HostIP   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

// statusMap translates marketplace statuses into the uniform model.
// "loading" covers image pull and container start.
var statusMap = map[string]models.InstanceStatus{
	"loading":  models.StatusCreating,
	"running":  models.StatusRunning,
	"stopped":  models.StatusPaused,
	"offline":  models.StatusStopped,
	"exited":   models.StatusExited,
}

// ToInstance converts a marketplace instance into the uniform model
func (i *Instance) ToInstance() models.Instance {
	status, ok := statusMap[i.ActualStatus]
	if !ok {
		status = models.StatusCreating
	}

	portMap := make(map[string]int)
	for containerPort, bindings := range i.Ports {
		if len(bindings) > 0 {
			if hp, err := strconv.Atoi(bindings[0].HostPort); err == nil {
				portMap[containerPort] = hp
			}
		}
	}

	return models.Instance{
		ID:        int64(i.ID),
		Provider:  "vastai",
		MachineID: strconv.Itoa(i.MachineID),
		Status:    status,
		Hardware: models.Hardware{
			GPUType:  i.GPUName,
			GPUCount: i.NumGPUs,
			VRAM:     int(i.GPURAM / 1024),
			CPUCores: i.CPUCores,
			RAM:      i.CPURAM / 1024,
			DiskGB:   i.DiskSpace,
		},
		Network: models.Network{
			PublicIP: i.PublicIPAddr,
			SSHHost:  i.SSHHost,
			SSHPort:  i.SSHPort,
			PortMap:  portMap,
		},
		PricePerHr:  i.DphTotal,
		Geolocation: i.Geolocation,
		Reliability: i.Reliability,
		Image:       i.ImageUUID,
		Label:       i.Label,
		StartedAt:   time.Unix(int64(i.StartDate), 0),
	}
}

// CreateRequest is the body of the create (accept ask) call
type CreateRequest struct {
	ClientID  string            `json:"client_id"`
	Image     string            `json:"image"`
	DiskSpace float64           `json:"disk"`
	Label     string            `json:"label,omitempty"`
	OnStart   string            `json:"onstart,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Runtype   string            `json:"runtype,omitempty"`
}

// CreateResponse is the response of the create call
type CreateResponse struct {
	Success     bool   `json:"success"`
	NewContract int    `json:"new_contract"`
	Error       string `json:"error,omitempty"`
	Msg         string `json:"msg,omitempty"`
}

// BalanceResponse is the response of the account balance call
type BalanceResponse struct {
	Credit  float64 `json:"credit"`
	Balance float64 `json:"balance"`
}
