package gcloud

import (
	"time"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// computeInstance is the subset of the Compute v1 instance resource we
// read and write
type computeInstance struct {
	Name              string              `json:"name"`
	MachineType       string              `json:"machineType,omitempty"`
	Status            string              `json:"status,omitempty"`
	Zone              string              `json:"zone,omitempty"`
	CreationTimestamp string              `json:"creationTimestamp,omitempty"`
	Disks             []attachedDisk      `json:"disks,omitempty"`
	NetworkInterfaces []networkInterface  `json:"networkInterfaces,omitempty"`
	Metadata          *instanceMetadata   `json:"metadata,omitempty"`
	Labels            map[string]string   `json:"labels,omitempty"`
	Scheduling        *scheduling         `json:"scheduling,omitempty"`
}

type attachedDisk struct {
	Boot             bool            `json:"boot"`
	AutoDelete       bool            `json:"autoDelete"`
	InitializeParams *diskInitParams `json:"initializeParams,omitempty"`
}

type diskInitParams struct {
	SourceImage string `json:"sourceImage,omitempty"`
	DiskSizeGB  string `json:"diskSizeGb,omitempty"`
}

type networkInterface struct {
	Network       string         `json:"network,omitempty"`
	AccessConfigs []accessConfig `json:"accessConfigs,omitempty"`
}

type accessConfig struct {
	Type  string `json:"type,omitempty"`
	Name  string `json:"name,omitempty"`
	NatIP string `json:"natIP,omitempty"`
}

type instanceMetadata struct {
	Items []metadataItem `json:"items,omitempty"`
}

type metadataItem struct {
	Key   string  `json:"key"`
	Value *string `json:"value"`
}

type scheduling struct {
	ProvisioningModel         string `json:"provisioningModel,omitempty"`
	Preemptible               bool   `json:"preemptible,omitempty"`
	AutomaticRestart          *bool  `json:"automaticRestart,omitempty"`
	InstanceTerminationAction string `json:"instanceTerminationAction,omitempty"`
}

// instanceList is the response of the zone instance list call
type instanceList struct {
	Items []computeInstance `json:"items"`
}

// operation is a Compute zone operation we poll until DONE
type operation struct {
	Name   string          `json:"name"`
	Status string          `json:"status"` // PENDING | RUNNING | DONE
	Error  *operationError `json:"error,omitempty"`
}

type operationError struct {
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// apiError is the standard Google API error envelope
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// toVM converts a Compute instance resource into the uniform VM model
func (ci *computeInstance) toVM(zone string) models.CPUVM {
	vm := models.CPUVM{
		Name:    ci.Name,
		Zone:    zone,
		Status:  ci.Status,
		SSHPort: 22,
	}
	for _, ni := range ci.NetworkInterfaces {
		for _, ac := range ni.AccessConfigs {
			if ac.NatIP != "" {
				vm.PublicIP = ac.NatIP
				break
			}
		}
	}
	if ts, err := time.Parse(time.RFC3339, ci.CreationTimestamp); err == nil {
		vm.CreatedAt = ts
	}
	return vm
}
