package provider

import (
	"context"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// GPUProvider is the uniform interface over spot GPU marketplaces
type GPUProvider interface {
	// Name returns the provider identifier ("vastai")
	Name() string

	// SearchOffers returns purchasable offers matching the filter
	SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error)

	// CreateInstance consumes an offer and provisions an instance
	CreateInstance(ctx context.Context, req models.CreateInstanceRequest) (*models.Instance, error)

	// GetInstance returns the current state of one instance
	GetInstance(ctx context.Context, id int64) (*models.Instance, error)

	// ListInstances returns all instances owned by the account
	ListInstances(ctx context.Context) ([]models.Instance, error)

	// DestroyInstance tears down an instance. A missing instance is
	// treated as success so destroy is idempotent.
	DestroyInstance(ctx context.Context, id int64) error

	// PauseInstance suspends a running instance
	PauseInstance(ctx context.Context, id int64) error

	// ResumeInstance resumes a paused instance
	ResumeInstance(ctx context.Context, id int64) error

	// GetBalance returns the account credit and balance
	GetBalance(ctx context.Context) (*models.Balance, error)
}

// CPUProvider is the uniform interface over the stable CPU cloud used
// for standby VMs
type CPUProvider interface {
	// Name returns the provider identifier ("gcloud")
	Name() string

	// CreateVM provisions a standby VM and waits for the create
	// operation to complete
	CreateVM(ctx context.Context, spec models.CPUVMSpec) (*models.CPUVM, error)

	// DeleteVM removes a VM. A missing VM is treated as success.
	DeleteVM(ctx context.Context, zone, name string) error

	// StartVM starts a stopped VM
	StartVM(ctx context.Context, zone, name string) error

	// StopVM stops a running VM
	StopVM(ctx context.Context, zone, name string) error

	// GetVM returns the current state of one VM
	GetVM(ctx context.Context, zone, name string) (*models.CPUVM, error)

	// ListVMs returns all VMs in a zone carrying our labels
	ListVMs(ctx context.Context, zone string) ([]models.CPUVM, error)
}
