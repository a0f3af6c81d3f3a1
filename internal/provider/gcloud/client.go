// Package gcloud implements the CPU standby provider on Google Compute
// Engine using the Compute v1 REST API directly. Mutating calls return
// zone operations which are polled until DONE.
package gcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	computeBaseURL = "https://compute.googleapis.com/compute/v1"
	computeScope   = "https://www.googleapis.com/auth/compute"

	operationPollInterval = 2 * time.Second
	operationTimeout      = 5 * time.Minute
)

// Client implements provider.CPUProvider against GCE
type Client struct {
	project     string
	baseURL     string
	httpClient  *http.Client
	tokenSource oauth2.TokenSource
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL (for testing)
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTokenSource overrides the service-account token source (for testing)
func WithTokenSource(ts oauth2.TokenSource) ClientOption {
	return func(c *Client) {
		c.tokenSource = ts
	}
}

// NewClient creates a client authenticated by a service-account key file
func NewClient(credentialsFile, project string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		project:    project,
		baseURL:    computeBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.tokenSource == nil {
		data, err := os.ReadFile(credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read credentials file: %w", err)
		}
		conf, err := google.JWTConfigFromJSON(data, computeScope)
		if err != nil {
			return nil, fmt.Errorf("failed to parse service account key: %w", err)
		}
		c.tokenSource = conf.TokenSource(context.Background())
	}

	return c, nil
}

// Name returns the provider identifier
func (c *Client) Name() string {
	return "gcloud"
}

// CreateVM provisions a standby VM and waits for the create operation
// to complete, then fetches the instance to learn its external IP
func (c *Client) CreateVM(ctx context.Context, spec models.CPUVMSpec) (*models.CPUVM, error) {
	body := c.buildInsertBody(spec)

	var op operation
	path := fmt.Sprintf("/projects/%s/zones/%s/instances", c.project, spec.Zone)
	if err := c.doJSON(ctx, http.MethodPost, path, body, &op, "CreateVM"); err != nil {
		return nil, err
	}

	if err := c.waitOperation(ctx, spec.Zone, op.Name, "CreateVM"); err != nil {
		return nil, err
	}

	return c.GetVM(ctx, spec.Zone, spec.Name)
}

// DeleteVM removes a VM and waits for completion. A missing VM is
// treated as success.
func (c *Client) DeleteVM(ctx context.Context, zone, name string) error {
	var op operation
	path := fmt.Sprintf("/projects/%s/zones/%s/instances/%s", c.project, zone, name)
	err := provider.WithRetry(ctx, "gcloud", "DeleteVM", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodDelete, path, nil, &op, "DeleteVM")
	})
	if provider.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.waitOperation(ctx, zone, op.Name, "DeleteVM")
}

// StartVM starts a stopped VM and waits for completion
func (c *Client) StartVM(ctx context.Context, zone, name string) error {
	return c.instanceAction(ctx, zone, name, "start", "StartVM")
}

// StopVM stops a running VM and waits for completion
func (c *Client) StopVM(ctx context.Context, zone, name string) error {
	return c.instanceAction(ctx, zone, name, "stop", "StopVM")
}

func (c *Client) instanceAction(ctx context.Context, zone, name, action, operationName string) error {
	var op operation
	path := fmt.Sprintf("/projects/%s/zones/%s/instances/%s/%s", c.project, zone, name, action)
	err := provider.WithRetry(ctx, "gcloud", operationName, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, path, nil, &op, operationName)
	})
	if err != nil {
		return err
	}
	return c.waitOperation(ctx, zone, op.Name, operationName)
}

// GetVM returns the current state of one VM
func (c *Client) GetVM(ctx context.Context, zone, name string) (*models.CPUVM, error) {
	var inst computeInstance
	path := fmt.Sprintf("/projects/%s/zones/%s/instances/%s", c.project, zone, name)
	err := provider.WithRetry(ctx, "gcloud", "GetVM", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, path, nil, &inst, "GetVM")
	})
	if err != nil {
		return nil, err
	}

	vm := inst.toVM(zone)
	return &vm, nil
}

// ListVMs returns all VMs in a zone carrying the fleet label
func (c *Client) ListVMs(ctx context.Context, zone string) ([]models.CPUVM, error) {
	var list instanceList
	path := fmt.Sprintf("/projects/%s/zones/%s/instances?filter=%s",
		c.project, zone, "labels.managed-by%3Dgpufleet")
	err := provider.WithRetry(ctx, "gcloud", "ListVMs", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, path, nil, &list, "ListVMs")
	})
	if err != nil {
		return nil, err
	}

	vms := make([]models.CPUVM, 0, len(list.Items))
	for i := range list.Items {
		vms = append(vms, list.Items[i].toVM(zone))
	}
	return vms, nil
}

// buildInsertBody assembles the instances.insert request from a spec
func (c *Client) buildInsertBody(spec models.CPUVMSpec) computeInstance {
	diskGB := spec.DiskGB
	if diskGB == 0 {
		diskGB = 100
	}
	imageFamily := spec.ImageFamily
	if imageFamily == "" {
		imageFamily = "projects/ubuntu-os-cloud/global/images/family/ubuntu-2204-lts"
	}

	inst := computeInstance{
		Name:        spec.Name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", spec.Zone, spec.MachineType),
		Disks: []attachedDisk{{
			Boot:       true,
			AutoDelete: true,
			InitializeParams: &diskInitParams{
				SourceImage: imageFamily,
				DiskSizeGB:  strconv.Itoa(diskGB),
			},
		}},
		NetworkInterfaces: []networkInterface{{
			Network:       "global/networks/default",
			AccessConfigs: []accessConfig{{Type: "ONE_TO_ONE_NAT", Name: "External NAT"}},
		}},
		Labels: map[string]string{"managed-by": "gpufleet"},
	}
	for k, v := range spec.Labels {
		inst.Labels[k] = v
	}

	var items []metadataItem
	if spec.SSHPublicKey != "" {
		keys := "gpufleet:" + spec.SSHPublicKey
		items = append(items, metadataItem{Key: "ssh-keys", Value: &keys})
	}
	if spec.StartupScript != "" {
		script := spec.StartupScript
		items = append(items, metadataItem{Key: "startup-script", Value: &script})
	}
	if len(items) > 0 {
		inst.Metadata = &instanceMetadata{Items: items}
	}

	if spec.Spot {
		noRestart := false
		inst.Scheduling = &scheduling{
			ProvisioningModel:         "SPOT",
			AutomaticRestart:          &noRestart,
			InstanceTerminationAction: "STOP",
		}
	}

	return inst
}

// waitOperation polls a zone operation until DONE or timeout
func (c *Client) waitOperation(ctx context.Context, zone, opName, operationName string) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	path := fmt.Sprintf("/projects/%s/zones/%s/operations/%s", c.project, zone, opName)
	ticker := time.NewTicker(operationPollInterval)
	defer ticker.Stop()

	for {
		var op operation
		if err := c.doJSON(ctx, http.MethodGet, path, nil, &op, operationName); err != nil {
			return err
		}

		if op.Status == "DONE" {
			if op.Error != nil && len(op.Error.Errors) > 0 {
				return provider.NewError("gcloud", operationName, 0,
					op.Error.Errors[0].Message, provider.ErrProviderError)
			}
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("operation %s did not finish: %w", opName, ctx.Err())
		}
	}
}

// doJSON performs one authenticated round-trip with JSON both ways
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}, operation string) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	token, err := c.tokenSource.Token()
	if err != nil {
		return provider.NewError("gcloud", operation, 0,
			fmt.Sprintf("failed to obtain access token: %v", err), provider.ErrUnauthorized)
	}
	token.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.NewError("gcloud", operation, 0, err.Error(), provider.ErrProviderError)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleError(resp, operation)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return provider.NewError("gcloud", operation, 0,
				fmt.Sprintf("failed to decode response: %v", err), provider.ErrInvalidResponse)
		}
	}
	return nil
}

func (c *Client) handleError(resp *http.Response, operation string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := string(raw)
	var envelope apiError
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}

	return provider.NewError("gcloud", operation, resp.StatusCode, msg,
		provider.ClassifyStatus(resp.StatusCode))
}
