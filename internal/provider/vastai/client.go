package vastai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	defaultBaseURL = "https://console.vast.ai/api/v0"
	defaultTimeout = 30 * time.Second
)

// Client implements provider.GPUProvider for the Vast.ai marketplace.
// Stateless between calls; the HTTP client pool and the rate limiter
// are the only shared state.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
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

// WithRateLimit sets the request pacing limit
func WithRateLimit(l *rate.Limiter) ClientOption {
	return func(c *Client) {
		c.limiter = l
	}
}

// NewClient creates a new Vast.ai client
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(1), 2), // 1 rps, burst 2
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the provider identifier
func (c *Client) Name() string {
	return "vastai"
}

// SearchOffers returns purchasable offers matching the filter
func (c *Client) SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error) {
	query := map[string]interface{}{
		"rentable": map[string]bool{"eq": true},
	}

	if filter.GPUType != "" {
		query["gpu_name"] = map[string]string{"eq": filter.GPUType}
	}
	if filter.MinVRAM > 0 {
		query["gpu_ram"] = map[string]int{"gte": filter.MinVRAM * 1024} // GB to MB
	}
	if filter.MaxPrice > 0 {
		query["dph_total"] = map[string]float64{"lte": filter.MaxPrice}
	}
	if filter.MinReliability > 0 {
		query["reliability2"] = map[string]float64{"gte": filter.MinReliability}
	}

	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	var result BundlesResponse
	err = provider.WithRetry(ctx, "vastai", "SearchOffers", func(ctx context.Context) error {
		path := fmt.Sprintf("/bundles/?q=%s", url.QueryEscape(string(queryJSON)))
		return c.doJSON(ctx, http.MethodGet, path, nil, &result, "SearchOffers")
	})
	if err != nil {
		return nil, err
	}

	offers := make([]models.Offer, 0, len(result.Offers))
	for i := range result.Offers {
		offer := result.Offers[i].ToOffer()
		if offer.Matches(filter) {
			offers = append(offers, offer)
		}
	}

	return offers, nil
}

// CreateInstance consumes an offer and provisions an instance.
// Not retried: a lost response could leave a paid instance behind, and
// the caller records the attempt before invoking.
func (c *Client) CreateInstance(ctx context.Context, req models.CreateInstanceRequest) (*models.Instance, error) {
	offerID, err := strconv.Atoi(req.OfferID)
	if err != nil {
		return nil, provider.NewError("vastai", "CreateInstance", 0,
			fmt.Sprintf("invalid offer id %q", req.OfferID), provider.ErrInvalidRequest)
	}

	createReq := CreateRequest{
		ClientID:  "me",
		Image:     req.Image,
		DiskSpace: req.DiskGB,
		Label:     req.Label,
		OnStart:   req.OnStart,
		Env:       req.EnvVars,
		Runtype:   "ssh",
	}
	if createReq.DiskSpace == 0 {
		createReq.DiskSpace = 50
	}
	if req.SSHPublicKey != "" {
		authorize := fmt.Sprintf("mkdir -p ~/.ssh && echo '%s' >> ~/.ssh/authorized_keys", req.SSHPublicKey)
		if createReq.OnStart != "" {
			createReq.OnStart = authorize + "\n" + createReq.OnStart
		} else {
			createReq.OnStart = authorize
		}
	}

	var result CreateResponse
	path := fmt.Sprintf("/asks/%d/", offerID)
	if err := c.doJSON(ctx, http.MethodPut, path, createReq, &result, "CreateInstance"); err != nil {
		return nil, err
	}

	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = result.Msg
		}
		return nil, provider.NewError("vastai", "CreateInstance", 0, msg, provider.ErrOfferUnavailable)
	}

	return &models.Instance{
		ID:       int64(result.NewContract),
		Provider: "vastai",
		Status:   models.StatusCreating,
		Image:    req.Image,
		Label:    req.Label,
	}, nil
}

// GetInstance returns the current state of one instance
func (c *Client) GetInstance(ctx context.Context, id int64) (*models.Instance, error) {
	var result InstanceResponse
	err := provider.WithRetry(ctx, "vastai", "GetInstance", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/instances/%d/", id), nil, &result, "GetInstance")
	})
	if err != nil {
		return nil, err
	}

	inst := result.Instance.ToInstance()
	return &inst, nil
}

// ListInstances returns all instances owned by the account
func (c *Client) ListInstances(ctx context.Context) ([]models.Instance, error) {
	var result InstancesResponse
	err := provider.WithRetry(ctx, "vastai", "ListInstances", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/instances/", nil, &result, "ListInstances")
	})
	if err != nil {
		return nil, err
	}

	instances := make([]models.Instance, 0, len(result.Instances))
	for i := range result.Instances {
		instances = append(instances, result.Instances[i].ToInstance())
	}
	return instances, nil
}

// DestroyInstance tears down an instance. 404 is success: the instance
// is already gone.
func (c *Client) DestroyInstance(ctx context.Context, id int64) error {
	err := provider.WithRetry(ctx, "vastai", "DestroyInstance", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/instances/%d/", id), nil, nil, "DestroyInstance")
	})
	if provider.IsNotFound(err) {
		return nil
	}
	return err
}

// PauseInstance suspends a running instance
func (c *Client) PauseInstance(ctx context.Context, id int64) error {
	return provider.WithRetry(ctx, "vastai", "PauseInstance", func(ctx context.Context) error {
		body := map[string]bool{"paused": true}
		return c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/instances/%d/", id), body, nil, "PauseInstance")
	})
}

// ResumeInstance resumes a paused instance
func (c *Client) ResumeInstance(ctx context.Context, id int64) error {
	return provider.WithRetry(ctx, "vastai", "ResumeInstance", func(ctx context.Context) error {
		body := map[string]bool{"paused": false}
		return c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/instances/%d/", id), body, nil, "ResumeInstance")
	})
}

// GetBalance returns the account credit and balance
func (c *Client) GetBalance(ctx context.Context) (*models.Balance, error) {
	var result BalanceResponse
	err := provider.WithRetry(ctx, "vastai", "GetBalance", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/users/current/", nil, &result, "GetBalance")
	})
	if err != nil {
		return nil, err
	}
	return &models.Balance{Credit: result.Credit, Balance: result.Balance}, nil
}

// doJSON performs one paced HTTP round-trip with JSON encoding both ways
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}, operation string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

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

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.NewError("vastai", operation, 0, err.Error(), provider.ErrProviderError)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleError(resp, operation)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return provider.NewError("vastai", operation, 0,
				fmt.Sprintf("failed to decode response: %v", err), provider.ErrInvalidResponse)
		}
	}
	return nil
}

// handleError converts an HTTP error response into a classified provider error
func (c *Client) handleError(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	perr := provider.NewError("vastai", operation, resp.StatusCode, string(body),
		provider.ClassifyStatus(resp.StatusCode))

	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				perr.RetryAfter = secs
			}
		}
	}

	return perr
}
