package lidar

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
)

// Credentials carries the bearer token and tenant scoping every backend
// call; both are owned by the host application, not this client.
type Credentials struct {
	Token    string
	TenantID string
}

// CredentialsFunc supplies credentials at request time, so token refreshes
// in the host are picked up without rebuilding the client.
type CredentialsFunc func() Credentials

// Client handles communication with the LiDAR processing backend
type Client struct {
	baseURL      string
	httpClient   *http.Client
	uploadClient *http.Client
	credentials  CredentialsFunc
}

// NewClient creates a new backend client with system proxy support
func NewClient(baseURL string, credentials CredentialsFunc) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		// Uploads stream files up to 500 MiB, which takes however long
		// the link takes: no total timeout here, cancellation comes
		// from the request context.
		uploadClient: &http.Client{
			Transport: transport,
		},
		credentials: credentials,
	}
}

// applyHeaders sets auth and tenant headers on a request
func (c *Client) applyHeaders(req *http.Request) {
	if c.credentials == nil {
		return
	}
	creds := c.credentials()
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}
	if creds.TenantID != "" {
		req.Header.Set("X-Tenant-ID", creds.TenantID)
	}
}

// doJSON issues a request with an optional JSON body and decodes the
// response into out. Non-2xx responses become *APIError with the
// backend's detail message when one is present.
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// decodeAPIError extracts the backend's {"detail": ...} payload
func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err == nil && len(data) > 0 {
		var payload struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Detail != "" {
			apiErr.Detail = payload.Detail
		}
	}
	return apiErr
}

// CheckCoverage asks whether a prebuilt dataset overlaps the geometry.
// One round trip, no retries; callers treat failure as "no coverage".
func (c *Client) CheckCoverage(ctx context.Context, geometryWKT, source string) (*CoverageResult, error) {
	request := struct {
		GeometryWKT string `json:"geometry_wkt"`
		Source      string `json:"source,omitempty"`
	}{
		GeometryWKT: geometryWKT,
		Source:      source,
	}

	var result CoverageResult
	if err := c.doJSON(ctx, http.MethodPost, "/lidar/coverage", request, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// submitResponse is the acknowledgement for process and upload requests
type submitResponse struct {
	JobID   string   `json:"job_id"`
	Status  JobState `json:"status"`
	Message string   `json:"message"`
}

// SubmitJob starts processing for a parcel and returns immediately with
// the queued job. Submission is not idempotent; callers must not
// duplicate it while a job is live.
func (c *Client) SubmitJob(ctx context.Context, parcelID, geometryWKT string, config ProcessingConfig) (*Job, error) {
	if geometryWKT == "" {
		return nil, &ValidationError{Message: "parcel geometry is required to start processing"}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	request := struct {
		ParcelID          string           `json:"parcel_id"`
		ParcelGeometryWKT string           `json:"parcel_geometry_wkt"`
		Config            ProcessingConfig `json:"config"`
	}{
		ParcelID:          parcelID,
		ParcelGeometryWKT: geometryWKT,
		Config:            config,
	}

	var resp submitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/lidar/process", request, &resp); err != nil {
		return nil, err
	}

	return &Job{
		ID:            resp.JobID,
		Status:        resp.Status,
		StatusMessage: resp.Message,
	}, nil
}

// GetJobStatus fetches the current status of a job. Callers are
// responsible for scheduling repeats.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.doJSON(ctx, http.MethodGet, "/lidar/status/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListLayers returns the point cloud layers known to the backend,
// optionally filtered by parcel. The backend is the source of truth.
func (c *Client) ListLayers(ctx context.Context, parcelID string) ([]Layer, error) {
	path := "/lidar/layers"
	if parcelID != "" {
		path += "?parcel_id=" + url.QueryEscape(parcelID)
	}

	var layers []Layer
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &layers); err != nil {
		return nil, err
	}
	return layers, nil
}

// GetLayer fetches a single layer by ID
func (c *Client) GetLayer(ctx context.Context, layerID string) (*Layer, error) {
	var layer Layer
	if err := c.doJSON(ctx, http.MethodGet, "/lidar/layers/"+url.PathEscape(layerID), nil, &layer); err != nil {
		return nil, err
	}
	return &layer, nil
}

// DeleteLayer removes a layer and its stored tileset
func (c *Client) DeleteLayer(ctx context.Context, layerID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/lidar/layers/"+url.PathEscape(layerID), nil, nil)
}

// JobListOptions filters the job history listing
type JobListOptions struct {
	ParcelID     string
	StatusFilter string
	Limit        int
	Offset       int
}

// ListJobs returns a page of processing job history
func (c *Client) ListJobs(ctx context.Context, opts JobListOptions) (*JobList, error) {
	query := url.Values{}
	if opts.ParcelID != "" {
		query.Set("parcel_id", opts.ParcelID)
	}
	if opts.StatusFilter != "" {
		query.Set("status_filter", opts.StatusFilter)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/lidar/jobs"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var list JobList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetCacheStats returns the backend's source-tile cache statistics
func (c *Client) GetCacheStats(ctx context.Context) (*CacheStats, error) {
	var stats CacheStats
	if err := c.doJSON(ctx, http.MethodGet, "/lidar/cache/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}
