// Package orion resolves entity geometry from an NGSI-LD context broker.
package orion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// TenantFunc supplies the NGSI-LD tenant at request time
type TenantFunc func() string

// Client fetches entities from an Orion-LD context broker
type Client struct {
	baseURL    string
	httpClient *http.Client
	tenant     TenantFunc
}

// NewClient creates a new Orion-LD client with system proxy support
func NewClient(baseURL string, tenant TenantFunc) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		tenant: tenant,
	}
}

// entityDocument is the slice of an NGSI-LD entity this client cares
// about: the location GeoProperty holding a GeoJSON geometry.
type entityDocument struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Location *struct {
		Value json.RawMessage `json:"value"`
	} `json:"location"`
}

// Resolve fetches an entity and converts its location geometry to WKT.
//
// An entity without a location, or with a geometry type this client does
// not support, resolves to an empty string with a logged warning rather
// than an error: "no geometry available" is not a fatal condition.
func (c *Client) Resolve(ctx context.Context, entityID string) (string, error) {
	endpoint := c.baseURL + "/ngsi-ld/v1/entities/" + url.PathEscape(entityID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/ld+json")
	if c.tenant != nil {
		if tenant := c.tenant(); tenant != "" {
			req.Header.Set("NGSILD-Tenant", tenant)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch entity: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("entity request failed with status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read entity: %w", err)
	}

	var entity entityDocument
	if err := json.Unmarshal(data, &entity); err != nil {
		return "", fmt.Errorf("failed to parse entity: %w", err)
	}

	if entity.Location == nil || len(entity.Location.Value) == 0 {
		return "", nil
	}

	return GeometryToWKT(entityID, entity.Location.Value)
}
