// Package registry caches the backend's point cloud layer catalogue.
// The backend remains the source of truth; List always replaces the
// cached contents with whatever it returns.
package registry

import (
	"context"
	"errors"
	"log"
	"sync"

	"lidar-desktop/internal/lidar"
)

// LayerAPI is the slice of the backend client the registry needs
type LayerAPI interface {
	ListLayers(ctx context.Context, parcelID string) ([]lidar.Layer, error)
	GetLayer(ctx context.Context, layerID string) (*lidar.Layer, error)
	DeleteLayer(ctx context.Context, layerID string) error
}

// Registry maintains the set of already-produced layers for one parcel
// at a time
type Registry struct {
	api LayerAPI

	mu       sync.RWMutex
	parcelID string
	layers   []lidar.Layer
}

// New creates a layer registry backed by the given client
func New(api LayerAPI) *Registry {
	return &Registry{api: api}
}

// List fetches the layers for a parcel from the backend and replaces
// the cached list
func (r *Registry) List(ctx context.Context, parcelID string) ([]lidar.Layer, error) {
	layers, err := r.api.ListLayers(ctx, parcelID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.parcelID = parcelID
	r.layers = layers
	r.mu.Unlock()

	result := make([]lidar.Layer, len(layers))
	copy(result, layers)
	return result, nil
}

// Cached returns the last fetched list for the parcel, without a
// network call. Returns nil if the cache belongs to a different parcel.
func (r *Registry) Cached(parcelID string) []lidar.Layer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.parcelID != parcelID {
		return nil
	}
	result := make([]lidar.Layer, len(r.layers))
	copy(result, r.layers)
	return result
}

// Get returns a layer by ID, serving from cache when possible
func (r *Registry) Get(ctx context.Context, layerID string) (*lidar.Layer, error) {
	r.mu.RLock()
	for _, layer := range r.layers {
		if layer.ID == layerID {
			found := layer
			r.mu.RUnlock()
			return &found, nil
		}
	}
	r.mu.RUnlock()

	return r.api.GetLayer(ctx, layerID)
}

// Delete removes a layer from the backend and prunes it from the cache.
// Deleting a layer the backend no longer knows is not an error, so
// repeated deletes are safe.
func (r *Registry) Delete(ctx context.Context, layerID string) error {
	if err := r.api.DeleteLayer(ctx, layerID); err != nil {
		var apiErr *lidar.APIError
		if errors.As(err, &apiErr) && apiErr.NotFound() {
			log.Printf("[Registry] Layer %s already gone on backend", layerID)
		} else {
			return err
		}
	}

	r.mu.Lock()
	pruned := r.layers[:0]
	for _, layer := range r.layers {
		if layer.ID != layerID {
			pruned = append(pruned, layer)
		}
	}
	r.layers = pruned
	r.mu.Unlock()

	return nil
}

// Invalidate drops the cached list entirely
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.parcelID = ""
	r.layers = nil
	r.mu.Unlock()
}
