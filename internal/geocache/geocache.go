// Package geocache persists resolved parcel geometries so reselecting
// a parcel after a restart skips the context broker round trip. Parcel
// boundaries change rarely; entries expire after a TTL regardless.
package geocache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultTTL keeps a boundary for a month before forcing a re-fetch
const DefaultTTL = 30 * 24 * time.Hour

type entry struct {
	WKT        string    `json:"wkt"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// Cache is a disk-backed map of entity ID to WKT geometry.
// Index file: {path}. All access goes through the mutex; writes are
// flushed synchronously, the file is small.
type Cache struct {
	path string
	ttl  time.Duration

	mu      sync.Mutex
	entries map[string]entry
}

// Open loads the cache index at path, starting empty when the file is
// missing or unreadable
func Open(path string, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	cache := &Cache{path: path, ttl: ttl, entries: map[string]entry{}}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &cache.entries); err != nil {
			// Corrupt index: drop it and start fresh
			cache.entries = map[string]entry{}
		}
	}
	return cache, nil
}

// DefaultPath returns the OS-specific cache index location
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "geometry.json")
	}
	return filepath.Join(homeDir, ".parcel-lidar", "desktop", "cache", "geometry.json")
}

// Get returns the cached WKT for an entity, if present and fresh
func (c *Cache) Get(entityID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[entityID]
	if !ok {
		return "", false
	}
	if time.Since(e.ResolvedAt) > c.ttl {
		delete(c.entries, entityID)
		return "", false
	}
	return e.WKT, true
}

// Put stores a resolved geometry and flushes the index
func (c *Cache) Put(entityID, wkt string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[entityID] = entry{WKT: wkt, ResolvedAt: time.Now()}
	c.flushLocked()
}

// Invalidate drops one entity's cached geometry
func (c *Cache) Invalidate(entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[entityID]; !ok {
		return
	}
	delete(c.entries, entityID)
	c.flushLocked()
}

// Len returns the number of cached geometries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) flushLocked() {
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(c.path, data, 0644); err != nil {
		// Cache persistence is best-effort; lookups still work in memory
		return
	}
}
