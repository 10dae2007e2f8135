package geocache

import "context"

// Resolver matches the context broker client's geometry lookup
type Resolver interface {
	Resolve(ctx context.Context, entityID string) (string, error)
}

// CachingResolver wraps a Resolver with the disk cache. Empty results
// are not cached: an entity without geometry today may gain one.
type CachingResolver struct {
	inner Resolver
	cache *Cache
}

func NewCachingResolver(inner Resolver, cache *Cache) *CachingResolver {
	return &CachingResolver{inner: inner, cache: cache}
}

func (r *CachingResolver) Resolve(ctx context.Context, entityID string) (string, error) {
	if wkt, ok := r.cache.Get(entityID); ok {
		return wkt, nil
	}

	wkt, err := r.inner.Resolve(ctx, entityID)
	if err != nil {
		return "", err
	}
	if wkt != "" {
		r.cache.Put(entityID, wkt)
	}
	return wkt, nil
}
