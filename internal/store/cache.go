package store

import (
	"context"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/ratewatch/internal/storage/types"
)

// CachedStore fronts a SeriesStore with an LRU cache of series metadata.
// Bin reads and writes pass straight through.
//
// Concurrent misses for the same series are collapsed into one backend
// read. A loaded record never replaces one written by PutMetadata in the
// meantime.
type CachedStore struct {
	SeriesStore

	cache *lru.Cache
	group singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

// CacheStats reports metadata cache effectiveness.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// WithMetadataCache wraps backend with a metadata cache of size entries.
func WithMetadataCache(backend SeriesStore, size int) (*CachedStore, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create metadata cache: %w", err)
	}
	return &CachedStore{SeriesStore: backend, cache: cache}, nil
}

// Metadata implements SeriesStore.
func (c *CachedStore) Metadata(ctx context.Context, series string) (types.SeriesMetadata, bool, error) {
	if v, ok := c.cache.Get(series); ok {
		c.hits.Add(1)
		return v.(types.SeriesMetadata), true, nil
	}
	c.misses.Add(1)

	type loaded struct {
		meta  types.SeriesMetadata
		found bool
	}

	v, err, _ := c.group.Do(series, func() (interface{}, error) {
		meta, found, err := c.SeriesStore.Metadata(ctx, series)
		if err != nil {
			return nil, err
		}
		if found {
			c.cache.ContainsOrAdd(series, meta)
		}
		return loaded{meta, found}, nil
	})
	if err != nil {
		return types.SeriesMetadata{}, false, err
	}

	l := v.(loaded)
	return l.meta, l.found, nil
}

// PutMetadata implements SeriesStore. The cache is only updated once the
// backend write succeeded.
func (c *CachedStore) PutMetadata(ctx context.Context, meta types.SeriesMetadata) error {
	if err := c.SeriesStore.PutMetadata(ctx, meta); err != nil {
		c.cache.Remove(meta.Series)
		return err
	}
	c.cache.Add(meta.Series, meta)
	return nil
}

// SeriesList forwards to the wrapped store.
func (c *CachedStore) SeriesList(ctx context.Context) ([]string, error) {
	l, ok := c.SeriesStore.(SeriesLister)
	if !ok {
		return nil, fmt.Errorf("store cannot list series")
	}
	return l.SeriesList(ctx)
}

// Stats returns cache statistics.
func (c *CachedStore) Stats() CacheStats {
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.cache.Len(),
	}
}
