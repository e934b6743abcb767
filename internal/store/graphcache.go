package store

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/coolsite/internal/graph"
)

// DefaultBuildTimeout bounds a shared graph build.
const DefaultBuildTimeout = 15 * time.Minute

// GraphCache is a concurrent-safe LRU cache of built graphs with TTL
// expiration. When a Store is attached, misses fall through to it and
// built graphs are written back.
type GraphCache struct {
	mu         sync.RWMutex
	entries    map[string]*graphCacheEntry
	order      []string // LRU order: front=oldest, back=newest
	maxEntries int
	ttl        time.Duration
	disk       Store
	group      singleflight.Group

	buildTimeout time.Duration

	hits     atomic.Int64
	diskHits atomic.Int64
	misses   atomic.Int64
	builds   atomic.Int64
}

type graphCacheEntry struct {
	g         *graph.Graph
	createdAt time.Time
}

// CacheStats contains cache performance statistics.
type CacheStats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Hits       int64   `json:"hits"`
	DiskHits   int64   `json:"disk_hits"`
	Misses     int64   `json:"misses"`
	Builds     int64   `json:"builds"`
	HitRate    float64 `json:"hit_rate"`
}

// NewGraphCache creates a GraphCache. disk may be nil.
func NewGraphCache(maxEntries int, ttl time.Duration, disk Store) *GraphCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &GraphCache{
		entries:      make(map[string]*graphCacheEntry),
		maxEntries:   maxEntries,
		ttl:          ttl,
		disk:         disk,
		buildTimeout: DefaultBuildTimeout,
	}
}

// SetBuildTimeout bounds each shared build; d <= 0 restores the default.
func (c *GraphCache) SetBuildTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultBuildTimeout
	}
	c.buildTimeout = d
}

// Get returns the cached graph for key, consulting the disk tier on a
// memory miss. It returns nil on miss or expiration.
func (c *GraphCache) Get(ctx context.Context, key string) (*graph.Graph, error) {
	if g := c.memGet(key); g != nil {
		c.hits.Add(1)
		return g, nil
	}
	if c.disk != nil {
		snap, err := c.disk.GetGraph(ctx, key)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			g, err := graph.FromSnapshot(*snap)
			if err != nil {
				return nil, eris.Wrapf(err, "graph cache: restore %s", key)
			}
			c.memPut(key, g)
			c.diskHits.Add(1)
			return g, nil
		}
	}
	c.misses.Add(1)
	return nil, nil
}

// Put stores a graph in memory and, when attached, on disk.
func (c *GraphCache) Put(ctx context.Context, key string, g *graph.Graph) error {
	c.memPut(key, g)
	if c.disk == nil {
		return nil
	}
	snap := g.Snapshot()
	return c.disk.PutGraph(ctx, key, &snap, c.ttl)
}

// GetOrBuild returns the cached graph for key or calls build once, sharing
// the result between concurrent callers of the same key. The build runs
// detached from the caller that started it, bounded by the build timeout,
// so a cancelled caller stops waiting without failing the others.
func (c *GraphCache) GetOrBuild(ctx context.Context, key string, build func(context.Context) (*graph.Graph, error)) (*graph.Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrapf(err, "graph cache: %s", key)
	}
	ch := c.group.DoChan(key, func() (any, error) {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.buildTimeout)
		defer cancel()

		g, err := c.Get(bctx, key)
		if err != nil {
			zap.L().Warn("graph cache: disk read failed, rebuilding",
				zap.String("key", key), zap.Error(err))
		}
		if g != nil {
			return g, nil
		}
		g, err = build(bctx)
		if err != nil {
			return nil, err
		}
		c.builds.Add(1)
		if err := c.Put(bctx, key, g); err != nil {
			zap.L().Warn("graph cache: disk write failed",
				zap.String("key", key), zap.Error(err))
		}
		return g, nil
	})
	select {
	case <-ctx.Done():
		return nil, eris.Wrapf(ctx.Err(), "graph cache: waiting for %s", key)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*graph.Graph), nil
	}
}

// Invalidate removes every entry whose key starts with prefix, in memory
// and on disk. An empty prefix clears everything.
func (c *GraphCache) Invalidate(ctx context.Context, prefix string) error {
	c.mu.Lock()
	var remaining []string
	for _, key := range c.order {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		} else {
			remaining = append(remaining, key)
		}
	}
	c.order = remaining
	c.mu.Unlock()

	if c.disk == nil {
		return nil
	}
	entries, err := c.disk.ListGraphs(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Key, prefix) {
			if err := c.disk.DeleteGraph(ctx, e.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Purge drops expired memory entries and expired disk rows. It returns the
// number of entries removed across both tiers.
func (c *GraphCache) Purge(ctx context.Context) (int, error) {
	c.mu.Lock()
	removed := 0
	var remaining []string
	for _, key := range c.order {
		if c.expired(c.entries[key]) {
			delete(c.entries, key)
			removed++
		} else {
			remaining = append(remaining, key)
		}
	}
	c.order = remaining
	c.mu.Unlock()

	if c.disk == nil {
		return removed, nil
	}
	n, err := c.disk.PurgeGraphs(ctx, true)
	return removed + n, err
}

// Stats returns cache performance statistics.
func (c *GraphCache) Stats() CacheStats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()

	hits, diskHits, misses := c.hits.Load(), c.diskHits.Load(), c.misses.Load()
	var hitRate float64
	if total := hits + diskHits + misses; total > 0 {
		hitRate = float64(hits+diskHits) / float64(total)
	}
	return CacheStats{
		Entries:    entries,
		MaxEntries: c.maxEntries,
		Hits:       hits,
		DiskHits:   diskHits,
		Misses:     misses,
		Builds:     c.builds.Load(),
		HitRate:    hitRate,
	}
}

func (c *GraphCache) expired(e *graphCacheEntry) bool {
	return c.ttl > 0 && time.Since(e.createdAt) > c.ttl
}

func (c *GraphCache) memGet(key string) *graph.Graph {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.expired(entry) {
		delete(c.entries, key)
		c.removeFromOrder(key)
		return nil
	}
	c.removeFromOrder(key)
	c.order = append(c.order, key)
	return entry.g
}

func (c *GraphCache) memPut(key string, g *graph.Graph) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.removeFromOrder(key)
	} else {
		for len(c.entries) >= c.maxEntries && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
	}
	c.entries[key] = &graphCacheEntry{g: g, createdAt: time.Now()}
	c.order = append(c.order, key)
}

func (c *GraphCache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
