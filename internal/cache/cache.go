// Package cache provides a lazy read-through TTL cache for slow-changing
// reference data. Expiry is checked when an entry is read; there is no
// background sweep, and writers must evict the entries they affect.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader fetches the value for a key on a miss.
type Loader[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache maps string keys to values of type V. Entries are immutable and
// replaced with a single pointer swap, so readers never see a partial entry.
type Cache[V any] struct {
	name  string
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	items map[string]*entry[V]
	group singleflight.Group

	// epoch moves on Purge and gens[key] on Invalidate; a load only stores
	// its result if neither moved while it ran.
	epoch uint64
	gens  map[string]uint64

	hits   atomic.Int64
	misses atomic.Int64
	loads  atomic.Int64
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a cache. A ttl of zero disables caching: every read reloads.
func New[V any](name string, ttl time.Duration, opts ...Option) *Cache[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[V]{
		name:  name,
		ttl:   ttl,
		now:   o.now,
		items: make(map[string]*entry[V]),
		gens:  make(map[string]uint64),
	}
}

func (c *Cache[V]) Name() string { return c.name }

// Get returns the live value for key, if any.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if ok && c.now().Before(e.expiresAt) {
		return e.value, true
	}
	var zero V
	return zero, false
}

// GetOrLoad returns the cached value for key or calls load and caches its
// result. Concurrent misses on the same key share one load, which runs
// detached from any single caller's cancellation; each caller still stops
// waiting when its own ctx is done. Load errors are returned as-is and
// nothing is stored.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load Loader[V]) (V, error) {
	var zero V
	if v, ok := c.Get(key); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)

	epoch, gen := c.generation(key)
	loadCtx := context.WithoutCancel(ctx)

	// Loads started before an eviction are not shared with callers after it.
	flight := fmt.Sprintf("%d/%d/%s", epoch, gen, key)
	ch := c.group.DoChan(flight, func() (any, error) {
		// Another caller may have filled the entry while we queued.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		c.loads.Add(1)
		v, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		c.setIfCurrent(key, v, epoch, gen)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("load %s/%s: %w", c.name, key, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return zero, fmt.Errorf("load %s/%s: %w", c.name, key, res.Err)
		}
		return res.Val.(V), nil
	}
}

func (c *Cache[V]) generation(key string) (epoch, gen uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch, c.gens[key]
}

// setIfCurrent stores v unless key was evicted after the load began.
func (c *Cache[V]) setIfCurrent(key string, v V, epoch, gen uint64) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || c.gens[key] != gen {
		return
	}
	c.items[key] = &entry[V]{value: v, expiresAt: c.now().Add(c.ttl)}
}

// Set stores v under key with a fresh expiry.
func (c *Cache[V]) Set(key string, v V) {
	if c.ttl <= 0 {
		return
	}
	e := &entry[V]{value: v, expiresAt: c.now().Add(c.ttl)}

	c.mu.Lock()
	c.items[key] = e
	c.mu.Unlock()
}

// Invalidate drops keys. Loads already running for them keep serving their
// own waiters but do not store their result.
func (c *Cache[V]) Invalidate(keys ...string) {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.items, k)
		c.gens[k]++
	}
	c.mu.Unlock()
}

func (c *Cache[V]) Purge() {
	c.mu.Lock()
	c.items = make(map[string]*entry[V])
	c.gens = make(map[string]uint64)
	c.epoch++
	c.mu.Unlock()
}

// Len counts stored entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

type Stats struct {
	Hits   int64
	Misses int64
	Loads  int64
}

func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Loads:  c.loads.Load(),
	}
}
