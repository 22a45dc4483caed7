package cache

import (
	"context"
	"time"
)

const allKey = "all"

// Indexed caches a whole collection and a by-id index over it. Loading the
// collection seeds the index, so later point lookups skip a reload.
type Indexed[V any] struct {
	all  *Cache[[]V]
	byID *Cache[V]
	id   func(V) string
}

func NewIndexed[V any](name string, ttl time.Duration, id func(V) string, opts ...Option) *Indexed[V] {
	return &Indexed[V]{
		all:  New[[]V](name, ttl, opts...),
		byID: New[V](name+"_by_id", ttl, opts...),
		id:   id,
	}
}

// All returns the cached collection, loading it on a miss.
func (x *Indexed[V]) All(ctx context.Context, load Loader[[]V]) ([]V, error) {
	return x.all.GetOrLoad(ctx, allKey, func(ctx context.Context) ([]V, error) {
		items, err := load(ctx)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			x.byID.Set(x.id(it), it)
		}
		return items, nil
	})
}

// Get returns one item by id, loading only that item on a miss.
func (x *Indexed[V]) Get(ctx context.Context, id string, load Loader[V]) (V, error) {
	return x.byID.GetOrLoad(ctx, id, load)
}

// Evict drops the collection and the given ids.
func (x *Indexed[V]) Evict(ids ...string) {
	x.all.Invalidate(allKey)
	x.byID.Invalidate(ids...)
}

func (x *Indexed[V]) Purge() {
	x.all.Purge()
	x.byID.Purge()
}

// Caches exposes the two underlying caches, for metrics.
func (x *Indexed[V]) Caches() (all *Cache[[]V], byID *Cache[V]) {
	return x.all, x.byID
}
