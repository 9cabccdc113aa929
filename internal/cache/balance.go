// Package cache memoizes balance lookups per block number.
//
// Block-keyed values never change once the block is final, so entries carry
// no expiry and are only dropped by LRU eviction.
package cache

import (
	"context"
	"strconv"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultCapacity bounds each cache instance.
const DefaultCapacity = 10000

// Result is a cached fetch outcome. OK is false when the fetch failed; the
// value is then unknown and must not be read as zero.
type Result[V any] struct {
	Value V
	OK    bool
}

// FetchFunc loads the value for a block key.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Options tune a cache instance.
type Options struct {
	// Capacity is the LRU size; zero selects DefaultCapacity.
	Capacity int
	// RetryFailed re-runs the fetch for keys whose cached result is a failure.
	// When false, a failure is stored and served for the life of the entry.
	RetryFailed bool
	// OnFetchError observes fetch failures before they are cached.
	OnFetchError func(key uint64, err error)
}

// Cache is a concurrency-safe, block-keyed memoizing cache.
type Cache[V any] struct {
	entries     *lru.Cache[uint64, Result[V]]
	group       singleflight.Group
	retryFailed bool
	onFetchErr  func(key uint64, err error)

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache with the given options.
func New[V any](opts Options) (*Cache[V], error) {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	entries, err := lru.New[uint64, Result[V]](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache[V]{
		entries:     entries,
		retryFailed: opts.RetryFailed,
		onFetchErr:  opts.OnFetchError,
	}, nil
}

// GetOrFetch returns the cached result for key, invoking fetch on a miss and
// storing its outcome. Concurrent misses for one key share a single fetch.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key uint64, fetch FetchFunc[V]) (V, bool) {
	res, _ := c.Lookup(ctx, key, fetch)
	return res.Value, res.OK
}

// Lookup is GetOrFetch that also reports whether the result was already
// cached. Callers that waited on another caller's in-flight fetch see a miss.
//
// The fetch runs detached from ctx cancellation so one caller's cancelled
// context cannot poison the key for every waiter. fetch must bound itself with
// its own timeout.
func (c *Cache[V]) Lookup(ctx context.Context, key uint64, fetch FetchFunc[V]) (Result[V], bool) {
	if res, ok := c.entries.Get(key); ok && (res.OK || !c.retryFailed) {
		c.hits.Add(1)
		return res, true
	}
	c.misses.Add(1)

	fetchCtx := context.WithoutCancel(ctx)
	v, _, _ := c.group.Do(strconv.FormatUint(key, 10), func() (any, error) {
		// Another caller may have filled the key while we waited on the group.
		if res, ok := c.entries.Peek(key); ok && (res.OK || !c.retryFailed) {
			return res, nil
		}
		val, err := fetch(fetchCtx)
		res := Result[V]{Value: val, OK: err == nil}
		if err != nil {
			var zero V
			res.Value = zero
			if c.onFetchErr != nil {
				c.onFetchErr(key, err)
			}
		}
		c.entries.Add(key, res)
		return res, nil
	})
	return v.(Result[V]), false
}

// Peek returns the cached result without fetching or touching recency.
func (c *Cache[V]) Peek(key uint64) (Result[V], bool) {
	return c.entries.Peek(key)
}

// Len reports the number of cached keys.
func (c *Cache[V]) Len() int {
	return c.entries.Len()
}

// Stats returns hit and miss counts.
func (c *Cache[V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
