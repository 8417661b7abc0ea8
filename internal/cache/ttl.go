// Package cache provides a keyed TTL cache for expensive snapshots.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// Entry is a cached value together with the moment it was computed.
type Entry[T any] struct {
	Value      T
	CapturedAt time.Time
}

// TTL caches one Entry per key. A read returns the cached value while
// now-CapturedAt < ttl and recomputes otherwise. Concurrent misses for the
// same key share one computation; failed computations are not stored.
type TTL[T any] struct {
	name string
	ttl  time.Duration

	mu      sync.Mutex
	entries map[string]Entry[T]
	group   singleflight.Group

	now    func() time.Time
	lookup *prometheus.CounterVec
}

// Option configures a TTL cache.
type Option func(*options)

type options struct {
	now    func() time.Time
	lookup *prometheus.CounterVec
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLookupCounter counts lookups by cache name and result (hit or miss).
func WithLookupCounter(c *prometheus.CounterVec) Option {
	return func(o *options) { o.lookup = c }
}

// New creates a cache named name with the given freshness window.
func New[T any](name string, ttl time.Duration, opts ...Option) *TTL[T] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTL[T]{
		name:    name,
		ttl:     ttl,
		entries: make(map[string]Entry[T]),
		now:     o.now,
		lookup:  o.lookup,
	}
}

// TTL returns the freshness window.
func (c *TTL[T]) TTL() time.Duration {
	return c.ttl
}

// GetOrCompute returns the fresh entry for key, or runs compute and stores
// its result. compute runs detached from caller cancellation; a cancelled
// caller returns ctx.Err() while the others keep waiting for the result.
func (c *TTL[T]) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (T, error)) (Entry[T], error) {
	if e, ok := c.fresh(key); ok {
		c.count("hit")
		return e, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		// Another caller may have filled the entry while we waited.
		if e, ok := c.fresh(key); ok {
			return e, nil
		}
		c.count("miss")
		value, err := compute(detached)
		if err != nil {
			return Entry[T]{}, err
		}
		e := Entry[T]{Value: value, CapturedAt: c.now()}
		c.mu.Lock()
		c.entries[key] = e
		c.mu.Unlock()
		return e, nil
	})

	select {
	case <-ctx.Done():
		return Entry[T]{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Entry[T]{}, res.Err
		}
		return res.Val.(Entry[T]), nil
	}
}

// Invalidate drops the entry for key.
func (c *TTL[T]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *TTL[T]) fresh(key string) (Entry[T], bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok || c.now().Sub(e.CapturedAt) >= c.ttl {
		return Entry[T]{}, false
	}
	return e, true
}

func (c *TTL[T]) count(result string) {
	if c.lookup != nil {
		c.lookup.WithLabelValues(c.name, result).Inc()
	}
}
