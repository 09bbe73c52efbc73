package cache

import (
	"time"

	"github.com/tiercache/tiercache/internal/metrics"
	"github.com/tiercache/tiercache/pkg/codec"
)

// Typed operations are package-level generic functions because Go methods
// cannot introduce type parameters. They share the cache's serialization
// mutex with the untyped methods.

// Value returns the cached value for key, decoded as T. Tiers are consulted
// in order: memory (the live value, if its dynamic type is T), then disk
// (bytes decoded with cdc, promoted into memory with the disk entry's
// expiration). The data source is never consulted; use ValueAsync for
// read-through. Any tier or codec failure is a miss.
func Value[T any](c *Cache, key string, cdc codec.Codec[T], scopes ...Scope) (T, bool) {
	sc := scopeOf(scopes)
	c.mu.Lock()
	defer c.mu.Unlock()
	return lookupLocked(c, key, cdc, sc)
}

// ValueAsync reads key off the calling goroutine. On a miss in both tiers it
// falls through to the data source when one is attached and ScopeSource is
// in scope. Concurrent readers of one key coalesce onto a single fetch: the
// first triggers it, the rest park, and every reader's completion receives
// its own decode of the fetched bytes. The fetched entry is written through
// to disk and, decoded with the first reader's codec, into memory.
func ValueAsync[T any](c *Cache, key string, cdc codec.Codec[T], completion func(value T, ok bool), scopes ...Scope) {
	if completion == nil {
		completion = func(T, bool) {}
	}
	sc := scopeOf(scopes)

	go func() {
		c.mu.Lock()

		// Piggyback on an in-flight fetch before touching the tiers: the
		// fetch result is at least as fresh as anything resident.
		if st, inflight := c.pending[key]; inflight && sc.has(ScopeSource) {
			st.waiters = append(st.waiters, waiterFor(c, key, cdc, completion))
			c.coalescedWaiters.Add(1)
			c.collector.RecordCoalescedWaiter()
			c.mu.Unlock()
			return
		}

		if v, ok := lookupLocked(c, key, cdc, sc); ok {
			c.mu.Unlock()
			c.deliver(func() { completion(v, true) })
			return
		}

		if !sc.has(ScopeSource) || c.source == nil {
			c.mu.Unlock()
			var zero T
			c.deliver(func() { completion(zero, false) })
			return
		}

		st := &fetchState{scope: sc}
		st.waiters = append(st.waiters, waiterFor(c, key, cdc, completion))
		st.populate = func(data []byte, expiresAt time.Time) {
			v, err := cdc.Decode(data)
			if err != nil {
				c.logger.Warn("memory populate after fetch skipped", "key", key, "error", err)
				return
			}
			c.memory.SetValue(key, v, expiresAt)
		}
		c.pending[key] = st
		c.mu.Unlock()

		c.sourceFetches.Add(1)
		c.collector.RecordSourceFetch()
		c.source.Fetch(key, func(data []byte, expiresAt time.Time) {
			c.fetchDone(key, data, expiresAt)
		})
	}()
}

// SetValue writes value to every in-scope tier: the live value into memory,
// the encoding into disk. A zero expiresAt means no expiration. An encode
// failure skips the disk tier only; a disk write failure does not roll back
// the memory write.
func SetValue[T any](c *Cache, key string, value T, cdc codec.Codec[T], expiresAt time.Time, scopes ...Scope) {
	sc := scopeOf(scopes)
	c.mu.Lock()
	defer c.mu.Unlock()

	if sc.has(ScopeMemory) {
		c.memory.SetValue(key, value, expiresAt)
	}
	if sc.has(ScopeDisk) {
		data, err := cdc.Encode(value)
		if err != nil {
			c.logger.Warn("encode for disk tier failed, entry is memory-only",
				"key", key, "error", err)
			return
		}
		if err := c.disk.SetBytes(key, data, expiresAt); err != nil {
			c.logger.Warn("disk tier write failed", "key", key, "error", err)
		}
	}
}

// SetValueAsync is SetValue off the calling goroutine.
func SetValueAsync[T any](c *Cache, key string, value T, cdc codec.Codec[T], expiresAt time.Time, completion func(), scopes ...Scope) {
	go func() {
		SetValue(c, key, value, cdc, expiresAt, scopes...)
		if completion != nil {
			c.deliver(completion)
		}
	}()
}

// lookupLocked is the shared tiered read path, run under c.mu: memory, then
// disk with promotion. Never consults the source.
func lookupLocked[T any](c *Cache, key string, cdc codec.Codec[T], sc Scope) (T, bool) {
	var zero T

	if sc.has(ScopeMemory) {
		if v, ok := c.memory.Value(key); ok {
			if t, isT := v.(T); isT {
				c.memoryHits.Add(1)
				c.collector.RecordHit(metrics.TierMemory)
				return t, true
			}
			// A value of some other type is resident under this key. For
			// this caller that is a miss; the disk bytes may still decode.
			c.logger.Debug("resident entry has a different type", "key", key)
		}
		c.collector.RecordMiss(metrics.TierMemory)
	}

	if sc.has(ScopeDisk) {
		if data, ok := c.disk.Bytes(key); ok {
			t, err := cdc.Decode(data)
			if err == nil {
				c.diskHits.Add(1)
				c.collector.RecordHit(metrics.TierDisk)
				if sc.has(ScopeMemory) {
					// Promote with the same expiration the disk entry has.
					if exp, ok := c.disk.ExpirationDate(key); ok {
						c.memory.SetValue(key, t, exp)
					}
				}
				return t, true
			}
			c.logger.Warn("decode cached bytes failed, treating as miss",
				"key", key, "error", err)
		}
		c.collector.RecordMiss(metrics.TierDisk)
	}

	c.misses.Add(1)
	return zero, false
}

// waiterFor boxes a typed completion into a raw-bytes waiter. Each waiter
// decodes the fetched bytes with its own codec; a decode failure is a miss
// for that waiter only.
func waiterFor[T any](c *Cache, key string, cdc codec.Codec[T], completion func(value T, ok bool)) waiter {
	return func(data []byte, found bool) {
		var zero T
		if !found {
			c.deliver(func() { completion(zero, false) })
			return
		}
		v, err := cdc.Decode(data)
		if err != nil {
			c.logger.Warn("decode fetched bytes failed", "key", key, "error", err)
			c.deliver(func() { completion(zero, false) })
			return
		}
		c.deliver(func() { completion(v, true) })
	}
}
