package cache

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/tiercache/tiercache/internal/metrics"
	"github.com/tiercache/tiercache/pkg/errors"
)

// waiter is a boxed read completion parked on an in-flight source fetch. It
// owns its own decode step so readers of different types can wait on one key.
type waiter func(data []byte, found bool)

// fetchState tracks one in-flight source fetch: the parked waiters, the
// memory-populate step contributed by the first of them, and the scope the
// triggering read ran under.
type fetchState struct {
	waiters  []waiter
	populate func(data []byte, expiresAt time.Time)
	scope    Scope
}

// Cache is the two-tier façade: a memory tier for live typed values, a disk
// tier for durable bytes, and an optional data source consulted by
// asynchronous reads. All methods are safe for concurrent use; operations on
// one instance are serialized by an internal mutex, so per-key operations
// observe a total order.
type Cache struct {
	name   string
	memory *MemoryStore
	disk   *DiskStore
	source Source

	logger    *slog.Logger
	collector *metrics.Collector
	exec      func(func())

	mu      sync.Mutex
	pending map[string]*fetchState

	memoryHits       atomic.Uint64
	diskHits         atomic.Uint64
	misses           atomic.Uint64
	sourceFetches    atomic.Uint64
	coalescedWaiters atomic.Uint64
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	MemoryHits       uint64 `json:"memory_hits"`
	DiskHits         uint64 `json:"disk_hits"`
	Misses           uint64 `json:"misses"`
	SourceFetches    uint64 `json:"source_fetches"`
	CoalescedWaiters uint64 `json:"coalesced_waiters"`
	MemoryEntries    int    `json:"memory_entries"`
	DiskEntries      int    `json:"disk_entries"`
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithSource attaches a data source consulted by asynchronous reads that
// miss both tiers.
func WithSource(s Source) Option {
	return func(c *Cache) { c.source = s }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus instrumentation under the given namespace
// (empty for the default). The registry is exposed via MetricsRegistry.
func WithMetrics(namespace string) Option {
	return func(c *Cache) { c.collector = metrics.NewCollector(namespace, c.name) }
}

// WithCompletionExecutor routes every completion callback through exec, for
// callers that need completions on a particular goroutine or loop. The
// default runs completions directly on the cache's background goroutines.
func WithCompletionExecutor(exec func(func())) Option {
	return func(c *Cache) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// New creates a cache from cfg. Unset config fields get defaults. The disk
// tier is opened (with legacy migration and index reconciliation) before New
// returns; failure to establish the cache root is the only construction
// error beyond config validation.
func New(cfg *Config, opts ...Option) (*Cache, error) {
	if cfg == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "config cannot be nil")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Cache{
		name:    cfg.Name,
		logger:  slog.Default(),
		pending: make(map[string]*fetchState),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.exec == nil {
		c.exec = func(fn func()) { fn() }
	}

	memory, err := newMemoryStore(&cfg.Memory, c.logger)
	if err != nil {
		return nil, err
	}
	disk, err := newDiskStore(cfg.Name, &cfg.Disk, c.logger, c.collector)
	if err != nil {
		memory.Close()
		return nil, err
	}
	c.memory = memory
	c.disk = disk
	return c, nil
}

// Name returns the cache's configured name.
func (c *Cache) Name() string { return c.name }

// Memory exposes the memory tier for direct access. Entries written here
// bypass the disk tier entirely.
func (c *Cache) Memory() *MemoryStore { return c.memory }

// Disk exposes the disk tier for direct byte-level access. Entries written
// here are not reflected into memory until a read promotes them.
func (c *Cache) Disk() *DiskStore { return c.disk }

// MetricsRegistry returns the Prometheus registry when WithMetrics was used,
// nil otherwise.
func (c *Cache) MetricsRegistry() *prometheus.Registry {
	return c.collector.Registry()
}

// Stats returns a snapshot of activity counters and tier sizes.
func (c *Cache) Stats() Stats {
	return Stats{
		MemoryHits:       c.memoryHits.Load(),
		DiskHits:         c.diskHits.Load(),
		Misses:           c.misses.Load(),
		SourceFetches:    c.sourceFetches.Load(),
		CoalescedWaiters: c.coalescedWaiters.Load(),
		MemoryEntries:    c.memory.Len(),
		DiskEntries:      c.disk.Len(),
	}
}

// Close flushes the disk index and releases tier resources. Waiters parked on
// an in-flight fetch are not interrupted; their source completes or they stay
// pending, as in normal operation.
func (c *Cache) Close() error {
	c.memory.Close()
	return c.disk.Close()
}

// Contains reports whether any in-scope tier holds a non-expired entry for
// key. The data source is never consulted.
func (c *Cache) Contains(key string, scopes ...Scope) bool {
	sc := scopeOf(scopes)
	c.mu.Lock()
	defer c.mu.Unlock()
	if sc.has(ScopeMemory) && c.memory.Contains(key) {
		return true
	}
	if sc.has(ScopeDisk) && c.disk.Contains(key) {
		return true
	}
	return false
}

// ContainsAsync is Contains off the calling goroutine, delivering the result
// through the completion executor.
func (c *Cache) ContainsAsync(key string, completion func(bool), scopes ...Scope) {
	go func() {
		ok := c.Contains(key, scopes...)
		if completion != nil {
			c.deliver(func() { completion(ok) })
		}
	}()
}

// Remove deletes key from every in-scope tier. Tier failures are absorbed
// and logged.
func (c *Cache) Remove(key string, scopes ...Scope) {
	sc := scopeOf(scopes)
	c.mu.Lock()
	defer c.mu.Unlock()
	if sc.has(ScopeMemory) {
		c.memory.Remove(key)
	}
	if sc.has(ScopeDisk) {
		if err := c.disk.Remove(key); err != nil {
			c.logger.Warn("disk removal failed", "key", key, "error", err)
		}
	}
}

// RemoveAsync is Remove off the calling goroutine.
func (c *Cache) RemoveAsync(key string, completion func(), scopes ...Scope) {
	go func() {
		c.Remove(key, scopes...)
		if completion != nil {
			c.deliver(completion)
		}
	}()
}

// RemoveAll clears every in-scope tier, fanning out to the tiers in parallel.
func (c *Cache) RemoveAll(scopes ...Scope) {
	sc := scopeOf(scopes)
	c.mu.Lock()
	defer c.mu.Unlock()

	var g errgroup.Group
	if sc.has(ScopeMemory) {
		g.Go(func() error {
			c.memory.RemoveAll()
			return nil
		})
	}
	if sc.has(ScopeDisk) {
		g.Go(func() error { return c.disk.RemoveAll() })
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("clearing the disk tier failed", "error", err)
	}
}

// RemoveAllAsync is RemoveAll off the calling goroutine.
func (c *Cache) RemoveAllAsync(completion func(), scopes ...Scope) {
	go func() {
		c.RemoveAll(scopes...)
		if completion != nil {
			c.deliver(completion)
		}
	}()
}

// RemoveExpired sweeps expired entries from every in-scope tier in parallel
// and returns how many were removed.
func (c *Cache) RemoveExpired(scopes ...Scope) int {
	sc := scopeOf(scopes)
	c.mu.Lock()
	defer c.mu.Unlock()

	var memN, diskN int
	var g errgroup.Group
	if sc.has(ScopeMemory) {
		g.Go(func() error {
			memN = c.memory.RemoveExpired()
			return nil
		})
	}
	if sc.has(ScopeDisk) {
		g.Go(func() error {
			var err error
			diskN, err = c.disk.RemoveExpired()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("expired-entry sweep had failures", "error", err)
	}
	c.collector.RecordEvictions(metrics.TierMemory, memN)
	return memN + diskN
}

// RemoveExpiredAsync is RemoveExpired off the calling goroutine.
func (c *Cache) RemoveExpiredAsync(completion func(removed int), scopes ...Scope) {
	go func() {
		n := c.RemoveExpired(scopes...)
		if completion != nil {
			c.deliver(func() { completion(n) })
		}
	}()
}

// RemoveOlderThan removes entries created before cutoff from every in-scope
// tier, regardless of expiration, and returns how many were removed.
func (c *Cache) RemoveOlderThan(cutoff time.Time, scopes ...Scope) int {
	sc := scopeOf(scopes)
	c.mu.Lock()
	defer c.mu.Unlock()

	var memN, diskN int
	var g errgroup.Group
	if sc.has(ScopeMemory) {
		g.Go(func() error {
			memN = c.memory.RemoveOlderThan(cutoff)
			return nil
		})
	}
	if sc.has(ScopeDisk) {
		g.Go(func() error {
			var err error
			diskN, err = c.disk.RemoveOlderThan(cutoff)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("age-based purge had failures", "error", err)
	}
	c.collector.RecordEvictions(metrics.TierMemory, memN)
	return memN + diskN
}

// RemoveOlderThanAsync is RemoveOlderThan off the calling goroutine.
func (c *Cache) RemoveOlderThanAsync(cutoff time.Time, completion func(removed int), scopes ...Scope) {
	go func() {
		n := c.RemoveOlderThan(cutoff, scopes...)
		if completion != nil {
			c.deliver(func() { completion(n) })
		}
	}()
}

// ExpirationDate returns the expiration of the first in-scope tier holding a
// non-expired entry for key, memory first. A zero time with ok true means
// the entry does not expire.
func (c *Cache) ExpirationDate(key string, scopes ...Scope) (time.Time, bool) {
	sc := scopeOf(scopes)
	c.mu.Lock()
	defer c.mu.Unlock()
	if sc.has(ScopeMemory) {
		if exp, ok := c.memory.ExpirationDate(key); ok {
			return exp, true
		}
	}
	if sc.has(ScopeDisk) {
		return c.disk.ExpirationDate(key)
	}
	return time.Time{}, false
}

// ExpirationDateAsync is ExpirationDate off the calling goroutine.
func (c *Cache) ExpirationDateAsync(key string, completion func(expiresAt time.Time, ok bool), scopes ...Scope) {
	go func() {
		exp, ok := c.ExpirationDate(key, scopes...)
		if completion != nil {
			c.deliver(func() { completion(exp, ok) })
		}
	}()
}

// SetExpirationDate replaces the expiration for key in every in-scope tier
// that holds it. A zero time clears the expiration. Unknown keys are a
// no-op.
func (c *Cache) SetExpirationDate(key string, expiresAt time.Time, scopes ...Scope) {
	sc := scopeOf(scopes)
	c.mu.Lock()
	defer c.mu.Unlock()
	if sc.has(ScopeMemory) {
		c.memory.SetExpirationDate(key, expiresAt)
	}
	if sc.has(ScopeDisk) {
		if err := c.disk.SetExpirationDate(key, expiresAt); err != nil {
			c.logger.Warn("disk expiration update failed", "key", key, "error", err)
		}
	}
}

// SetExpirationDateAsync is SetExpirationDate off the calling goroutine.
func (c *Cache) SetExpirationDateAsync(key string, expiresAt time.Time, completion func(), scopes ...Scope) {
	go func() {
		c.SetExpirationDate(key, expiresAt, scopes...)
		if completion != nil {
			c.deliver(completion)
		}
	}()
}

// deliver runs a completion through the configured executor.
func (c *Cache) deliver(fn func()) {
	if fn == nil {
		return
	}
	c.exec(fn)
}

// fetchDone finishes an in-flight source fetch: write-through to the
// in-scope tiers, then release every parked waiter with the raw bytes. Each
// waiter decodes for itself. Runs once per fetch, from the source's
// completion.
func (c *Cache) fetchDone(key string, data []byte, expiresAt time.Time) {
	c.mu.Lock()
	st, ok := c.pending[key]
	if !ok {
		// A completion with no pending state means the source called back
		// more than once; the contract forbids it, so drop the extra call.
		c.mu.Unlock()
		c.logger.Warn("duplicate source completion ignored", "key", key)
		return
	}
	delete(c.pending, key)

	found := data != nil
	if found {
		if st.scope.has(ScopeDisk) {
			if err := c.disk.SetBytes(key, data, expiresAt); err != nil {
				c.logger.Warn("write-through to disk failed", "key", key, "error", err)
			}
		}
		if st.scope.has(ScopeMemory) && st.populate != nil {
			st.populate(data, expiresAt)
		}
	}
	waiters := st.waiters
	c.mu.Unlock()

	for _, w := range waiters {
		w(data, found)
	}
}
