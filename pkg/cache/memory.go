package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/tiercache/tiercache/pkg/errors"
)

// memoryEntry is what the backing store holds per key. Expiration lives here,
// not in the store, so it stays queryable and mutable.
type memoryEntry struct {
	value     any
	createdAt time.Time
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && e.expiresAt.Before(now)
}

// MemoryStore is the in-process cache tier. Values are held as live typed
// objects in an eviction-capable store that may drop entries under memory
// pressure at any time, independent of expiration. Because that store cannot
// be enumerated, a companion key set tracks membership; it is always a
// superset of the entries actually resident, and is reconciled whenever a
// listed key turns out to have no resident entry.
type MemoryStore struct {
	store *ristretto.Cache[string, memoryEntry]

	mu            sync.RWMutex // guards keys and sweep bookkeeping
	keys          map[string]struct{}
	lastSweep     time.Time
	sweepInterval time.Duration

	logger *slog.Logger
}

// NewMemoryStore creates a memory tier with the given configuration. A nil
// config uses defaults.
func NewMemoryStore(cfg *MemoryConfig) (*MemoryStore, error) {
	return newMemoryStore(cfg, slog.Default())
}

func newMemoryStore(cfg *MemoryConfig, logger *slog.Logger) (*MemoryStore, error) {
	if cfg == nil {
		def := DefaultConfig("memory")
		cfg = &def.Memory
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = 10 * time.Minute
	}

	store, err := ristretto.NewCache(&ristretto.Config[string, memoryEntry]{
		NumCounters: maxEntries * 10, // ~10x expected items for admission tracking
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(errors.CodeInvalidConfig, "create memory store", err)
	}

	return &MemoryStore{
		store:         store,
		keys:          make(map[string]struct{}),
		lastSweep:     time.Now(),
		sweepInterval: sweep,
		logger:        logger,
	}, nil
}

// Contains reports whether a non-expired entry is resident for key.
func (m *MemoryStore) Contains(key string) bool {
	_, ok := m.lookup(key)
	return ok
}

// Value returns the live value for key, if resident and not expired.
func (m *MemoryStore) Value(key string) (any, bool) {
	e, ok := m.lookup(key)
	if !ok {
		return nil, false
	}
	return e.value, true
}

// lookup fetches an entry, lazily expiring it and reconciling the key set
// when the store has dropped it.
func (m *MemoryStore) lookup(key string) (memoryEntry, bool) {
	m.maybeSweep()

	e, ok := m.store.Get(key)
	if !ok {
		// Reclaimed under pressure, never admitted, or never set. Either way
		// the key no longer belongs in the set.
		m.dropKey(key)
		return memoryEntry{}, false
	}
	if e.expired(time.Now()) {
		m.Remove(key)
		return memoryEntry{}, false
	}
	return e, true
}

// SetValue stores value under key. A zero expiresAt means no expiration.
// The backing store may decline or later drop the entry; a subsequent lookup
// then simply misses.
func (m *MemoryStore) SetValue(key string, value any, expiresAt time.Time) {
	m.maybeSweep()

	e := memoryEntry{value: value, createdAt: time.Now(), expiresAt: expiresAt}

	// The key set must never under-report: list the key before the store
	// write so it stays a superset of resident entries.
	m.mu.Lock()
	m.keys[key] = struct{}{}
	m.mu.Unlock()

	m.store.Set(key, e, 1)
	// Flush the store's write buffer so a set followed by a get on the same
	// key observes the write.
	m.store.Wait()
}

// Remove evicts key from the store and the key set.
func (m *MemoryStore) Remove(key string) {
	m.dropKey(key)
	m.store.Del(key)
}

// RemoveAll evicts every entry.
func (m *MemoryStore) RemoveAll() {
	m.mu.Lock()
	m.keys = make(map[string]struct{})
	m.mu.Unlock()
	m.store.Clear()
}

// RemoveExpired evicts all expired entries and returns how many it removed.
// Keys whose entries were silently reclaimed are reconciled out of the key
// set but not counted.
func (m *MemoryStore) RemoveExpired() int {
	now := time.Now()
	removed := 0
	for _, key := range m.snapshotKeys() {
		e, ok := m.store.Get(key)
		if !ok {
			m.dropKey(key)
			continue
		}
		if e.expired(now) {
			m.Remove(key)
			removed++
		}
	}

	m.mu.Lock()
	m.lastSweep = now
	m.mu.Unlock()
	return removed
}

// RemoveOlderThan evicts entries created before cutoff, regardless of their
// expiration, and returns how many it removed.
func (m *MemoryStore) RemoveOlderThan(cutoff time.Time) int {
	removed := 0
	for _, key := range m.snapshotKeys() {
		e, ok := m.store.Get(key)
		if !ok {
			m.dropKey(key)
			continue
		}
		if e.createdAt.Before(cutoff) {
			m.Remove(key)
			removed++
		}
	}
	return removed
}

// ExpirationDate returns the expiration for key. The bool reports whether a
// non-expired entry is resident; a zero time means the entry does not expire.
func (m *MemoryStore) ExpirationDate(key string) (time.Time, bool) {
	e, ok := m.lookup(key)
	if !ok {
		return time.Time{}, false
	}
	return e.expiresAt, true
}

// SetExpirationDate replaces the expiration for an existing entry. A zero
// time clears it. Returns false when no entry is resident for key.
func (m *MemoryStore) SetExpirationDate(key string, expiresAt time.Time) bool {
	e, ok := m.lookup(key)
	if !ok {
		return false
	}
	e.expiresAt = expiresAt
	m.store.Set(key, e, 1)
	m.store.Wait()
	return true
}

// Len returns the number of listed keys. Because the store may have silently
// dropped some of them, this is an upper bound on resident entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// Close releases the backing store's resources.
func (m *MemoryStore) Close() {
	m.store.Close()
}

// maybeSweep runs RemoveExpired at most once per sweep interval, amortized
// over ordinary accesses, to bound how long silently expired entries linger.
func (m *MemoryStore) maybeSweep() {
	m.mu.RLock()
	due := time.Since(m.lastSweep) >= m.sweepInterval
	m.mu.RUnlock()
	if due {
		m.RemoveExpired()
	}
}

func (m *MemoryStore) snapshotKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.keys))
	for k := range m.keys {
		keys = append(keys, k)
	}
	return keys
}

func (m *MemoryStore) dropKey(key string) {
	m.mu.Lock()
	delete(m.keys, key)
	m.mu.Unlock()
}
