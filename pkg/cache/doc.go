/*
Package cache provides a thread-safe two-tier key-value cache with optional
on-miss population from an external data source.

Values flow through a memory tier backed by an eviction-capable in-process
store and a disk tier backed by one blob file per key plus a durable index
document. A façade composes the two behind one synchronous/asynchronous API
with per-key miss coalescing.

# Architecture

	┌─────────────────────────────────────────────┐
	│                 Caller                      │
	│        (typed Value / SetValue API)         │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                 Cache                       │  ← façade, per-instance
	│   read-through / write-through / coalescing │    serialization point
	└─────────────────────────────────────────────┘
	          │                        │
	┌─────────┴───────────┐  ┌─────────┴───────────┐
	│     MemoryStore     │  │      DiskStore      │
	│  (ristretto, fast,  │  │  (blob files + JSON │
	│   may drop entries) │  │   index, durable)   │
	└─────────────────────┘  └─────────────────────┘
	                                   │
	                      ┌────────────┴────────────┐
	                      │      Source (optional)  │
	                      │  (S3, database, API...) │
	                      └─────────────────────────┘

# Read path

A read checks memory first, then disk. A disk hit repopulates memory with
the same expiration. Only the asynchronous read path consults the Source,
and concurrent misses for one key collapse into a single Source invocation;
every waiter decodes the fetched bytes with its own codec.

# Expiration

Both tiers expire lazily: an expired entry is removed when next looked up,
plus an amortized sweep in the memory tier and an explicit RemoveExpired on
both. The disk index is checkpointed with a short debounce and a maximum
staleness bound, and repaired on open after a crash.

# Direct tier access

MemoryStore and DiskStore are exported so callers can bypass the façade for
performance. Doing so forfeits the façade's per-key ordering and miss
coalescing guarantees.

Basic usage:

	cfg := cache.DefaultConfig("thumbnails")
	c, err := cache.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	cache.SetValue(c, "user:42", []byte("png..."), codec.Bytes(), time.Now().Add(time.Hour))
	data, ok := cache.Value(c, "user:42", codec.Bytes())
*/
package cache
