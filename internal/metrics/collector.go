// Package metrics provides Prometheus instrumentation for tiercache internals.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Tier label values used by the collector.
const (
	TierMemory = "memory"
	TierDisk   = "disk"
)

// Collector tracks cache activity on its own Prometheus registry. A nil
// *Collector is valid and records nothing, so callers can hold one
// unconditionally.
type Collector struct {
	registry *prometheus.Registry

	tierHits         *prometheus.CounterVec
	tierMisses       *prometheus.CounterVec
	evictions        *prometheus.CounterVec
	sourceFetches    prometheus.Counter
	coalescedWaiters prometheus.Counter
	indexCheckpoints prometheus.Counter
	diskEntries      prometheus.Gauge
}

// NewCollector creates a collector with its own registry. The namespace
// defaults to "tiercache"; the cache name becomes a constant label so
// several caches can share one scrape endpoint.
func NewCollector(namespace, cacheName string) *Collector {
	if namespace == "" {
		namespace = "tiercache"
	}
	labels := prometheus.Labels{"cache": cacheName}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		tierHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "tier_hits_total",
			Help:        "Cache hits by tier",
			ConstLabels: labels,
		}, []string{"tier"}),
		tierMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "tier_misses_total",
			Help:        "Cache misses by tier",
			ConstLabels: labels,
		}, []string{"tier"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "evictions_total",
			Help:        "Entries evicted by expiry, purge, or clear, by tier",
			ConstLabels: labels,
		}, []string{"tier"}),
		sourceFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "source_fetches_total",
			Help:        "Data source invocations after coalescing",
			ConstLabels: labels,
		}),
		coalescedWaiters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "coalesced_waiters_total",
			Help:        "Waiters attached to an already in-flight fetch",
			ConstLabels: labels,
		}),
		indexCheckpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "index_checkpoints_total",
			Help:        "Disk index documents written",
			ConstLabels: labels,
		}),
		diskEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "disk_entries",
			Help:        "Live entries in the disk index",
			ConstLabels: labels,
		}),
	}

	c.registry.MustRegister(
		c.tierHits, c.tierMisses, c.evictions,
		c.sourceFetches, c.coalescedWaiters, c.indexCheckpoints, c.diskEntries,
	)
	return c
}

// Registry returns the collector's Prometheus registry for scraping.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordHit counts a hit on the given tier.
func (c *Collector) RecordHit(tier string) {
	if c == nil {
		return
	}
	c.tierHits.WithLabelValues(tier).Inc()
}

// RecordMiss counts a miss on the given tier.
func (c *Collector) RecordMiss(tier string) {
	if c == nil {
		return
	}
	c.tierMisses.WithLabelValues(tier).Inc()
}

// RecordEvictions counts n entries removed from the given tier.
func (c *Collector) RecordEvictions(tier string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.evictions.WithLabelValues(tier).Add(float64(n))
}

// RecordSourceFetch counts one data source invocation.
func (c *Collector) RecordSourceFetch() {
	if c == nil {
		return
	}
	c.sourceFetches.Inc()
}

// RecordCoalescedWaiter counts a read that piggybacked on an in-flight fetch.
func (c *Collector) RecordCoalescedWaiter() {
	if c == nil {
		return
	}
	c.coalescedWaiters.Inc()
}

// RecordCheckpoint counts one index save.
func (c *Collector) RecordCheckpoint() {
	if c == nil {
		return
	}
	c.indexCheckpoints.Inc()
}

// SetDiskEntries reports the current disk index size.
func (c *Collector) SetDiskEntries(n int) {
	if c == nil {
		return
	}
	c.diskEntries.Set(float64(n))
}
