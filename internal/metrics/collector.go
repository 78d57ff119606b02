package metrics

import (
	"sort"
	"sync"
	"time"
)

// Collector aggregates bounded rolling histories of search operations,
// index health, and memory usage, and derives optimization
// recommendations from configured thresholds. Safe for concurrent use.
type Collector struct {
	cfg Config

	mu             sync.RWMutex
	searchHistory  *CircularBuffer[SearchEvent]
	healthHistory  *CircularBuffer[IndexHealthSnapshot]
	memoryHistory  *CircularBuffer[MemorySnapshot]
	latencyCounts  map[LatencyBucket]int64
	totalSearches  int64
	zeroResultHits int64

	cacheHits   int64
	cacheMisses int64
}

// New creates a Collector, applying defaults for any unset Config fields.
func New(cfg Config) *Collector {
	cfg = cfg.withDefaults()
	return &Collector{
		cfg:           cfg,
		searchHistory: NewCircularBuffer[SearchEvent](cfg.SearchHistoryCapacity),
		healthHistory: NewCircularBuffer[IndexHealthSnapshot](cfg.HealthHistoryCapacity),
		memoryHistory: NewCircularBuffer[MemorySnapshot](cfg.MemoryHistoryCapacity),
		latencyCounts: make(map[LatencyBucket]int64),
	}
}

// RecordSearch appends a search event to the rolling history.
func (c *Collector) RecordSearch(ev SearchEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searchHistory.Add(ev)
	c.totalSearches++
	if ev.IsZeroResult() {
		c.zeroResultHits++
	}
	c.latencyCounts[LatencyToBucket(ev.Latency)]++
}

// RecordIndexHealth appends an index health snapshot.
func (c *Collector) RecordIndexHealth(s IndexHealthSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthHistory.Add(s)
}

// RecordMemory appends a memory usage snapshot.
func (c *Collector) RecordMemory(s MemorySnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memoryHistory.Add(s)
}

// RecordCacheAccess tallies a cache hit or miss, feeding the hit-rate
// recommendation.
func (c *Collector) RecordCacheAccess(hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.cacheHits++
	} else {
		c.cacheMisses++
	}
}

// CacheHitRate returns the fraction of recorded cache accesses that hit.
func (c *Collector) CacheHitRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := c.cacheHits + c.cacheMisses
	if total == 0 {
		return 0
	}
	return float64(c.cacheHits) / float64(total)
}

// SearchHistory returns the buffered search events, oldest first.
func (c *Collector) SearchHistory() []SearchEvent { return c.searchHistory.Items() }

// HealthHistory returns the buffered index health snapshots, oldest first.
func (c *Collector) HealthHistory() []IndexHealthSnapshot { return c.healthHistory.Items() }

// MemoryHistory returns the buffered memory snapshots, oldest first.
func (c *Collector) MemoryHistory() []MemorySnapshot { return c.memoryHistory.Items() }

// LatencyDistribution returns a copy of the latency-bucket counts
// accumulated since the collector was created.
func (c *Collector) LatencyDistribution() map[LatencyBucket]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[LatencyBucket]int64, len(c.latencyCounts))
	for k, v := range c.latencyCounts {
		out[k] = v
	}
	return out
}

// medianSearchLatency returns the p50-ish latency of the buffered search
// history: the middle element of the latencies sorted ascending.
func medianSearchLatency(events []SearchEvent) time.Duration {
	if len(events) == 0 {
		return 0
	}
	latencies := make([]time.Duration, len(events))
	for i, e := range events {
		latencies[i] = e.Latency
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	return latencies[len(latencies)/2]
}

// Recommendations evaluates the current histories and hit rate against
// cfg's thresholds and returns an optimization recommendation per
// triggered condition.
func (c *Collector) Recommendations() []Recommendation {
	c.mu.RLock()
	healthSnapshots := c.healthHistory.Items()
	searchEvents := c.searchHistory.Items()
	c.mu.RUnlock()

	var recs []Recommendation

	if len(healthSnapshots) > 0 {
		latest := healthSnapshots[len(healthSnapshots)-1]
		if latest.LiveFraction < c.cfg.FragmentationThreshold {
			recs = append(recs, Recommendation{
				Category: "fragmentation",
				Severity: severityForRatio(latest.LiveFraction, c.cfg.FragmentationThreshold),
				Message:  "index live fraction is below the fragmentation threshold; consider compacting storage",
			})
		}
	}

	if hitRate := c.CacheHitRate(); hitRate > 0 || c.cacheHits+c.cacheMisses > 0 {
		if hitRate < c.cfg.MinCacheHitRate {
			recs = append(recs, Recommendation{
				Category: "cache_hit_rate",
				Severity: severityForRatio(hitRate, c.cfg.MinCacheHitRate),
				Message:  "embedding cache hit rate is below target; consider raising cache size or TTL",
			})
		}
	}

	if median := medianSearchLatency(searchEvents); median > c.cfg.LatencyTarget {
		recs = append(recs, Recommendation{
			Category: "latency",
			Severity: "warning",
			Message:  "median search latency exceeds target; consider lowering the approximate-search threshold",
		})
	}

	return recs
}

func severityForRatio(observed, threshold float64) string {
	if threshold == 0 {
		return "warning"
	}
	if observed < threshold*0.5 {
		return "critical"
	}
	return "warning"
}
