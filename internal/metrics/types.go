// Package metrics implements the Metrics Collector: bounded rolling
// histories of search operations, index health, and memory usage, plus
// a threshold-driven recommendation generator.
//
// CircularBuffer is carried over near-verbatim from
// internal/telemetry/query_metrics.go; LatencyToBucket's bucketing idiom
// and the threshold-comparison style of CompactionManager.shouldCompact
// inform the recommendation rules below.
package metrics

import "time"

// LatencyBucket names a search-latency histogram bucket.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// SearchEvent records one search operation.
type SearchEvent struct {
	Query          string
	ResultCount    int
	Latency        time.Duration
	Approximate    bool
	CandidateCount int
	Timestamp      time.Time
}

// IsZeroResult reports whether the search returned nothing.
func (e SearchEvent) IsZeroResult() bool { return e.ResultCount == 0 }

// IndexHealthSnapshot records index-level state at a point in time.
type IndexHealthSnapshot struct {
	TotalRecords     int
	SegmentCount     int
	LiveFraction     float64
	CompressionRatio float64
	Timestamp        time.Time
}

// MemorySnapshot records process memory usage at a point in time.
type MemorySnapshot struct {
	HeapAllocBytes uint64
	HeapInUseBytes uint64
	CacheEntries   int
	Timestamp      time.Time
}

// Recommendation is a single optimization suggestion derived from
// observed thresholds.
type Recommendation struct {
	Category string // "fragmentation", "cache_hit_rate", "latency"
	Severity string // "info", "warning", "critical"
	Message  string
}

// Config tunes history capacities and recommendation thresholds.
type Config struct {
	SearchHistoryCapacity int
	HealthHistoryCapacity int
	MemoryHistoryCapacity int

	FragmentationThreshold float64       // LiveFraction below this triggers a recommendation
	MinCacheHitRate        float64       // cache hit rate below this triggers a recommendation
	LatencyTarget          time.Duration // p50 search latency above this triggers a recommendation
}

// DefaultConfig returns conservative history sizes and thresholds.
func DefaultConfig() Config {
	return Config{
		SearchHistoryCapacity:  500,
		HealthHistoryCapacity:  200,
		MemoryHistoryCapacity:  200,
		FragmentationThreshold: 0.5,
		MinCacheHitRate:        0.5,
		LatencyTarget:          200 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SearchHistoryCapacity <= 0 {
		c.SearchHistoryCapacity = d.SearchHistoryCapacity
	}
	if c.HealthHistoryCapacity <= 0 {
		c.HealthHistoryCapacity = d.HealthHistoryCapacity
	}
	if c.MemoryHistoryCapacity <= 0 {
		c.MemoryHistoryCapacity = d.MemoryHistoryCapacity
	}
	if c.FragmentationThreshold <= 0 {
		c.FragmentationThreshold = d.FragmentationThreshold
	}
	if c.MinCacheHitRate <= 0 {
		c.MinCacheHitRate = d.MinCacheHitRate
	}
	if c.LatencyTarget <= 0 {
		c.LatencyTarget = d.LatencyTarget
	}
	return c
}
