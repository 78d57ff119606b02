package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircularBuffer_EvictsOldestWhenFull(t *testing.T) {
	b := NewCircularBuffer[int](3)
	b.Add(1)
	b.Add(2)
	b.Add(3)
	b.Add(4)
	assert.Equal(t, []int{2, 3, 4}, b.Items())
	assert.Equal(t, 3, b.Size())
}

func TestCircularBuffer_ClearResets(t *testing.T) {
	b := NewCircularBuffer[int](2)
	b.Add(1)
	b.Clear()
	assert.Equal(t, 0, b.Size())
	assert.Empty(t, b.Items())
}

func TestLatencyToBucket(t *testing.T) {
	assert.Equal(t, BucketP10, LatencyToBucket(5*time.Millisecond))
	assert.Equal(t, BucketP50, LatencyToBucket(20*time.Millisecond))
	assert.Equal(t, BucketP100, LatencyToBucket(75*time.Millisecond))
	assert.Equal(t, BucketP500, LatencyToBucket(300*time.Millisecond))
	assert.Equal(t, BucketP1000, LatencyToBucket(900*time.Millisecond))
}

func TestCollector_RecordSearch_BuildsHistoryAndLatencyDistribution(t *testing.T) {
	c := New(DefaultConfig())
	c.RecordSearch(SearchEvent{Query: "alpha", ResultCount: 3, Latency: 5 * time.Millisecond})
	c.RecordSearch(SearchEvent{Query: "beta", ResultCount: 0, Latency: 600 * time.Millisecond})

	history := c.SearchHistory()
	require.Len(t, history, 2)
	assert.True(t, history[1].IsZeroResult())

	dist := c.LatencyDistribution()
	assert.Equal(t, int64(1), dist[BucketP10])
	assert.Equal(t, int64(1), dist[BucketP1000])
}

func TestCollector_HistoryCapacityBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SearchHistoryCapacity = 2
	c := New(cfg)
	for i := 0; i < 5; i++ {
		c.RecordSearch(SearchEvent{ResultCount: 1})
	}
	assert.Len(t, c.SearchHistory(), 2)
}

func TestCollector_CacheHitRate(t *testing.T) {
	c := New(DefaultConfig())
	c.RecordCacheAccess(true)
	c.RecordCacheAccess(true)
	c.RecordCacheAccess(false)
	assert.InDelta(t, 2.0/3.0, c.CacheHitRate(), 0.001)
}

func TestRecommendations_FragmentationTriggersWhenLiveFractionLow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FragmentationThreshold = 0.5
	c := New(cfg)
	c.RecordIndexHealth(IndexHealthSnapshot{LiveFraction: 0.1})

	recs := c.Recommendations()
	require.Len(t, recs, 1)
	assert.Equal(t, "fragmentation", recs[0].Category)
	assert.Equal(t, "critical", recs[0].Severity)
}

func TestRecommendations_NoneWhenHealthy(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg)
	c.RecordIndexHealth(IndexHealthSnapshot{LiveFraction: 0.95})
	c.RecordCacheAccess(true)
	c.RecordCacheAccess(true)
	c.RecordSearch(SearchEvent{ResultCount: 1, Latency: time.Millisecond})

	assert.Empty(t, c.Recommendations())
}

func TestRecommendations_CacheHitRateTriggersBelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinCacheHitRate = 0.8
	c := New(cfg)
	c.RecordCacheAccess(true)
	c.RecordCacheAccess(false)
	c.RecordCacheAccess(false)

	recs := c.Recommendations()
	require.NotEmpty(t, recs)
	found := false
	for _, r := range recs {
		if r.Category == "cache_hit_rate" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRecommendations_LatencyTriggersAboveTarget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LatencyTarget = 50 * time.Millisecond
	c := New(cfg)
	for i := 0; i < 5; i++ {
		c.RecordSearch(SearchEvent{ResultCount: 1, Latency: 300 * time.Millisecond})
	}

	recs := c.Recommendations()
	found := false
	for _, r := range recs {
		if r.Category == "latency" {
			found = true
		}
	}
	assert.True(t, found)
}
