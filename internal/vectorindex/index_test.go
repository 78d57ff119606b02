package vectorindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	substrateerrors "github.com/ainote-labs/substrate/internal/substrate/errors"
	"github.com/ainote-labs/substrate/internal/vectorstore"
)

func rec(id string, vec []float32) vectorstore.Record {
	return vectorstore.Record{ID: id, Vector: vec, Metadata: vectorstore.RecordMetadata{ModelName: "m"}}
}

func TestCosineSimilarity_IdenticalVectorsScoreOne(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0, 0}, []float32{1, 0, 0}, false)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-6)
}

func TestCosineSimilarity_OrthogonalVectorsScoreZero(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{0, 1}, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-6)
}

func TestCosineSimilarity_DimensionMismatch_ReturnsError(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}, false)
	require.Error(t, err)
	assert.Equal(t, substrateerrors.ErrCodeDimensionMismatch, substrateerrors.GetCode(err))
}

func TestCosineSimilarity_NonFiniteComponent_ReturnsError(t *testing.T) {
	nan := float32(0)
	nan = nan / nan
	_, err := CosineSimilarity([]float32{nan}, []float32{1}, false)
	require.Error(t, err)
	assert.Equal(t, substrateerrors.ErrCodeInvalidVector, substrateerrors.GetCode(err))
}

func TestKNearest_ReturnsClosestFirst(t *testing.T) {
	idx := New(DefaultPerformanceConfig())
	idx.Upsert(rec("a", []float32{1, 0}))
	idx.Upsert(rec("b", []float32{0, 1}))
	idx.Upsert(rec("c", []float32{0.9, 0.1}))

	results, err := idx.KNearest(context.Background(), "m", []float32{1, 0}, 2, SearchConfig{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Record.ID)
	assert.Equal(t, "c", results[1].Record.ID)
}

func TestKNearest_TiesBrokenByIDAscending(t *testing.T) {
	idx := New(DefaultPerformanceConfig())
	idx.Upsert(rec("z", []float32{1, 0}))
	idx.Upsert(rec("a", []float32{1, 0}))

	results, err := idx.KNearest(context.Background(), "m", []float32{1, 0}, 2, SearchConfig{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Record.ID)
	assert.Equal(t, "z", results[1].Record.ID)
}

func TestKNearest_RespectsMinThreshold(t *testing.T) {
	idx := New(DefaultPerformanceConfig())
	idx.Upsert(rec("a", []float32{1, 0}))
	idx.Upsert(rec("b", []float32{0, 1}))

	results, err := idx.KNearest(context.Background(), "m", []float32{1, 0}, 10, SearchConfig{MinThreshold: 0.5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Record.ID)
}

func TestParallelKNearest_MatchesExactBelowThreshold(t *testing.T) {
	idx := New(PerformanceConfig{ParallelThreshold: 1000, MaxConcurrentRequests: 4})
	for i := 0; i < 20; i++ {
		idx.Upsert(rec(string(rune('a'+i)), []float32{float32(i), 0}))
	}
	results, err := idx.ParallelKNearest(context.Background(), "m", []float32{19, 0}, 3, SearchConfig{})
	require.NoError(t, err)
	require.Len(t, results, 3)
}

func TestParallelKNearest_ShardsAboveThreshold(t *testing.T) {
	idx := New(PerformanceConfig{ParallelThreshold: 5, MaxConcurrentRequests: 4})
	for i := 0; i < 50; i++ {
		idx.Upsert(rec(string(rune('a'+i%26))+string(rune('0'+i/26)), []float32{float32(i), 0}))
	}
	results, err := idx.ParallelKNearest(context.Background(), "m", []float32{49, 0}, 5, SearchConfig{})
	require.NoError(t, err)
	require.Len(t, results, 5)
}

func TestApproximateKNearest_ExactBelowThreshold(t *testing.T) {
	idx := New(PerformanceConfig{ApproximateThreshold: 1000, MaxConcurrentRequests: 4})
	idx.Upsert(rec("a", []float32{1, 0}))
	idx.Upsert(rec("b", []float32{0, 1}))

	results, fraction, err := idx.ApproximateKNearest(context.Background(), "m", []float32{1, 0}, 1, SearchConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, fraction)
	require.Len(t, results, 1)
	assert.False(t, results[0].Approximate)
}

func TestApproximateKNearest_SamplesAboveThresholdAndFlagsResults(t *testing.T) {
	idx := New(PerformanceConfig{ApproximateThreshold: 10, MaxConcurrentRequests: 4})
	for i := 0; i < 200; i++ {
		idx.Upsert(rec(string(rune('a'+i%26))+string(rune('0'+i/26)), []float32{float32(i), 0}))
	}
	results, fraction, err := idx.ApproximateKNearest(context.Background(), "m", []float32{100, 0}, 5, SearchConfig{})
	require.NoError(t, err)
	assert.Less(t, fraction, 1.0)
	for _, r := range results {
		assert.True(t, r.Approximate)
	}
}

func TestApproximateKNearest_DeterministicAcrossCalls(t *testing.T) {
	idx := New(PerformanceConfig{ApproximateThreshold: 10, MaxConcurrentRequests: 4})
	for i := 0; i < 200; i++ {
		idx.Upsert(rec(string(rune('a'+i%26))+string(rune('0'+i/26)), []float32{float32(i), 0}))
	}
	r1, _, err := idx.ApproximateKNearest(context.Background(), "m", []float32{100, 0}, 5, SearchConfig{})
	require.NoError(t, err)
	r2, _, err := idx.ApproximateKNearest(context.Background(), "m", []float32{100, 0}, 5, SearchConfig{})
	require.NoError(t, err)
	require.Equal(t, len(r1), len(r2))
	for i := range r1 {
		assert.Equal(t, r1[i].Record.ID, r2[i].Record.ID)
	}
}

func TestThresholdSearch_ReturnsAllAboveTauCappedByMax(t *testing.T) {
	idx := New(DefaultPerformanceConfig())
	idx.Upsert(rec("a", []float32{1, 0}))
	idx.Upsert(rec("b", []float32{0.99, 0.01}))
	idx.Upsert(rec("c", []float32{0, 1}))

	results, err := idx.ThresholdSearch(context.Background(), "m", []float32{1, 0}, 0.9, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Record.ID)
}

func TestBatchKNearest_ReturnsOneResultListPerQuery(t *testing.T) {
	idx := New(DefaultPerformanceConfig())
	idx.Upsert(rec("a", []float32{1, 0}))
	idx.Upsert(rec("b", []float32{0, 1}))

	results, err := idx.BatchKNearest(context.Background(), "m", [][]float32{{1, 0}, {0, 1}}, 1, SearchConfig{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0][0].Record.ID)
	assert.Equal(t, "b", results[1][0].Record.ID)
}

func TestIndex_RemoveDropsCandidateFromSearch(t *testing.T) {
	idx := New(DefaultPerformanceConfig())
	idx.Upsert(rec("a", []float32{1, 0}))
	idx.Upsert(rec("b", []float32{0, 1}))
	idx.Remove("a", "m")

	results, err := idx.KNearest(context.Background(), "m", []float32{1, 0}, 10, SearchConfig{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].Record.ID)
}
