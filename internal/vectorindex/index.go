// Package vectorindex implements the Vector Index & Search component:
// an in-memory index over vectorstore records with exact, parallel,
// and approximate k-nearest-neighbor search, threshold search, and
// batch queries.
//
// Cosine similarity and the distance/score conversion are grounded on
// internal/store/hnsw.go's normalizeVectorInPlace/distanceToScore.
// Concurrent fan-out is grounded on internal/search/multi_query.go's
// errgroup-plus-channel-semaphore idiom.
package vectorindex

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ainote-labs/substrate/internal/vectorstore"
	substrateerrors "github.com/ainote-labs/substrate/internal/substrate/errors"
)

// Candidate is one record available for similarity search.
type Candidate struct {
	ID       string
	Vector   []float32
	Record   vectorstore.Record
	Model    string
	Normed   bool // true if Vector is already known to be unit-length
}

// ScoredResult pairs a candidate with its similarity to the query.
type ScoredResult struct {
	Record     vectorstore.Record
	Similarity float32
	Approximate bool
}

// SearchConfig controls a single search call.
type SearchConfig struct {
	MinThreshold float32
	MaxResults   int
}

// PerformanceConfig tunes the concurrency/approximation strategy.
type PerformanceConfig struct {
	ParallelThreshold       int
	ApproximateThreshold    int
	MaxConcurrentRequests   int
	EnableMemoryOptimization bool
}

// DefaultPerformanceConfig matches the teacher's conservative defaults
// for background fan-out work.
func DefaultPerformanceConfig() PerformanceConfig {
	return PerformanceConfig{
		ParallelThreshold:     2000,
		ApproximateThreshold:  50_000,
		MaxConcurrentRequests: 8,
	}
}

// Index holds an in-memory view of candidates grouped by embedding
// model, plus the performance knobs for search operations.
type Index struct {
	mu         sync.RWMutex
	byModel    map[string]map[string]Candidate // model -> id -> candidate
	perf       PerformanceConfig
	searchMgr  *ConcurrentSearchManager
}

// New creates an empty Index.
func New(perf PerformanceConfig) *Index {
	if perf.MaxConcurrentRequests <= 0 {
		perf = DefaultPerformanceConfig()
	}
	return &Index{
		byModel:   make(map[string]map[string]Candidate),
		perf:      perf,
		searchMgr: NewConcurrentSearchManager(perf.MaxConcurrentRequests),
	}
}

// Upsert adds or replaces a candidate's in-memory vector.
func (idx *Index) Upsert(rec vectorstore.Record) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	model := rec.Metadata.ModelName
	if idx.byModel[model] == nil {
		idx.byModel[model] = make(map[string]Candidate)
	}
	idx.byModel[model][rec.ID] = Candidate{ID: rec.ID, Vector: rec.Vector, Record: rec, Model: model}
}

// Remove drops a candidate from the given model's grouping only.
func (idx *Index) Remove(id, model string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if m, ok := idx.byModel[model]; ok {
		delete(m, id)
	}
}

func (idx *Index) candidates(model string) []Candidate {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	m := idx.byModel[model]
	out := make([]Candidate, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

// CosineSimilarity computes s(a,b) = sum(a*b) / (||a||*||b||). When
// normalized is true, a and b are assumed pre-normalized and the norm
// computation is skipped.
func CosineSimilarity(a, b []float32, normalized bool) (float32, error) {
	if len(a) != len(b) {
		return 0, substrateerrors.DimensionMismatchError("dimension mismatch", nil).
			WithDetail("len_a", strconv.Itoa(len(a))).
			WithDetail("len_b", strconv.Itoa(len(b)))
	}
	if err := checkFinite(a); err != nil {
		return 0, err
	}
	if err := checkFinite(b); err != nil {
		return 0, err
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		if !normalized {
			normA += float64(a[i]) * float64(a[i])
			normB += float64(b[i]) * float64(b[i])
		}
	}
	if normalized {
		return float32(dot), nil
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB))), nil
}

func checkFinite(v []float32) error {
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return substrateerrors.InvalidVectorError("vector contains non-finite value", nil)
		}
	}
	return nil
}

// scoredHeap is a bounded min-heap over ScoredResult, used to keep the
// top-k highest similarities while scanning candidates once.
type scoredHeap struct {
	items []heapEntry
}

type heapEntry struct {
	id         string
	similarity float32
	rec        vectorstore.Record
}

func (h scoredHeap) Len() int { return len(h.items) }
func (h scoredHeap) Less(i, j int) bool {
	if h.items[i].similarity != h.items[j].similarity {
		return h.items[i].similarity < h.items[j].similarity
	}
	// Min-heap over similarity; break ties so the heap root (the
	// candidate first evicted) is the one with the lexicographically
	// later id, preserving ascending-id tie-break in the final result.
	return h.items[i].id > h.items[j].id
}
func (h scoredHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *scoredHeap) Push(x any)   { h.items = append(h.items, x.(heapEntry)) }
func (h *scoredHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// topK scans candidates once, keeping a bounded min-heap of the k
// highest similarities, then returns them sorted descending by
// similarity with ties broken by id ascending.
func topK(candidates []Candidate, query []float32, k int, minThreshold float32) ([]ScoredResult, error) {
	h := &scoredHeap{}
	heap.Init(h)

	for _, c := range candidates {
		sim, err := CosineSimilarity(query, c.Vector, c.Normed)
		if err != nil {
			return nil, err
		}
		if sim < minThreshold {
			continue
		}
		if k <= 0 || h.Len() < k {
			heap.Push(h, heapEntry{id: c.ID, similarity: sim, rec: c.Record})
			continue
		}
		if sim > h.items[0].similarity || (sim == h.items[0].similarity && c.ID < h.items[0].id) {
			heap.Pop(h)
			heap.Push(h, heapEntry{id: c.ID, similarity: sim, rec: c.Record})
		}
	}

	results := make([]ScoredResult, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		e := heap.Pop(h).(heapEntry)
		results[i] = ScoredResult{Record: e.rec, Similarity: e.similarity}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Record.ID < results[j].Record.ID
	})
	return results, nil
}

// KNearest returns the k candidates (for model) most similar to query.
func (idx *Index) KNearest(ctx context.Context, model string, query []float32, k int, cfg SearchConfig) ([]ScoredResult, error) {
	release, err := idx.searchMgr.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return topK(idx.candidates(model), query, k, cfg.MinThreshold)
}

// ParallelKNearest is KNearest sharded across workers once the
// candidate count exceeds perf.ParallelThreshold.
func (idx *Index) ParallelKNearest(ctx context.Context, model string, query []float32, k int, cfg SearchConfig) ([]ScoredResult, error) {
	release, err := idx.searchMgr.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	candidates := idx.candidates(model)
	if len(candidates) <= idx.perf.ParallelThreshold {
		return topK(candidates, query, k, cfg.MinThreshold)
	}

	shards := idx.perf.MaxConcurrentRequests
	if shards <= 0 {
		shards = 4
	}
	shardSize := (len(candidates) + shards - 1) / shards

	g, gctx := errgroup.WithContext(ctx)
	partials := make([][]ScoredResult, shards)
	for i := 0; i < shards; i++ {
		i := i
		start := i * shardSize
		if start >= len(candidates) {
			continue
		}
		end := start + shardSize
		if end > len(candidates) {
			end = len(candidates)
		}
		shard := candidates[start:end]
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			res, err := topK(shard, query, k, cfg.MinThreshold)
			if err != nil {
				return err
			}
			partials[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make([]ScoredResult, 0, k)
	for _, p := range partials {
		merged = append(merged, p...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Similarity != merged[j].Similarity {
			return merged[i].Similarity > merged[j].Similarity
		}
		return merged[i].Record.ID < merged[j].Record.ID
	})
	if k > 0 && len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// ApproximateKNearest samples a deterministic subset of candidates,
// seeded by the query's bytes, of size proportional to sqrt(N), and
// runs exact k-NN on the sample when the candidate count exceeds
// perf.ApproximateThreshold. Results are flagged Approximate.
func (idx *Index) ApproximateKNearest(ctx context.Context, model string, query []float32, k int, cfg SearchConfig) ([]ScoredResult, float64, error) {
	release, err := idx.searchMgr.Acquire(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	candidates := idx.candidates(model)
	if len(candidates) <= idx.perf.ApproximateThreshold {
		res, err := topK(candidates, query, k, cfg.MinThreshold)
		return res, 1.0, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	sampleSize := int(math.Sqrt(float64(len(candidates))) * 10)
	if sampleSize > len(candidates) {
		sampleSize = len(candidates)
	}
	if sampleSize < k {
		sampleSize = k
	}

	seed := querySeed(query)
	sample := deterministicSample(candidates, sampleSize, seed)

	res, err := topK(sample, query, k, cfg.MinThreshold)
	if err != nil {
		return nil, 0, err
	}
	for i := range res {
		res[i].Approximate = true
	}
	fraction := float64(sampleSize) / float64(len(candidates))
	return res, fraction, nil
}

func querySeed(query []float32) uint64 {
	h := sha256.New()
	for _, x := range query {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(x))
		h.Write(buf[:])
	}
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8])
}

// deterministicSample picks n candidates from a sorted slice using a
// seeded linear-congruential stride, so the same query always samples
// the same subset.
func deterministicSample(sorted []Candidate, n int, seed uint64) []Candidate {
	if n >= len(sorted) {
		return sorted
	}
	rng := seed
	picked := make(map[int]bool, n)
	out := make([]Candidate, 0, n)
	for len(out) < n {
		rng = rng*6364136223846793005 + 1442695040888963407
		idx := int(rng>>33) % len(sorted)
		if idx < 0 {
			idx += len(sorted)
		}
		if picked[idx] {
			continue
		}
		picked[idx] = true
		out = append(out, sorted[idx])
	}
	return out
}

// ThresholdSearch returns every candidate with similarity >= tau,
// capped by maxResults.
func (idx *Index) ThresholdSearch(ctx context.Context, model string, query []float32, tau float32, maxResults int) ([]ScoredResult, error) {
	release, err := idx.searchMgr.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	candidates := idx.candidates(model)
	var out []ScoredResult
	for _, c := range candidates {
		sim, err := CosineSimilarity(query, c.Vector, c.Normed)
		if err != nil {
			return nil, err
		}
		if sim >= tau {
			out = append(out, ScoredResult{Record: c.Record, Similarity: sim})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Record.ID < out[j].Record.ID
	})
	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

// BatchKNearest runs KNearest for every query, amortizing candidate
// fetch and returning one result list per query in input order.
func (idx *Index) BatchKNearest(ctx context.Context, model string, queries [][]float32, k int, cfg SearchConfig) ([][]ScoredResult, error) {
	candidates := idx.candidates(model)
	out := make([][]ScoredResult, len(queries))
	for i, q := range queries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		res, err := topK(candidates, q, k, cfg.MinThreshold)
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	return out, nil
}
