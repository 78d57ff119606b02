package embed

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/ainote-labs/substrate/internal/atomicio"
)

// DefaultEmbeddingCacheSize is the default maximum number of entries the
// Embedding Cache holds before evicting the oldest.
const DefaultEmbeddingCacheSize = 1000

// DefaultEmbeddingCacheTTL is how long a cached embedding stays valid.
const DefaultEmbeddingCacheTTL = 24 * time.Hour

// CacheMetrics is a snapshot of the Embedding Cache's counters.
type CacheMetrics struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	Expirations int64
	Size       int
}

type cacheEntry struct {
	key       string
	vector    []float32
	expiresAt time.Time
}

// diskEntry is the JSON-serializable form of a cacheEntry, used for
// snapshotting the cache to disk.
type diskEntry struct {
	Key       string    `json:"key"`
	Vector    []float32 `json:"vector"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CachedEmbedder wraps an Embedder with a bounded LRU + TTL cache.
//
// hashicorp/golang-lru/v2 is used elsewhere in this substrate (the
// vector-store segment cache) but not here: TTL-based expiry and
// hit/miss/eviction/expiration counters need to observe every eviction,
// which that library's plain Add/Get API doesn't expose a hook for, so
// the cache is a hand-rolled container/list + map LRU instead.
type CachedEmbedder struct {
	inner Embedder
	cap   int
	ttl   time.Duration

	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	metrics CacheMetrics
}

// NewCachedEmbedder wraps inner with an LRU+TTL cache of the given
// capacity (0 uses DefaultEmbeddingCacheSize) and ttl (0 uses
// DefaultEmbeddingCacheTTL).
func NewCachedEmbedder(inner Embedder, capacity int, ttl time.Duration) *CachedEmbedder {
	if capacity <= 0 {
		capacity = DefaultEmbeddingCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultEmbeddingCacheTTL
	}
	return &CachedEmbedder{
		inner: inner,
		cap:   capacity,
		ttl:   ttl,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

func cacheKey(text, model string) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))
}

// get returns the cached vector for key if present and unexpired.
// A lazily-discovered expired entry is evicted on the way out and
// counted both as an expiration and as a miss.
func (c *CachedEmbedder) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.metrics.Misses++
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		c.metrics.Expirations++
		c.metrics.Misses++
		return nil, false
	}

	c.order.MoveToFront(el)
	c.metrics.Hits++
	return entry.vector, true
}

func (c *CachedEmbedder) put(key string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).vector = vector
		el.Value.(*cacheEntry).expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	entry := &cacheEntry{key: key, vector: vector, expiresAt: time.Now().Add(c.ttl)}
	el := c.order.PushFront(entry)
	c.items[key] = el

	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
			c.metrics.Evictions++
		}
	}
}

// Embed returns the cached embedding if present, otherwise fetches and
// caches it. A request cancelled before the inner call completes never
// populates the cache (no partial-write path).
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text, c.inner.ModelName())
	if v, ok := c.get(key); ok {
		return v, nil
	}

	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.put(key, v)
	return v, nil
}

// EmbedBatch resolves cache hits directly and sends only the misses to
// the inner embedder.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	model := c.inner.ModelName()
	for i, text := range texts {
		key := cacheKey(text, model)
		if v, ok := c.get(key); ok {
			results[i] = v
		} else {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, text)
		}
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	embeddings, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for i, emb := range embeddings {
		idx := missIdx[i]
		results[idx] = emb
		c.put(cacheKey(texts[idx], model), emb)
	}
	return results, nil
}

func (c *CachedEmbedder) Dimensions() int             { return c.inner.Dimensions() }
func (c *CachedEmbedder) ModelName() string           { return c.inner.ModelName() }
func (c *CachedEmbedder) Available(ctx context.Context) bool { return c.inner.Available(ctx) }
func (c *CachedEmbedder) Close() error                { return c.inner.Close() }
func (c *CachedEmbedder) SetBatchIndex(idx int)        { c.inner.SetBatchIndex(idx) }
func (c *CachedEmbedder) SetFinalBatch(isFinal bool)   { c.inner.SetFinalBatch(isFinal) }
func (c *CachedEmbedder) Inner() Embedder              { return c.inner }

// Metrics returns a point-in-time snapshot of cache counters.
func (c *CachedEmbedder) Metrics() CacheMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metrics
	m.Size = c.order.Len()
	return m
}

// SweepExpired removes every expired entry, independent of access, for
// use by a periodic background sweep. Returns the number removed.
func (c *CachedEmbedder) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		entry := el.Value.(*cacheEntry)
		if now.After(entry.expiresAt) {
			c.order.Remove(el)
			delete(c.items, entry.key)
			c.metrics.Expirations++
			removed++
		}
		el = prev
	}
	return removed
}

// SaveToDisk snapshots all unexpired entries to path via the Atomic
// Writer, so a restart can warm-start the cache instead of refilling it.
func (c *CachedEmbedder) SaveToDisk(path string) error {
	c.mu.Lock()
	now := time.Now()
	entries := make([]diskEntry, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*cacheEntry)
		if now.After(entry.expiresAt) {
			continue
		}
		entries = append(entries, diskEntry{Key: entry.key, Vector: entry.vector, ExpiresAt: entry.expiresAt})
	}
	c.mu.Unlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return atomicio.WriteFile(path, data, 0o644)
}

// LoadFromDisk restores a snapshot written by SaveToDisk, skipping
// entries that have since expired. A missing file is not an error.
func (c *CachedEmbedder) LoadFromDisk(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var entries []diskEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for _, de := range entries {
		if now.After(de.ExpiresAt) {
			continue
		}
		entry := &cacheEntry{key: de.Key, vector: de.Vector, expiresAt: de.ExpiresAt}
		el := c.order.PushFront(entry)
		c.items[de.Key] = el
		if c.order.Len() > c.cap {
			oldest := c.order.Back()
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
			c.metrics.Evictions++
		}
	}
	return nil
}
