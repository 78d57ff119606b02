package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ainote-labs/substrate/internal/vectorstore"
)

type fakeStore struct {
	records        map[string]vectorstore.Record
	liveFraction   float64
	lastCompactAt  time.Time
	compactCalls   int
	compactResult  vectorstore.CompactionResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]vectorstore.Record), liveFraction: 1.0}
}

func (f *fakeStore) ListEntryIDs() []string {
	ids := make([]string, 0, len(f.records))
	for id := range f.records {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeStore) RetrieveEntry(id string) (*vectorstore.Record, bool, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

func (f *fakeStore) DeleteEntry(id string) (bool, error) {
	_, ok := f.records[id]
	delete(f.records, id)
	return ok, nil
}

func (f *fakeStore) LiveFraction() float64        { return f.liveFraction }
func (f *fakeStore) LastCompactAt() time.Time     { return f.lastCompactAt }
func (f *fakeStore) CompactStorage() (vectorstore.CompactionResult, error) {
	f.compactCalls++
	return f.compactResult, nil
}

func TestRunCycle_RemovesOrphanedEntriesForMissingFiles(t *testing.T) {
	store := newFakeStore()
	store.records["a"] = vectorstore.Record{ID: "a", Vector: []float32{1}, Metadata: vectorstore.RecordMetadata{FilePath: "/vault/missing.md"}}
	store.records["b"] = vectorstore.Record{ID: "b", Vector: []float32{1}, Metadata: vectorstore.RecordMetadata{FilePath: "/vault/exists.md"}}

	cfg := DefaultConfig()
	e := New(cfg, store)
	e.fileExists = func(path string) bool { return path == "/vault/exists.md" }

	stats, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OrphanedEmbeddingsRemoved)
	_, stillThere := store.records["b"]
	assert.True(t, stillThere)
	_, orphanGone := store.records["a"]
	assert.False(t, orphanGone)
}

func TestRunCycle_BoundedByMaxOrphansPerCycle(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		store.records[id] = vectorstore.Record{ID: id, Vector: []float32{1}, Metadata: vectorstore.RecordMetadata{FilePath: "/vault/" + id + ".md"}}
	}
	cfg := DefaultConfig()
	cfg.MaxOrphansPerCycle = 3
	e := New(cfg, store)
	e.fileExists = func(string) bool { return false } // everything looks orphaned

	stats, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.OrphanedEmbeddingsRemoved)
	assert.Len(t, store.records, 7)
}

func TestRunCycle_CursorResumesAcrossCycles(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 6; i++ {
		id := string(rune('a' + i))
		store.records[id] = vectorstore.Record{ID: id, Vector: []float32{1}, Metadata: vectorstore.RecordMetadata{FilePath: "/vault/" + id + ".md"}}
	}
	cfg := DefaultConfig()
	cfg.MaxOrphansPerCycle = 2
	e := New(cfg, store)
	e.fileExists = func(string) bool { return false }

	_, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, store.records, 4)

	_, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, store.records, 2)

	_, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, store.records)
}

func TestRunCycle_CompactsWhenBelowThresholdAndCooldownElapsed(t *testing.T) {
	store := newFakeStore()
	store.liveFraction = 0.2
	store.lastCompactAt = time.Time{}
	store.compactResult = vectorstore.CompactionResult{BytesReclaimed: 512}

	cfg := DefaultConfig()
	cfg.CompactionThreshold = 0.5
	cfg.CompactionCooldown = time.Minute
	e := New(cfg, store)

	stats, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, store.compactCalls)
	assert.Equal(t, int64(512), stats.StorageSpaceReclaimed)
}

func TestRunCycle_SkipsCompactionDuringCooldown(t *testing.T) {
	store := newFakeStore()
	store.liveFraction = 0.1
	store.lastCompactAt = time.Now()

	cfg := DefaultConfig()
	cfg.CompactionThreshold = 0.5
	cfg.CompactionCooldown = time.Hour
	e := New(cfg, store)

	_, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, store.compactCalls)
}

func TestRunCycle_SkipsCompactionAboveThreshold(t *testing.T) {
	store := newFakeStore()
	store.liveFraction = 0.9

	cfg := DefaultConfig()
	cfg.CompactionThreshold = 0.5
	e := New(cfg, store)

	_, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, store.compactCalls)
}

func TestRunCycle_DefragmentsWhenEnabledAndAboveThreshold(t *testing.T) {
	store := newFakeStore()
	store.liveFraction = 0.9 // above compaction threshold, so only defrag triggers it

	cfg := DefaultConfig()
	cfg.EnableDefragmentation = true
	cfg.DefragCooldown = time.Minute
	e := New(cfg, store)

	_, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, store.compactCalls)
}

func TestRunCycle_TracksAverageCycleTime(t *testing.T) {
	store := newFakeStore()
	e := New(DefaultConfig(), store)

	stats, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MaintenanceCycles)
	assert.GreaterOrEqual(t, stats.AvgCycleTimeMs, 0.0)

	stats, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.MaintenanceCycles)
}

func TestStartStop_RunsAndStopsCleanly(t *testing.T) {
	store := newFakeStore()
	cfg := DefaultConfig()
	cfg.CycleInterval = 5 * time.Millisecond
	e := New(cfg, store)

	e.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	e.Stop()
	e.Stop() // idempotent

	assert.GreaterOrEqual(t, e.GetStats().MaintenanceCycles, 1)
}
