package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWatcher lets tests push synthetic FileEvents without touching
// the filesystem or fsnotify.
type fakeWatcher struct {
	events chan FileEvent
	errs   chan error
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{events: make(chan FileEvent, 100), errs: make(chan error, 10)}
}

func (w *fakeWatcher) Start(ctx context.Context, root string) error { return nil }
func (w *fakeWatcher) Stop() error                                  { return nil }
func (w *fakeWatcher) Events() <-chan FileEvent                     { return w.events }
func (w *fakeWatcher) Errors() <-chan error                         { return w.errs }

func TestPipeline_ProcessesCreatedFile(t *testing.T) {
	store := newFakeStore()
	contents := map[string]string{"/vault/a.md": "a short note to embed."}
	ing := newTestIngester(t, store, contents)

	watcher := newFakeWatcher()
	cfg := Config{DebounceWindow: 5 * time.Millisecond, BatchTimeout: 20 * time.Millisecond, MaxBatchSize: 10, MaxConcurrentFiles: 2, StatsHistory: 10}
	p := New(cfg, watcher, ing)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, "/vault") }()

	watcher.events <- FileEvent{Path: "/vault/a.md", Operation: OpCreated, Timestamp: time.Now()}

	require.Eventually(t, func() bool {
		entries, _ := store.ListEntriesForFile("/vault/a.md")
		return len(entries) > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pipeline did not stop after context cancellation")
	}

	history := p.History()
	require.NotEmpty(t, history)
	assert.Equal(t, 1, history[0].FilesProcessed)
}

func TestPipeline_DeletedFile_RemovesEntries(t *testing.T) {
	store := newFakeStore()
	contents := map[string]string{"/vault/a.md": "a short note to embed."}
	ing := newTestIngester(t, store, contents)
	_, err := ing.IngestFile(context.Background(), "/vault/a.md")
	require.NoError(t, err)

	watcher := newFakeWatcher()
	cfg := Config{DebounceWindow: 5 * time.Millisecond, BatchTimeout: 20 * time.Millisecond, MaxBatchSize: 10, MaxConcurrentFiles: 2, StatsHistory: 10}
	p := New(cfg, watcher, ing)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, "/vault") }()

	watcher.events <- FileEvent{Path: "/vault/a.md", Operation: OpDeleted, Timestamp: time.Now()}

	require.Eventually(t, func() bool {
		entries, _ := store.ListEntriesForFile("/vault/a.md")
		return len(entries) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestPipeline_BatchTimeout_FlushesWithoutMaxBatchSize(t *testing.T) {
	store := newFakeStore()
	contents := map[string]string{"/vault/a.md": "short."}
	ing := newTestIngester(t, store, contents)

	watcher := newFakeWatcher()
	cfg := Config{DebounceWindow: 5 * time.Millisecond, BatchTimeout: 15 * time.Millisecond, MaxBatchSize: 1000, MaxConcurrentFiles: 2, StatsHistory: 10}
	p := New(cfg, watcher, ing)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, "/vault") }()

	watcher.events <- FileEvent{Path: "/vault/a.md", Operation: OpCreated, Timestamp: time.Now()}

	require.Eventually(t, func() bool {
		return len(p.History()) > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
