package substrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ainote-labs/substrate/internal/allocator"
	"github.com/ainote-labs/substrate/internal/embed"
	"github.com/ainote-labs/substrate/internal/embedqueue"
	"github.com/ainote-labs/substrate/internal/maintenance"
	"github.com/ainote-labs/substrate/internal/metrics"
	"github.com/ainote-labs/substrate/internal/pipeline"
	"github.com/ainote-labs/substrate/internal/textproc"
	"github.com/ainote-labs/substrate/internal/vectorindex"
	"github.com/ainote-labs/substrate/internal/vectorstore"
)

// Substrate is the process-wide composition root: every subsystem
// singleton (connection state, cache, queue, storage handle, index,
// metrics) lives here, constructed once at startup and passed to
// collaborators by shared handle rather than accessed ambiently.
type Substrate struct {
	cfg Config

	Embedder  embed.Embedder
	Store     *vectorstore.Store
	Queue     *embedqueue.Queue
	Index     *vectorindex.Index
	Pipeline  *pipeline.Pipeline
	Maintain  *maintenance.Engine
	Allocator *allocator.Allocator
	Metrics   *metrics.Collector

	watcher  *pipeline.FsWatcher
	ingester *pipeline.Ingester
	wg       sync.WaitGroup
}

// New constructs every subsystem from cfg and wires them together. It
// does not start any background loops; call Start for that.
func New(ctx context.Context, cfg Config) (*Substrate, error) {
	var embedder embed.Embedder
	if cfg.Embedding.Offline {
		embedder = embed.NewStaticEmbedder()
	} else {
		client, err := embed.NewClient(ctx, embed.Config{
			BaseURL:           cfg.Embedding.BaseURL,
			Model:             cfg.Embedding.Model,
			RequestTimeout:    time.Duration(cfg.Embedding.TimeoutMs) * time.Millisecond,
			MaxRetries:        cfg.Embedding.MaxRetries,
			InitialRetryDelay: time.Duration(cfg.Embedding.InitialRetryMs) * time.Millisecond,
			MaxRetryDelay:     time.Duration(cfg.Embedding.MaxRetryMs) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("constructing embedding client: %w", err)
		}
		embedder = client
	}
	if cfg.Cache.MaxEntries > 0 {
		embedder = embed.NewCachedEmbedder(embedder, cfg.Cache.MaxEntries, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	}

	storeCfg := vectorstore.DefaultConfig(cfg.Storage.StorageDir)
	storeCfg.EnableCompression = cfg.Storage.EnableCompression
	storeCfg.Algorithm = vectorstore.CompressionAlgorithm(cfg.Storage.Algorithm)
	storeCfg.MaxEntriesPerFile = cfg.Storage.MaxEntriesPerFile
	storeCfg.EnableChecksums = cfg.Storage.EnableChecksums
	storeCfg.AutoBackup = cfg.Storage.AutoBackup
	storeCfg.MaxBackups = cfg.Storage.MaxBackups
	store, err := vectorstore.New(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("constructing vector store: %w", err)
	}

	queue := embedqueue.New(func(ctx context.Context, model, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}, cfg.Queue.MaxConcurrent, cfg.Queue.QueueCapacity)

	idx := vectorindex.New(vectorindex.DefaultPerformanceConfig())

	alloc := allocator.New(allocator.Config{
		MaxCPUThreshold:   cfg.Allocator.MaxCPUThreshold,
		IOTimeout:         time.Duration(cfg.Allocator.IOTimeoutMs) * time.Millisecond,
		MaxAIOperations:   cfg.Allocator.MaxAIOperations,
		BackgroundWorkers: cfg.Allocator.MaxBackgroundThreads,
	})

	mcol := metrics.New(metrics.Config{
		SearchHistoryCapacity: cfg.Metrics.SearchHistoryCapacity,
		HealthHistoryCapacity: cfg.Metrics.HealthHistoryCapacity,
		MemoryHistoryCapacity: cfg.Metrics.MemoryHistoryCapacity,
	})

	maintEngine := maintenance.New(maintenance.Config{
		Enabled:               cfg.Maintenance.EnableAutomatic,
		CycleInterval:         time.Duration(cfg.Maintenance.IntervalSeconds) * time.Second,
		CompactionThreshold:   cfg.Maintenance.CompactionThreshold,
		CompactionCooldown:    time.Duration(cfg.Maintenance.CompactionCooldownHours * float64(time.Hour)),
		EnableDefragmentation: cfg.Maintenance.EnableDefragmentation,
	}, store)

	watcher, err := pipeline.NewFsWatcher(1024)
	if err != nil {
		return nil, fmt.Errorf("constructing file watcher: %w", err)
	}

	ingester := pipeline.NewIngester(store, queue, cfg.Embedding.Model, textproc.ChunkConfig{})

	pipe := pipeline.New(pipeline.Config{
		BatchTimeout: time.Duration(cfg.Pipeline.BatchTimeoutMs) * time.Millisecond,
		MaxBatchSize: cfg.Pipeline.MaxBatchSize,
	}, watcher, ingester)

	s := &Substrate{
		cfg:       cfg,
		Embedder:  embedder,
		Store:     store,
		Queue:     queue,
		Index:     idx,
		Pipeline:  pipe,
		Maintain:  maintEngine,
		Allocator: alloc,
		Metrics:   mcol,
		watcher:   watcher,
		ingester:  ingester,
	}
	s.refreshIndexFromStore()
	return s, nil
}

// refreshIndexFromStore rebuilds the in-memory search index from
// whatever is currently durable in the store. The store is the source
// of truth; the index is a fast, rebuildable cache over it.
func (s *Substrate) refreshIndexFromStore() {
	for _, id := range s.Store.ListEntryIDs() {
		rec, ok, err := s.Store.RetrieveEntry(id)
		if err != nil || !ok {
			continue
		}
		s.Index.Upsert(*rec)
	}
}

// syncIndexForFile reconciles the index with whatever the store
// currently holds for filePath, picking up additions, updates, and
// deletions made by the most recent ingest.
func (s *Substrate) syncIndexForFile(filePath string) {
	records, err := s.Store.ListEntriesForFile(filePath)
	if err != nil {
		return
	}
	for _, rec := range records {
		s.Index.Upsert(rec)
	}
}

// Start brings up every background subsystem: the embedding queue's
// workers, the file-watch pipeline, and the maintenance cycle. Start
// returns once all subsystems have been launched; it does not block.
func (s *Substrate) Start(ctx context.Context) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.Queue.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.Pipeline.Run(ctx, s.cfg.VaultDir)
	}()

	interval := time.Duration(s.cfg.Pipeline.BatchTimeoutMs) * time.Millisecond * 2
	if interval <= 0 {
		interval = time.Second
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runIndexRefreshLoop(ctx, interval)
	}()

	s.Maintain.Start(ctx)
	return nil
}

// runIndexRefreshLoop periodically reconciles the in-memory index with
// the store so records the pipeline ingests off file-watch events
// become searchable without a direct hook between the two.
func (s *Substrate) runIndexRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshIndexFromStore()
		}
	}
}

// Stop tears down every background subsystem and waits for them to
// finish their current unit of work.
func (s *Substrate) Stop() error {
	s.Maintain.Stop()
	s.Pipeline.Stop()
	s.Queue.Stop()
	s.wg.Wait()
	return nil
}

// IndexAll walks every monitored file under the vault and ingests it,
// running the embedding queue's workers only for the duration of the
// walk. Use this for a one-shot full (re)index; Start/Stop drive the
// same ingester incrementally off file-change events instead.
func (s *Substrate) IndexAll(ctx context.Context) (pipeline.UpdateStats, error) {
	var total pipeline.UpdateStats

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		_ = s.Queue.Run(ctx)
	}()

	walkErr := filepath.WalkDir(s.cfg.VaultDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !isMonitoredExtension(path, s.cfg.Pipeline.MonitoredExtensions) {
			return nil
		}
		stats, ingestErr := s.ingester.IngestFile(ctx, path)
		if ingestErr != nil {
			return fmt.Errorf("ingesting %s: %w", path, ingestErr)
		}
		s.syncIndexForFile(path)
		total.FilesProcessed += stats.FilesProcessed
		total.EmbeddingsAdded += stats.EmbeddingsAdded
		total.EmbeddingsUpdated += stats.EmbeddingsUpdated
		total.EmbeddingsDeleted += stats.EmbeddingsDeleted
		total.EmbeddingsUnchanged += stats.EmbeddingsUnchanged
		return nil
	})

	cancel()
	<-queueDone
	return total, walkErr
}

func isMonitoredExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return strings.EqualFold(filepath.Ext(path), ".md")
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range extensions {
		if strings.ToLower(want) == ext {
			return true
		}
	}
	return false
}

// Search embeds query and returns its k nearest stored records for
// model, routed through the Resource Allocator's search-class gating.
func (s *Substrate) Search(ctx context.Context, query string, k int) ([]vectorindex.ScoredResult, error) {
	start := time.Now()
	var results []vectorindex.ScoredResult
	err := s.Allocator.ExecuteIO(ctx, allocator.OpSearch, allocator.PriorityNormal, func(ctx context.Context) error {
		vec, embedErr := s.Embedder.Embed(ctx, query)
		if embedErr != nil {
			return embedErr
		}
		var searchErr error
		results, searchErr = s.Index.KNearest(ctx, s.cfg.Embedding.Model, vec, k, vectorindex.SearchConfig{MaxResults: k})
		return searchErr
	})
	s.Metrics.RecordSearch(metrics.SearchEvent{
		Query:       query,
		ResultCount: len(results),
		Latency:     time.Since(start),
		Timestamp:   start,
	})
	return results, err
}
