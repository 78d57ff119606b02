package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pipeline watches a vault root, debounces and batches file events,
// and drives an Ingester to keep the vector store in sync.
type Pipeline struct {
	cfg     Config
	watcher Watcher
	deb     *Debouncer
	ingest  *Ingester

	mu      sync.Mutex
	history []UpdateStats

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Pipeline over watcher using ingest to process changes.
func New(cfg Config, watcher Watcher, ingest *Ingester) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:     cfg,
		watcher: watcher,
		deb:     NewDebouncer(cfg.DebounceWindow),
		ingest:  ingest,
		stopCh:  make(chan struct{}),
	}
}

// Run starts watching root and processing batches until ctx is
// cancelled or Stop is called. Run blocks until the pipeline has
// drained its in-flight work.
func (p *Pipeline) Run(ctx context.Context, root string) error {
	if err := p.watcher.Start(ctx, root); err != nil {
		return err
	}
	defer p.watcher.Stop()
	defer p.deb.Stop()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.forwardEvents(ctx)
	}()

	p.batchLoop(ctx)
	p.wg.Wait()
	return nil
}

func (p *Pipeline) forwardEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case ev, ok := <-p.watcher.Events():
			if !ok {
				return
			}
			p.deb.Add(ev)
		case err, ok := <-p.watcher.Errors():
			if !ok {
				continue
			}
			slog.Warn("pipeline watch error", slog.Any("error", err))
		}
	}
}

// batchLoop accumulates debounced batches until batch_timeout or
// max_batch_size is reached, then processes them.
func (p *Pipeline) batchLoop(ctx context.Context) {
	var buf []FileEvent
	timer := time.NewTimer(p.cfg.BatchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(buf) == 0 {
			return
		}
		p.processBatch(ctx, buf)
		buf = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-p.stopCh:
			flush()
			return
		case events, ok := <-p.deb.Output():
			if !ok {
				flush()
				return
			}
			buf = append(buf, events...)
			if len(buf) >= p.cfg.MaxBatchSize {
				flush()
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.cfg.BatchTimeout)
		case <-timer.C:
			flush()
			timer.Reset(p.cfg.BatchTimeout)
		}
	}
}

// processBatch partitions events by kind and processes files with
// bounded cross-file parallelism. Within a single run, each file path
// only ever appears once per batch (the debouncer already coalesced
// it), so no extra per-path locking is needed here.
func (p *Pipeline) processBatch(ctx context.Context, events []FileEvent) {
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, p.cfg.MaxConcurrentFiles)

	var mu sync.Mutex
	total := UpdateStats{}

	for _, ev := range events {
		ev := ev
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return nil
			}

			stats, err := p.processOne(gctx, ev)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				total.Errors = append(total.Errors, err.Error())
			}
			total.merge(stats)
			return nil
		})
	}
	_ = g.Wait()

	total.ProcessingTimeMs = time.Since(start).Milliseconds()
	p.recordStats(total)
}

func (p *Pipeline) processOne(ctx context.Context, ev FileEvent) (UpdateStats, error) {
	switch ev.Operation {
	case OpDeleted:
		return p.ingest.DeleteFile(ev.Path)
	case OpRenamed:
		if ev.OldPath != "" {
			if _, err := p.ingest.DeleteFile(ev.OldPath); err != nil {
				return UpdateStats{}, err
			}
		}
		return p.ingest.IngestFile(ctx, ev.Path)
	default: // OpCreated, OpModified
		return p.ingest.IngestFile(ctx, ev.Path)
	}
}

func (p *Pipeline) recordStats(stats UpdateStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, stats)
	if len(p.history) > p.cfg.StatsHistory {
		p.history = p.history[len(p.history)-p.cfg.StatsHistory:]
	}
}

// History returns a copy of recent batch statistics, oldest first.
func (p *Pipeline) History() []UpdateStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]UpdateStats, len(p.history))
	copy(out, p.history)
	return out
}

// Stop signals the pipeline to drain and exit. Safe to call more than
// once; Run still must observe ctx cancellation or this signal to
// actually return.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}
